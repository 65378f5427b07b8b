package downloader

import (
	"os"

	"github.com/segmentio/ksuid"
)

// InstanceID names this process in logs and in the status API. Job tables
// live in memory, so two replicas never share jobs and must be told apart.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "magnet-relay"
	}

	return host + "-" + ksuid.New().String()
}
