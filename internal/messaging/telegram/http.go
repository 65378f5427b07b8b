package telegram

import (
	"net/http"
	"time"
)

// Long polling holds requests for updateTimeoutSeconds, so the client timeout
// must exceed that as well as the longest expected upload.
func newHTTPClient(uploadTimeout time.Duration) *http.Client {
	timeout := max(uploadTimeout, (updateTimeoutSeconds+10)*time.Second)

	return &http.Client{Timeout: timeout}
}
