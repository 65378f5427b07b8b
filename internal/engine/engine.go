// Package engine defines the contract between the job lifecycle manager and
// the download engines that actually move bytes.
package engine

import (
	"context"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

const magnetPrefix = "magnet:?xt="

// Handle identifies a submitted download inside an engine. It is only valid
// until the engine is told to Cancel it.
type Handle string

// Status is the normalized view of an engine's telemetry for one handle.
// HasMetadata is set once the engine knows what it is downloading (name and
// size); until then the job stays Submitted.
type Status struct {
	Name            string
	Percent         float64
	DownloadRate    int64
	UploadRate      int64
	TotalBytes      int64
	DownloadedBytes int64
	PeerCount       int
	IsFinished      bool
	HasMetadata     bool
	StateLabel      string
}

// Engine drives a download to completion. Implementations must be safe for
// concurrent use by many monitoring tasks.
type Engine interface {
	// Submit starts fetching descriptor into savePath.
	Submit(ctx context.Context, descriptor Descriptor, savePath string) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	// Cancel releases the handle. Data already written to savePath is left
	// for the caller to purge.
	Cancel(ctx context.Context, h Handle) error
}

// Descriptor is a validated magnet link.
type Descriptor struct {
	URI         string
	InfoHash    string
	DisplayName string
}

// ParseDescriptor validates a user supplied magnet link.
func ParseDescriptor(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)

	if !strings.HasPrefix(raw, magnetPrefix) {
		return Descriptor{}, &InvalidDescriptorError{Descriptor: raw, Reason: "must start with " + magnetPrefix}
	}

	m, err := metainfo.ParseMagnetUri(raw)
	if err != nil {
		return Descriptor{}, &InvalidDescriptorError{Descriptor: raw, Reason: "not a valid magnet uri", Err: err}
	}

	return Descriptor{
		URI:         raw,
		InfoHash:    m.InfoHash.HexString(),
		DisplayName: m.DisplayName,
	}, nil
}

// Label returns something human readable for the descriptor.
func (d Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}

	return d.InfoHash
}
