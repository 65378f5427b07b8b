package downloader

import (
	"errors"
	"fmt"
)

// ErrRejected is matched by every RejectedError.
var ErrRejected = errors.New("job rejected")

// ErrNoActiveJob is returned by Cancel when the owner has nothing running.
var ErrNoActiveJob = errors.New("no active job")

// ErrUploading is returned by Cancel once the download finished and the
// files are being delivered.
var ErrUploading = errors.New("job is already uploading")

// RejectReason says why a request did not become a job.
type RejectReason string

const (
	ReasonInvalidDescriptor RejectReason = "invalid_descriptor"
	ReasonDuplicate         RejectReason = "duplicate"
	ReasonBusy              RejectReason = "busy"
	ReasonShuttingDown      RejectReason = "shutting_down"
)

// RejectedError is returned by CreateJob when no job was created.
type RejectedError struct {
	Reason RejectReason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job rejected (%s): %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("job rejected (%s)", e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ReasonOf extracts the reject reason from err, if any.
func ReasonOf(err error) (RejectReason, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}

	return "", false
}

var (
	errCancelled = errors.New("cancelled by owner")
	errShutdown  = errors.New("manager shutting down")
)
