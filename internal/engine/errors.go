package engine

import "fmt"

// InvalidDescriptorError is returned when a magnet link is malformed.
type InvalidDescriptorError struct {
	Descriptor string
	Reason     string
	Err        error
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid descriptor: %s", e.Reason)
}

func (e *InvalidDescriptorError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures and non-2xx API responses.
type NetworkError struct {
	Operation  string
	StatusCode int
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents rejected engine credentials.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// EngineError is any unrecoverable failure reported for a handle. A job
// that sees one is failed and never retried.
type EngineError struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *EngineError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("engine %s failed for %s: %v", e.Op, e.Handle, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
