package lightrag

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by NewClient when the base URL or API key is missing.
	ErrNotConfigured = errors.New("lightrag: base URL and API key are required")
	// ErrPipelineBusy is returned by Upload when the pipeline reports busy.
	ErrPipelineBusy = errors.New("lightrag: pipeline busy, retry later")
)

// ServiceError reports a non-2xx response or a payload that could not be decoded.
type ServiceError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("lightrag %s: service returned %d: %s", e.Operation, e.StatusCode, truncate(e.Body, 256))
}

// TransportError reports a request that never produced an HTTP response.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lightrag %s: network error: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError describes why a file cannot be uploaded.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
