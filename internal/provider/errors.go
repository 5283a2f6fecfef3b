package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an instance or template doesn't exist.
	ErrNotFound = errors.New("instance not found")

	// ErrNotConfigured is returned when the selected back-end has no
	// credentials configured.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrUnsupported is returned for operations a back-end cannot perform.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrTimeout is returned when a wait loop exhausts its deadline.
	ErrTimeout = errors.New("operation timed out")
)

// APIError is an error response from a provider's REST API.
type APIError struct {
	Provider   Kind   `json:"-"`
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsNotFound reports whether err means the resource is gone, either as the
// sentinel or as a provider 404.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
