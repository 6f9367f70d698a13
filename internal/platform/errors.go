package platform

import "fmt"

// APIError is a non-2xx reply from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("platform api error (status %d): %s", e.StatusCode, e.Message)
}

// NetworkError is a transport-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
