package inference

import "fmt"

// NetworkError means the transport-level retry budget was exhausted without
// ever reaching the backend.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("backend unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-200 response from the backend. It is returned to the
// caller rather than retried here: the page-level state machine decides
// whether to burn an attempt on it.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// ResponseError means the backend answered 200 but the payload could not be
// parsed into a completion.
type ResponseError struct {
	Reason string
	Err    error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed backend response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed backend response: %s", e.Reason)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// ConfigError is a fatal startup mismatch, such as the backend serving a
// different model than configured. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "backend configuration error: " + e.Reason }
