package client

import "fmt"

// APIError is an upstream response with status >= 400. The raw body is
// always preserved so tool results can surface it as details.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lacework: API error %d: %s", e.StatusCode, e.Body)
}

// AuthError indicates the token exchange failed or returned a malformed
// response.
type AuthError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("lacework: auth failed HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("lacework: auth failed: %s", e.Message)
}

// TransportError indicates the request never produced an HTTP response:
// DNS failure, TLS failure, connect or read timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lacework: %s request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError indicates the caller supplied invalid arguments; no
// network call was made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
