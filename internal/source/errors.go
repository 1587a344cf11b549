package source

import "fmt"

// AuthError means the credential was rejected. It is never retried; the job
// fails immediately so the caller can prompt for re-linking.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source auth error (status %d): %s", e.Status, e.Message)
}

// TransientError covers timeouts and 5xx-class responses. The pagination
// client retries the same page with backoff before surfacing one.
type TransientError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient source error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("transient source error (status %d): %s", e.Status, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Err }
