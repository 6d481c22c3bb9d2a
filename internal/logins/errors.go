package logins

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a login does not exist or has been deleted.
	ErrNotFound = errors.New("login not found")

	// ErrInvalidLogin is returned when a login fails validation.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrWrongKey is returned when a store is opened with a different key
	// from the one it was created with.
	ErrWrongKey = errors.New("wrong store key")

	// ErrInvalidKeyBundle is returned when a sync key cannot be decoded into
	// a key bundle.
	ErrInvalidKeyBundle = errors.New("invalid sync key bundle")

	// ErrHMACMismatch is returned when an incoming record fails authentication.
	ErrHMACMismatch = errors.New("record HMAC mismatch")

	// ErrInvalidTransition is returned when a change would move a record
	// between sync states in a way the sync protocol does not allow.
	ErrInvalidTransition = errors.New("invalid sync state transition")

	// ErrCollectionChanged is returned when the server collection kept
	// changing under repeated upload attempts.
	ErrCollectionChanged = errors.New("server collection changed during sync")

	// ErrUploadRejected is returned when the server refuses some uploaded records.
	ErrUploadRejected = errors.New("server rejected uploaded records")
)

// HTTPError reports an unexpected status from the tokenserver or storage server.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}
