package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session id has no state.
var ErrSessionNotFound = errors.New("session not found")

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidIndexError reports an advance target outside the playlist.
type InvalidIndexError struct {
	Index  int
	Length int
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("index %d out of range for playlist of length %d", e.Index, e.Length)
}

// AuthorizationError reports a viewer attempting an action its role does
// not allow.
type AuthorizationError struct {
	ViewerID string
	Role     Role
	Action   string
}

func (e *AuthorizationError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("viewer %q is not a member allowed to %s", e.ViewerID, e.Action)
	}
	return fmt.Sprintf("viewer %q with role %s may not %s", e.ViewerID, e.Role, e.Action)
}

// TransportError wraps a send or receive failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError or an
// InvalidIndexError.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ie *InvalidIndexError
	return errors.As(err, &ve) || errors.As(err, &ie)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
