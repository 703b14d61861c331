package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures by how the presentation layer should treat
// them. Every error the coordinator surfaces carries exactly one kind.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation: bad or missing input, detected locally before any
	// remote call.
	KindValidation
	// KindConflict: a uniqueness violation detected via query.
	KindConflict
	// KindNotFound: an expected entity is absent.
	KindNotFound
	// KindAuth: the identity provider rejected the operation.
	KindAuth
	// KindPersistence: a document or blob operation failed remotely.
	KindPersistence
	// KindState: the operation was attempted in the wrong session state.
	KindState
)

// Error is a classified, human-readable failure. Message is what the
// presentation layer shows; the wrapped cause, if any, is for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches a cause to a sentinel, keeping errors.Is identity with
// the sentinel itself.
func (e *Error) Wrap(cause error) error {
	return fmt.Errorf("%w: %w", e, cause)
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

var (
	ErrFieldsEmpty      = newError(KindValidation, "some fields are empty")
	ErrPasswordTooShort = newError(KindValidation, "password must be at least 6 characters")
	ErrInvalidNumber    = newError(KindValidation, "invalid number, please enter digits only")
	ErrNumberExists     = newError(KindConflict, "number already exists")
	ErrChatExists       = newError(KindConflict, "chat already exists")
	ErrEmailExists      = newError(KindConflict, "email already in use")
	ErrUserNotFound     = newError(KindNotFound, "user not found")
	ErrDocumentNotFound = newError(KindNotFound, "document not found")
	ErrNotAuthenticated = newError(KindAuth, "user not authenticated")
	ErrSignUpFailed     = newError(KindAuth, "sign-up failed")
	ErrLoginFailed      = newError(KindAuth, "login failed")
	ErrProfileNotLoaded = newError(KindState, "user data is unavailable")
)

// PersistenceError wraps a failed remote document or blob operation
// with the message shown to the user.
func PersistenceError(msg string, cause error) error {
	return &Error{Kind: KindPersistence, Message: msg, cause: cause}
}

// KindOf classifies err, unwrapping as needed. Errors that did not
// originate from this package report KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// UserMessage extracts the human-readable message for err.
func UserMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
