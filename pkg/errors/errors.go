package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeClient      ErrorType = "client"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error represents an API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error

	// RetryAfter is the server's Retry-After hint on 429 and 503 responses
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Type, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap classifies cause under t
func Wrap(t ErrorType, cause error, message string) *Error {
	return &Error{Type: t, Message: message, Err: cause}
}

// FromStatus classifies a non-2xx HTTP response
func FromStatus(code int, message string) *Error {
	var t ErrorType
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		t = ErrorTypeAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		t = ErrorTypeNotFound
	case code == http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	case code >= 500:
		t = ErrorTypeServerError
	case code >= 400:
		t = ErrorTypeClient
	default:
		t = ErrorTypeUnknown
	}
	return &Error{Type: t, Message: message, Code: code}
}

// TypeOf returns the classification of err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	case ErrorTypeAuth, ErrorTypeNotFound, ErrorTypeClient, ErrorTypeParsing:
		return false
	default:
		return false
	}
}

// IsRetryableError reports whether err belongs to the transient tier
func IsRetryableError(err error) bool {
	return err != nil && IsRetryable(TypeOf(err))
}

// RetryAfter returns the pause the server asked for, or zero
func RetryAfter(err error) time.Duration {
	var e *Error
	if stderrors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// EnumerationError means the work list could not be built. The run must abort.
type EnumerationError struct {
	User string
	Page int
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerating images of %q failed on page %d: %v", e.User, e.Page, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// CorruptStateError means the progress record exists but cannot be parsed
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("progress record %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// InjectionError means metadata could not be embedded into an image
type InjectionError struct {
	ImageID string
	Err     error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("injecting metadata into image %s: %v", e.ImageID, e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }

// PostProcessError reports a failed conversion or archiving step
type PostProcessError struct {
	SequenceID string
	Step       string
	Path       string
	Err        error
}

func (e *PostProcessError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s of %s in sequence %s failed: %v", e.Step, e.Path, e.SequenceID, e.Err)
	}
	return fmt.Sprintf("%s of sequence %s failed: %v", e.Step, e.SequenceID, e.Err)
}

func (e *PostProcessError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run rather than a single item
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var enumErr *EnumerationError
	var stateErr *CorruptStateError
	return TypeOf(err) == ErrorTypeAuth ||
		stderrors.As(err, &enumErr) ||
		stderrors.As(err, &stateErr)
}
