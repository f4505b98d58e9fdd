package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrSubscriptionFailed indicates that a subscription could not be created
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrConsumerNotFound indicates that a consumer was not found
	ErrConsumerNotFound = errors.New("consumer not found")
)

// Error codes used by the SDK constructors.
const (
	CodeValidation = "VALIDATION"
	CodeInternal   = "INTERNAL"
	CodeConnection = "CONNECTION"
	CodeStorage    = "STORAGE"
)

// Error represents a structured SDK error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new SDK error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates an error for rejected input
func NewValidationError(message string, err error) *Error {
	return NewError(CodeValidation, message, err)
}

// NewInternalError creates an error for unexpected internal failures
func NewInternalError(message string, err error) *Error {
	return NewError(CodeInternal, message, err)
}

// NewConnectionError creates an error for broken or missing connections
func NewConnectionError(message string, err error) *Error {
	return NewError(CodeConnection, message, err)
}

// NewStorageError creates an error for payload storage failures
func NewStorageError(message string, err error) *Error {
	return NewError(CodeStorage, message, err)
}

// HasCode checks if an error carries the given SDK error code
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
