package jstransform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorKind classifies script failures.
type ErrorKind string

const (
	ErrorKindSyntax        ErrorKind = "syntax"
	ErrorKindRuntime       ErrorKind = "runtime"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindSecurity      ErrorKind = "security"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindInternal      ErrorKind = "internal"
)

// ScriptError describes a failure inside the JavaScript layer. The message
// keeps whatever position information the engine produced.
type ScriptError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ScriptError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("script %s error: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("script %s error: %s", e.Kind, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

func newSyntaxError(message string, cause error) *ScriptError {
	return &ScriptError{Kind: ErrorKindSyntax, Message: message, Cause: cause}
}

func newRuntimeError(message string, cause error) *ScriptError {
	return &ScriptError{Kind: ErrorKindRuntime, Message: message, Cause: cause}
}

func newTimeoutError(message string) *ScriptError {
	return &ScriptError{Kind: ErrorKindTimeout, Message: message}
}

func newSecurityError(message string) *ScriptError {
	return &ScriptError{Kind: ErrorKindSecurity, Message: message}
}

func newConfigurationError(message string) *ScriptError {
	return &ScriptError{Kind: ErrorKindConfiguration, Message: message}
}

func newInternalError(message string, cause error) *ScriptError {
	return &ScriptError{Kind: ErrorKindInternal, Message: message, Cause: cause}
}

// parseScriptException normalizes errors coming out of goja into ScriptError
// values. Exceptions thrown by sandbox guards carry a ScriptError payload and
// are returned as-is.
func parseScriptException(err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}

	var interruptErr *goja.InterruptedError
	if errors.As(err, &interruptErr) {
		return newTimeoutError("execution interrupted")
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		if thrown, ok := exception.Value().Export().(*ScriptError); ok {
			return thrown
		}

		message := exception.Value().String()
		kind := ErrorKindRuntime
		if strings.Contains(message, "SyntaxError") {
			kind = ErrorKindSyntax
		}
		return &ScriptError{Kind: kind, Message: message, Cause: exception}
	}

	return newInternalError("unexpected script failure", err)
}
