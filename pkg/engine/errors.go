package engine

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Arbor/pkg/tree"
)

// Terminal outcomes of a run.
var (
	// ErrInvalidConfiguration is returned when the options, topology, and
	// inputs combine into something the dispatcher cannot decompose.
	ErrInvalidConfiguration = errors.New("invalid run configuration")

	// ErrAlignmentAmbiguity is returned when two or more single-path trees
	// sit at different paths with no structured tree to resolve against.
	ErrAlignmentAmbiguity = errors.New("ambiguous alignment between single-path trees")

	// ErrTransformFailed is returned when the user transform reports an
	// error. The returned error is always an *InvocationError carrying the
	// failing invocation's addressing metadata.
	ErrTransformFailed = errors.New("transform failed")

	// ErrRunCancelled is returned when the run observes context
	// cancellation. It is a distinct outcome from a transform failure and
	// never accompanies partial output.
	ErrRunCancelled = errors.New("run cancelled")
)

// InvocationError wraps a transform error with the invocation it failed on.
type InvocationError struct {
	// Path is the source path of the failing invocation.
	Path tree.Path
	// ItemIndex is the item position within the branch (-1 for
	// branch-level invocations).
	ItemIndex int
	// Sequence is the invocation's position in the dispatch order.
	Sequence int
	// Cause is the error returned by the transform.
	Cause error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.ItemIndex >= 0 {
		return fmt.Sprintf("transform failed on invocation %d at %s item %d: %v",
			e.Sequence, e.Path, e.ItemIndex, e.Cause)
	}
	return fmt.Sprintf("transform failed on invocation %d at %s: %v",
		e.Sequence, e.Path, e.Cause)
}

// Unwrap returns the transform's error.
func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// Is reports ErrTransformFailed so callers can classify the outcome without
// unwrapping to the struct.
func (e *InvocationError) Is(target error) bool {
	return target == ErrTransformFailed
}

// newInvocationError attaches invocation metadata to a transform error.
func newInvocationError(path tree.Path, itemIndex, sequence int, cause error) *InvocationError {
	return &InvocationError{
		Path:      path.Clone(),
		ItemIndex: itemIndex,
		Sequence:  sequence,
		Cause:     cause,
	}
}

// IsCancelled reports whether err represents a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRunCancelled)
}

// IsTransformFailure reports whether err originated in the user transform.
func IsTransformFailure(err error) bool {
	return errors.Is(err, ErrTransformFailed)
}
