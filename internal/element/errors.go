package element

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied aborts a whole render.  It is never replaced by a
	// placeholder.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound means no definition exists for an element, link, or URI.
	ErrNotFound = errors.New("element not found")

	// ErrRecursionDepth means nested links exceeded the configured depth.
	ErrRecursionDepth = errors.New("element recursion too deep")
)

// GenerationError wraps a producer failure for one element.
type GenerationError struct {
	Element Identity
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Element, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Fatal reports whether err must abort the enclosing render rather than be
// replaced by an inline placeholder.
func Fatal(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrRecursionDepth)
}
