package collector

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures at the BrowserPage boundary.
type ErrorKind string

// Kinds returned by BrowserPage implementations.
const (
	// KindDetached marks a query that raced a frame teardown. Treated as
	// fail-open by detection.
	KindDetached ErrorKind = "detached_frame"
	// KindNavigation marks a navigation failure or mid-query navigation
	// race. Fail-open for detection, retried for explicit navigations.
	KindNavigation ErrorKind = "navigation"
	KindTimeout    ErrorKind = "timeout"
	KindEvaluate   ErrorKind = "evaluate"
)

// PageError wraps a browser driver failure with its kind and operation.
type PageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// NewPageError builds a PageError for the given operation.
func NewPageError(kind ErrorKind, op string, err error) *PageError {
	return &PageError{Kind: kind, Op: op, Err: err}
}

// FailOpen reports whether an error from a page query must be treated as
// benign (page considered clear). Detection errors never halt collection.
func FailOpen(err error) bool {
	if err == nil {
		return false
	}
	var pe *PageError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindDetached, KindNavigation, KindTimeout:
			return true
		}
	}
	return false
}

// ErrAborted is returned when the operator requests run termination. It
// propagates immediately, skipping remaining retries; checkpoint and
// dedupe state already written is preserved.
var ErrAborted = errors.New("run aborted by operator")

// SolveError marks a solver backend call that failed or timed out. It
// triggers backend or policy fallback.
type SolveError struct {
	Backend string
	Err     error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("solve via %s: %v", e.Backend, e.Err)
}

func (e *SolveError) Unwrap() error {
	return e.Err
}

// InjectionError marks a token that was obtained but could not be
// applied to the page. Distinct from SolveError: the token is spent and
// is never retried; the episode falls through to the next backend.
type InjectionError struct {
	Widget string
	Err    error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("inject %s token: %v", e.Widget, e.Err)
}

func (e *InjectionError) Unwrap() error {
	return e.Err
}
