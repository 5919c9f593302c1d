package render

import "fmt"

type SwapErrorKind int

const (
	// AlreadySwapped means the frame was submitted twice; scheduling carries on
	AlreadySwapped SwapErrorKind = iota
	// TemporaryFailure covers failures the next frame may not hit
	TemporaryFailure
	// ContextLost means the render context is gone for good
	ContextLost
)

func (k SwapErrorKind) String() string {
	switch k {
	case AlreadySwapped:
		return "already swapped"
	case TemporaryFailure:
		return "temporary failure"
	case ContextLost:
		return "context lost"
	default:
		return "unknown"
	}
}

// SwapBuffersError is a classified render or submission failure
type SwapBuffersError struct {
	Kind SwapErrorKind
	Err  error
}

func (e *SwapBuffersError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SwapBuffersError) Unwrap() error { return e.Err }

func Temporary(err error) error {
	return &SwapBuffersError{Kind: TemporaryFailure, Err: err}
}

func Lost(err error) error {
	return &SwapBuffersError{Kind: ContextLost, Err: err}
}

func Swapped() error {
	return &SwapBuffersError{Kind: AlreadySwapped}
}
