package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotPermitted     = errors.New("not permitted")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRateLimited      = errors.New("rate limited")
)

// ToolErrorKind classifies tool invocation failures for the fallback chain.
type ToolErrorKind string

const (
	ToolErrUnknown           ToolErrorKind = "unknown-tool"
	ToolErrInvalidParams     ToolErrorKind = "invalid-params"
	ToolErrServerUnavailable ToolErrorKind = "server-unavailable"
	ToolErrServerError       ToolErrorKind = "server-error"
	ToolErrTimeout           ToolErrorKind = "timeout"
	ToolErrCancelled         ToolErrorKind = "cancelled"
)

type ToolError struct {
	Kind ToolErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transient reports whether the fallback chain should continue to the next
// candidate after this failure.
func (e *ToolError) Transient() bool {
	switch e.Kind {
	case ToolErrServerUnavailable, ToolErrTimeout, ToolErrServerError:
		return true
	}
	return false
}

func NewToolError(kind ToolErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

// AsToolError unwraps err into a *ToolError if possible.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
