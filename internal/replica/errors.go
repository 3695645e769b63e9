package replica

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidTransition
	KindDispatch
	KindApply
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDispatch:
		return "dispatch_failure"
	case KindApply:
		return "apply_failure"
	case KindStorage:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Error is the structured error returned by engine operations.
type Error struct {
	Kind     Kind
	EntityID string
	Reason   string
	Err      error
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrDispatch          = &Error{Kind: KindDispatch}
	ErrApply             = &Error{Kind: KindApply}
	ErrStorage           = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	switch {
	case e.Kind == KindNotFound:
		return fmt.Sprintf("entity %s not found", e.EntityID)
	case e.Kind == KindInvalidTransition && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.EntityID == "" && t.Reason == "" && t.Err == nil
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func notFound(id string) error {
	return &Error{Kind: KindNotFound, EntityID: id}
}
