package order

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConditionalCheckFailed = errors.New("conditional check failed")
	ErrValidation             = errors.New("validation failed")
	ErrUnknown                = errors.New("unknown error")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError carries enough context to triage a failed transition
// without re-reading the order.
type TransitionError struct {
	Op      string
	OrderID uuid.UUID
	Type    Type
	From    State
	To      State
	Related uuid.UUID
	Address string
	ChainID uint64
	Err     error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: order %s (%s) %s -> %s", e.Op, e.OrderID, e.Type, e.From, e.To)
	if e.Related != uuid.Nil {
		msg += fmt.Sprintf(" related=%s", e.Related)
	}
	if e.Address != "" {
		msg += fmt.Sprintf(" address=%s chain=%d", e.Address, e.ChainID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Validationf returns an ErrValidation wrapping error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
