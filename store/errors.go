package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for store operations. Callers distinguish failure modes
// with errors.Is; FlowError adds the flow and operation to any of them.
var (
	ErrUnknown           = errors.New("store: unknown error")
	ErrFlowNotFound      = errors.New("store: flow not found")
	ErrFlowInvalid       = errors.New("store: flow no longer valid")
	ErrTooLate           = errors.New("store: index no longer available")
	ErrTooEarly          = errors.New("store: index not yet available")
	ErrTimeout           = errors.New("store: timed out waiting for index")
	ErrInvalidFlowReader = errors.New("store: invalid flow reader")
	ErrInvalidFlowWriter = errors.New("store: invalid flow writer")
	ErrInvalidArg        = errors.New("store: invalid argument")
	ErrConflict          = errors.New("store: flow already has an active writer")
	ErrOther             = errors.New("store: other error")
)

// FlowError records the flow and operation that produced an error.
type FlowError struct {
	ID  uuid.UUID
	Op  string
	Err error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("store: %s flow %s: %v", e.Op, e.ID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func flowErr(id uuid.UUID, op string, err error) error {
	return &FlowError{ID: id, Op: op, Err: err}
}
