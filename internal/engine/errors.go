package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest          = errors.New("invalid sale request")
	ErrForbidden               = errors.New("product is not available to this role")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrUnsupportedNestedRecipe = errors.New("unsupported nested recipe")
	ErrZeroStockCostUndefined  = errors.New("unit cost undefined for zero stock")
	ErrConflict                = errors.New("catalog changed concurrently, retry budget exhausted")
	ErrFatal                   = errors.New("sale could not be persisted")
)

// State is a step of the sale transaction lifecycle.
type State int

const (
	StateReceived State = iota
	StateResolving
	StateCosting
	StateMutating
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolving:
		return "resolving"
	case StateCosting:
		return "costing"
	case StateMutating:
		return "mutating"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AbortError reports the state a sale was in when it was aborted.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("sale aborted while %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
