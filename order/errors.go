package order

import "errors"

var (
	// ErrOrderNotFound is returned when no order row exists for the identifier.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrNotAParty is returned when the actor is neither buyer nor seller.
	ErrNotAParty = errors.New("order: actor is not a party to the order")
	// ErrPreconditionFailed is returned when the order is not in a state that allows the operation.
	ErrPreconditionFailed = errors.New("order: precondition failed")
	// ErrAlreadyResolved is returned when the order or escalation has already been settled.
	ErrAlreadyResolved = errors.New("order: already resolved")
	ErrInvalidInput    = errors.New("order: invalid input")
)
