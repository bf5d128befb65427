package escalation

import (
	"errors"
	"time"
)

var (
	ErrEscalationNotFound = errors.New("escalation: not found")
	// ErrEscalationOpen is returned when the order already has an unresolved escalation.
	ErrEscalationOpen = errors.New("escalation: order already has an open escalation")
	ErrNotAdmin       = errors.New("escalation: caller is not an admin")
)

// Type records why an order left the two-party handshake.
type Type string

const (
	TypeBuyerNoConfirm  Type = "buyer_no_confirm"
	TypeSellerNoConfirm Type = "seller_no_confirm"
	TypeBuyerDispute    Type = "buyer_dispute"
	TypeSellerDispute   Type = "seller_dispute"
	TypeTimeout         Type = "timeout"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBuyerNoConfirm, TypeSellerNoConfirm, TypeBuyerDispute, TypeSellerDispute, TypeTimeout:
		return true
	default:
		return false
	}
}

// System reports whether the escalation was opened by the deadline scanner.
func (t Type) System() bool {
	return t == TypeBuyerNoConfirm || t == TypeSellerNoConfirm || t == TypeTimeout
}

// Action is the arbitration outcome.
type Action string

const (
	ActionReleased Action = "released"
	ActionRefunded Action = "refunded"
)

func (a Action) Valid() bool {
	return a == ActionReleased || a == ActionRefunded
}

// Record mirrors a row of the escalations table.
type Record struct {
	ID               string
	OrderID          string
	Type             Type
	EscalatedBy      *string
	Reason           string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	ResolvedBy       *string
	ResolutionAction *Action
	ResolutionNotes  *string
}

func (r Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// State filters the list endpoint.
type State string

const (
	StateAny      State = ""
	StateOpen     State = "open"
	StateResolved State = "resolved"
)

type Filters struct {
	OrderID  string
	State    State
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Record
	Total int
}

// Normalize applies paging defaults.
func (f Filters) Normalize() Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}
