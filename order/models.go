package order

import "time"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusDisputed       Status = "disputed"
	StatusRefunded       Status = "refunded"
)

// EscrowStatus tracks where the buyer's funds are.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

type DeliveryOption string

const (
	DeliveryVault DeliveryOption = "vault"
	DeliveryShip  DeliveryOption = "ship"
)

// Party identifies which side of the order an actor is on.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Counterparty returns the other side of the order.
func (p Party) Counterparty() Party {
	if p == PartyBuyer {
		return PartySeller
	}
	return PartyBuyer
}

// DefaultConfirmationGrace is added to delivered_at when no explicit deadline was set.
const DefaultConfirmationGrace = 7 * 24 * time.Hour

// Order mirrors a row of the orders table.
type Order struct {
	ID           string
	BuyerID      string
	SellerID     string
	PriceCents   int64
	Currency     string
	Status       Status
	EscrowStatus EscrowStatus

	BuyerConfirmedAt     *time.Time
	SellerConfirmedAt    *time.Time
	ConfirmationDeadline *time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time

	DeliveryOption           DeliveryOption
	ShippingRequestedAt      *time.Time
	ShippingRequestedBy      *string
	BuyerApprovedShipping    bool
	SellerApprovedShipping   bool
	BuyerShippingApprovedAt  *time.Time
	SellerShippingApprovedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartyOf resolves the actor's side of the order.
func (o Order) PartyOf(actorID string) (Party, error) {
	switch {
	case actorID == "":
		return "", ErrNotAParty
	case actorID == o.BuyerID:
		return PartyBuyer, nil
	case actorID == o.SellerID:
		return PartySeller, nil
	default:
		return "", ErrNotAParty
	}
}

// PartyID returns the user id for the given side.
func (o Order) PartyID(p Party) string {
	if p == PartyBuyer {
		return o.BuyerID
	}
	return o.SellerID
}

// Participants returns buyer and seller ids.
func (o Order) Participants() []string {
	return []string{o.BuyerID, o.SellerID}
}

// Terminal reports whether escrow has been settled one way or the other.
func (o Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusRefunded
}

// AwaitingConfirmation reports whether the two-party handshake is open.
func (o Order) AwaitingConfirmation() bool {
	return (o.Status == StatusShipped || o.Status == StatusDelivered) && o.EscrowStatus == EscrowHeld
}

func (o Order) ConfirmedAt(p Party) *time.Time {
	if p == PartyBuyer {
		return o.BuyerConfirmedAt
	}
	return o.SellerConfirmedAt
}

// Confirm stamps the party's confirmation. Existing timestamps are never overwritten.
func (o *Order) Confirm(p Party, at time.Time) bool {
	if o.ConfirmedAt(p) != nil {
		return false
	}
	t := at
	if p == PartyBuyer {
		o.BuyerConfirmedAt = &t
	} else {
		o.SellerConfirmedAt = &t
	}
	return true
}

// BothConfirmed reports whether buyer and seller have both attested completion.
func (o Order) BothConfirmed() bool {
	return o.BuyerConfirmedAt != nil && o.SellerConfirmedAt != nil
}

func (o Order) ShippingApproved(p Party) bool {
	if p == PartyBuyer {
		return o.BuyerApprovedShipping
	}
	return o.SellerApprovedShipping
}

// ApproveShipping records the party's shipping approval.
func (o *Order) ApproveShipping(p Party, at time.Time) bool {
	if o.ShippingApproved(p) {
		return false
	}
	t := at
	if p == PartyBuyer {
		o.BuyerApprovedShipping = true
		o.BuyerShippingApprovedAt = &t
	} else {
		o.SellerApprovedShipping = true
		o.SellerShippingApprovedAt = &t
	}
	return true
}

// ShippingPending reports whether a vault-to-ship request awaits approval.
func (o Order) ShippingPending() bool {
	return o.ShippingRequestedAt != nil && o.DeliveryOption != DeliveryShip
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (o Order) Clone() Order {
	out := o
	out.BuyerConfirmedAt = cloneTime(o.BuyerConfirmedAt)
	out.SellerConfirmedAt = cloneTime(o.SellerConfirmedAt)
	out.ConfirmationDeadline = cloneTime(o.ConfirmationDeadline)
	out.ShippedAt = cloneTime(o.ShippedAt)
	out.DeliveredAt = cloneTime(o.DeliveredAt)
	out.ShippingRequestedAt = cloneTime(o.ShippingRequestedAt)
	out.BuyerShippingApprovedAt = cloneTime(o.BuyerShippingApprovedAt)
	out.SellerShippingApprovedAt = cloneTime(o.SellerShippingApprovedAt)
	if o.ShippingRequestedBy != nil {
		by := *o.ShippingRequestedBy
		out.ShippingRequestedBy = &by
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
