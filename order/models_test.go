package order

import (
	"errors"
	"testing"
	"time"
)

func TestPartyOf(t *testing.T) {
	o := Order{BuyerID: "b", SellerID: "s"}

	cases := []struct {
		actor string
		want  Party
		err   error
	}{
		{actor: "b", want: PartyBuyer},
		{actor: "s", want: PartySeller},
		{actor: "x", err: ErrNotAParty},
		{actor: "", err: ErrNotAParty},
	}
	for _, tc := range cases {
		got, err := o.PartyOf(tc.actor)
		if !errors.Is(err, tc.err) {
			t.Fatalf("PartyOf(%q) error = %v, want %v", tc.actor, err, tc.err)
		}
		if got != tc.want {
			t.Fatalf("PartyOf(%q) = %q, want %q", tc.actor, got, tc.want)
		}
	}

	if PartyBuyer.Counterparty() != PartySeller || PartySeller.Counterparty() != PartyBuyer {
		t.Fatalf("counterparty mapping broken")
	}
}

func TestConfirmNeverOverwrites(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var o Order

	if !o.Confirm(PartyBuyer, first) {
		t.Fatalf("expected first confirm to change state")
	}
	if o.Confirm(PartyBuyer, first.Add(time.Hour)) {
		t.Fatalf("expected second confirm to be a no-op")
	}
	if !o.BuyerConfirmedAt.Equal(first) {
		t.Fatalf("buyer timestamp overwritten: %v", o.BuyerConfirmedAt)
	}
	if o.BothConfirmed() {
		t.Fatalf("seller has not confirmed")
	}
	o.Confirm(PartySeller, first)
	if !o.BothConfirmed() {
		t.Fatalf("expected both confirmed")
	}
}

func TestAwaitingConfirmation(t *testing.T) {
	cases := map[Status]bool{
		StatusPendingPayment: false,
		StatusPaid:           false,
		StatusShipped:        true,
		StatusDelivered:      true,
		StatusDisputed:       false,
		StatusCompleted:      false,
	}
	for status, want := range cases {
		o := Order{Status: status, EscrowStatus: EscrowHeld}
		if got := o.AwaitingConfirmation(); got != want {
			t.Fatalf("status %s: AwaitingConfirmation = %v, want %v", status, got, want)
		}
	}

	o := Order{Status: StatusDelivered, EscrowStatus: EscrowDisputed}
	if o.AwaitingConfirmation() {
		t.Fatalf("disputed escrow must not accept confirmations")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	by := "b"
	o := Order{BuyerConfirmedAt: &now, ShippingRequestedBy: &by}

	c := o.Clone()
	*c.BuyerConfirmedAt = now.Add(time.Hour)
	*c.ShippingRequestedBy = "s"

	if !o.BuyerConfirmedAt.Equal(now) || *o.ShippingRequestedBy != "b" {
		t.Fatalf("clone aliases the original")
	}
}
