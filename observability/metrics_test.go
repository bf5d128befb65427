package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowflow/order"
)

func TestOutcomeLabels(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"not_found":           order.ErrOrderNotFound,
		"not_a_party":         fmt.Errorf("wrap: %w", order.ErrNotAParty),
		"precondition_failed": order.ErrPreconditionFailed,
		"already_resolved":    order.ErrAlreadyResolved,
		"invalid_input":       order.ErrInvalidInput,
		"error":               errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestEscrowMetricsCount(t *testing.T) {
	m := Escrow()
	if Escrow() != m {
		t.Fatalf("registry must be a singleton")
	}

	before := testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "ok"))
	m.ObserveOperation("confirm", "ok")
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "ok")); got != before+1 {
		t.Fatalf("transitions = %v, want %v", got, before+1)
	}

	failedBefore := testutil.ToFloat64(m.sweepOrders.WithLabelValues("failed"))
	m.ObserveSweep(time.Second, 3, 1, 2)
	if got := testutil.ToFloat64(m.sweepOrders.WithLabelValues("failed")); got != failedBefore+2 {
		t.Fatalf("failed sweeps = %v, want %v", got, failedBefore+2)
	}

	var nilMetrics *EscrowMetrics
	nilMetrics.NotificationFailed("x")
}
