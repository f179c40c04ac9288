package pending

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

// fastPolicy keeps the timers short enough for tests without racing them.
func fastPolicy() Policy {
	return Policy{
		VisibleAfter: 60 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  5,
	}
}

func settledLookup(amountMsat int64) LookupFunc {
	return func(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error) {
		return &wallet.LookupResult{State: wallet.LookupSettled, AmountMsat: amountMsat}, nil
	}
}

func pendingLookup() LookupFunc {
	return func(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error) {
		return &wallet.LookupResult{State: wallet.LookupPending}, nil
	}
}

// collectEvents drains tracker events into a slice until cancelled.
func collectEvents(t *testing.T, tracker *Tracker) (func() []Event, func()) {
	t.Helper()
	ch, cancel := tracker.Events()
	var mu sync.Mutex
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	snapshot := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
	stop := func() {
		cancel()
		<-done
	}
	return snapshot, stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestQuickSettlementSkipsVisibility(t *testing.T) {
	tracker := NewTracker(settledLookup(21_000), fastPolicy(), nil, nil)
	snapshot, stop := collectEvents(t, tracker)
	defer stop()

	id := tracker.Register(Payment{Invoice: "lnbc1a", PaymentHash: "h1", RequestedMsat: 21_000}, nil, nil)

	waitFor(t, func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == EventSettled {
				return true
			}
		}
		return false
	})

	// Give the visibility timer a chance to fire after settlement; it
	// must stay silent.
	time.Sleep(100 * time.Millisecond)
	for _, ev := range snapshot() {
		require.NotEqual(t, EventVisible, ev.Kind)
	}

	p, ok := tracker.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, p.Status)
	require.Equal(t, int64(21_000), p.SettledMsat)
}

func TestSlowPaymentBecomesVisibleOnce(t *testing.T) {
	tracker := NewTracker(pendingLookup(), fastPolicy(), nil, nil)
	snapshot, stop := collectEvents(t, tracker)
	defer stop()

	tracker.Register(Payment{Invoice: "lnbc1b", PaymentHash: "h2"}, nil, nil)

	waitFor(t, func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == EventVisible {
				return true
			}
		}
		return false
	})

	time.Sleep(100 * time.Millisecond)
	visible := 0
	for _, ev := range snapshot() {
		if ev.Kind == EventVisible {
			visible++
		}
	}
	require.Equal(t, 1, visible)
}

func TestExhaustionLeavesWaiting(t *testing.T) {
	var calls atomic.Int32
	lookup := func(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error) {
		calls.Add(1)
		return &wallet.LookupResult{State: wallet.LookupNotFound}, nil
	}
	policy := fastPolicy()
	tracker := NewTracker(lookup, policy, nil, nil)

	id := tracker.Register(Payment{Invoice: "lnbc1c", PaymentHash: "h3"}, nil, nil)

	waitFor(t, func() bool { return int(calls.Load()) >= policy.MaxAttempts })
	time.Sleep(20 * time.Millisecond)

	p, ok := tracker.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusWaiting, p.Status)
	require.Equal(t, int32(policy.MaxAttempts), calls.Load())
}

func TestExhaustionFailsWhenPolicySaysSo(t *testing.T) {
	policy := fastPolicy()
	policy.FailOnExhaust = true
	tracker := NewTracker(pendingLookup(), policy, nil, nil)
	snapshot, stop := collectEvents(t, tracker)
	defer stop()

	id := tracker.Register(Payment{Invoice: "lnbc1d", PaymentHash: "h4"}, nil, nil)

	waitFor(t, func() bool {
		p, ok := tracker.Get(id)
		return ok && p.Status == StatusFailure
	})

	var unconfirmed *wallet.UnconfirmedError
	p, _ := tracker.Get(id)
	require.ErrorAs(t, p.Err, &unconfirmed)
	require.Equal(t, "h4", unconfirmed.PaymentHash)

	waitFor(t, func() bool {
		for _, ev := range snapshot() {
			if ev.Kind == EventFailed {
				return true
			}
		}
		return false
	})
}

func TestLookupFailureStateFailsPayment(t *testing.T) {
	lookup := func(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error) {
		return &wallet.LookupResult{State: wallet.LookupFailed}, nil
	}
	tracker := NewTracker(lookup, fastPolicy(), nil, nil)

	id := tracker.Register(Payment{Invoice: "lnbc1e", PaymentHash: "h5"}, nil, nil)

	waitFor(t, func() bool {
		p, ok := tracker.Get(id)
		return ok && p.Status == StatusFailure
	})
}

func TestSettlementRemovesSameInvoiceSiblings(t *testing.T) {
	tracker := NewTracker(pendingLookup(), fastPolicy(), nil, nil)

	var siblingCancelled atomic.Bool
	first := tracker.Register(Payment{Invoice: "lnbc1same", PaymentHash: "h6"}, nil, nil)
	second := tracker.Register(Payment{Invoice: "lnbc1same", PaymentHash: "h6"}, nil, func() {
		siblingCancelled.Store(true)
	})
	other := tracker.Register(Payment{Invoice: "lnbc1other", PaymentHash: "h7"}, nil, nil)

	tracker.MarkSettled(first, 1000, nil)

	p, ok := tracker.Get(first)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, p.Status)

	_, ok = tracker.Get(second)
	require.False(t, ok, "sibling for the same invoice must be removed")
	require.True(t, siblingCancelled.Load())

	_, ok = tracker.Get(other)
	require.True(t, ok, "unrelated payment must survive")
}

func TestStatusIsMonotonic(t *testing.T) {
	tracker := NewTracker(pendingLookup(), fastPolicy(), nil, nil)

	id := tracker.Register(Payment{Invoice: "lnbc1f", PaymentHash: "h8"}, nil, nil)
	tracker.MarkSettled(id, 500, nil)
	tracker.MarkFailed(id, &wallet.UnexpectedError{Message: "late failure"})

	p, _ := tracker.Get(id)
	require.Equal(t, StatusSuccess, p.Status)
	require.NoError(t, p.Err)
}

func TestRemoveCancelsInFlight(t *testing.T) {
	tracker := NewTracker(pendingLookup(), fastPolicy(), nil, nil)

	var cancelled atomic.Bool
	id := tracker.Register(Payment{Invoice: "lnbc1g", PaymentHash: "h9"}, nil, func() {
		cancelled.Store(true)
	})

	tracker.Remove(id)
	require.True(t, cancelled.Load())
	_, ok := tracker.Get(id)
	require.False(t, ok)
	require.Empty(t, tracker.List())
}

func TestHistoryReceivesTerminalPayments(t *testing.T) {
	history := &memoryHistory{}
	tracker := NewTracker(settledLookup(777_000), fastPolicy(), history, nil)

	tracker.Register(Payment{Invoice: "lnbc1h", PaymentHash: "h10"}, nil, nil)

	waitFor(t, func() bool { return len(history.recorded()) == 1 })
	p := history.recorded()[0]
	require.Equal(t, StatusSuccess, p.Status)
	require.Equal(t, int64(777_000), p.SettledMsat)
}

type memoryHistory struct {
	mu       sync.Mutex
	payments []Payment
}

func (m *memoryHistory) Record(ctx context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, p)
	return nil
}

func (m *memoryHistory) recorded() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payment(nil), m.payments...)
}
