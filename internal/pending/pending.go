// Package pending tracks in-flight payments whose settlement is uncertain.
// Each registered payment gets a visibility timer and a bounded
// verification loop polling the wallet's lookup operation; terminal
// settlement and failure are pushed as events.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolaLS/payment-app-sub000/internal/obs"
	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

// Origin tags where the payment came from.
type Origin int

const (
	OriginInvoice Origin = iota
	OriginManualEntry
	OriginLnurlFixed
	OriginLnurlManual
)

func (o Origin) String() string {
	switch o {
	case OriginManualEntry:
		return "manual"
	case OriginLnurlFixed:
		return "lnurl-fixed"
	case OriginLnurlManual:
		return "lnurl-manual"
	}
	return "invoice"
}

// Status transitions Waiting -> Success | Failure and never back.
type Status int

const (
	StatusWaiting Status = iota
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	}
	return "waiting"
}

// Payment is a snapshot of one tracked payment. Only the tracker mutates
// the underlying record.
type Payment struct {
	ID            string
	Invoice       string
	PaymentHash   string
	RequestedMsat int64
	SettledMsat   int64
	FeeMsat       *int64
	Origin        Origin
	CreatedAt     time.Time
	Status        Status
	Err           error
	Visible       bool
	WalletID      string
}

// EventKind discriminates tracker notifications.
type EventKind int

const (
	// EventVisible fires once when a payment is still waiting after the
	// visibility delay.
	EventVisible EventKind = iota
	EventSettled
	EventFailed
)

type Event struct {
	Kind    EventKind
	Payment Payment
}

// LookupFunc is the settlement probe, satisfied by the router.
type LookupFunc func(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error)

// History receives terminal payments for persistence. May be nil.
type History interface {
	Record(ctx context.Context, p Payment) error
}

// Policy controls the verification loop. The default mirrors the observed
// behavior: poll every second, give up after 30 attempts but leave the
// record Waiting rather than escalating.
type Policy struct {
	VisibleAfter time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	// FailOnExhaust marks the record Failure instead of leaving it
	// Waiting when every attempt came back inconclusive.
	FailOnExhaust bool
}

func DefaultPolicy() Policy {
	return Policy{
		VisibleAfter: 5 * time.Second,
		PollInterval: time.Second,
		MaxAttempts:  30,
	}
}

type record struct {
	payment Payment
	conn    *wallet.Connection
	// cancel stops the verification loop and visibility timer.
	cancel context.CancelFunc
	// cancelInFlight aborts the backend pay call still running for this
	// payment, if any.
	cancelInFlight context.CancelFunc
}

// Tracker owns all pending payment records and their polling tasks.
type Tracker struct {
	lookup  LookupFunc
	policy  Policy
	history History
	log     *slog.Logger
	events  *obs.Events[Event]

	mu      sync.Mutex
	records map[string]*record
}

func NewTracker(lookup LookupFunc, policy Policy, history History, logger *slog.Logger) *Tracker {
	if policy.PollInterval <= 0 {
		policy.PollInterval = time.Second
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		lookup:  lookup,
		policy:  policy,
		history: history,
		log:     logger.With("component", "pending"),
		events:  obs.NewEvents[Event](16),
		records: make(map[string]*record),
	}
}

// Events subscribes to tracker notifications.
func (t *Tracker) Events() (<-chan Event, func()) {
	return t.events.Subscribe()
}

// Register starts tracking a payment and returns its id. cancelInFlight,
// if non-nil, aborts the backend call when the record is removed.
func (t *Tracker) Register(p Payment, conn *wallet.Connection, cancelInFlight context.CancelFunc) string {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Status = StatusWaiting
	p.Visible = false

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		payment:        p,
		conn:           conn,
		cancel:         cancel,
		cancelInFlight: cancelInFlight,
	}

	t.mu.Lock()
	t.records[p.ID] = rec
	t.mu.Unlock()

	go t.visibilityTimer(ctx, p.ID)
	if p.PaymentHash != "" {
		go t.verify(ctx, p.ID)
	}
	t.log.Debug("payment registered", "id", p.ID, "hash", p.PaymentHash)
	return p.ID
}

// MarkSettled resolves a payment from outside the verification loop, e.g.
// when the backend confirmed synchronously after registration.
func (t *Tracker) MarkSettled(id string, amountMsat int64, feeMsat *int64) {
	t.settle(id, amountMsat, feeMsat)
}

// MarkFailed resolves a payment as failed from outside the loop.
func (t *Tracker) MarkFailed(id string, cause error) {
	t.fail(id, cause)
}

// Get returns a snapshot of one payment.
func (t *Tracker) Get(id string) (Payment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Payment{}, false
	}
	return rec.payment, true
}

// List snapshots every tracked payment.
func (t *Tracker) List() []Payment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Payment, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.payment)
	}
	return out
}

// Remove drops a record and cancels its verification loop, visibility
// timer and any in-flight backend call.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	rec.cancel()
	if rec.cancelInFlight != nil {
		rec.cancelInFlight()
	}
}

// visibilityTimer flips the record visible after the delay, but only while
// it is still waiting. A payment that settled first never becomes visible.
func (t *Tracker) visibilityTimer(ctx context.Context, id string) {
	if t.policy.VisibleAfter <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(t.policy.VisibleAfter):
	}

	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok || rec.payment.Status != StatusWaiting {
		t.mu.Unlock()
		return
	}
	rec.payment.Visible = true
	snapshot := rec.payment
	t.mu.Unlock()

	t.events.Emit(Event{Kind: EventVisible, Payment: snapshot})
}

// verify polls lookup until a terminal result or attempts run out.
// Ambiguous outcomes (not found, still pending, lookup errors) keep the
// loop going: a false "still pending" beats a false "failed".
func (t *Tracker) verify(ctx context.Context, id string) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	hash := rec.payment.PaymentHash
	conn := rec.conn
	t.mu.Unlock()

	for attempt := 0; attempt < t.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.policy.PollInterval):
		}

		if status, done := t.status(id); done || status != StatusWaiting {
			return
		}

		result, err := t.lookup(ctx, hash, conn)
		if err != nil {
			t.log.Debug("lookup failed, retrying", "id", id, "error", err)
			continue
		}
		switch result.State {
		case wallet.LookupSettled:
			t.settle(id, result.AmountMsat, result.FeeMsat)
			return
		case wallet.LookupFailed:
			t.fail(id, &wallet.UnconfirmedError{PaymentHash: hash, Message: "wallet reported the payment as failed"})
			return
		default:
			// NotFound and Pending are transient.
		}
	}

	if t.policy.FailOnExhaust {
		t.fail(id, &wallet.UnconfirmedError{PaymentHash: hash, Message: "settlement could not be verified"})
		return
	}
	// Exhausted without escalation: the record stays Waiting.
	t.log.Info("verification attempts exhausted", "id", id, "hash", hash)
}

func (t *Tracker) status(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return StatusWaiting, true
	}
	return rec.payment.Status, false
}

// settle marks the record successful and, because a BOLT11 invoice can only
// be paid once, removes every sibling record for the same invoice. The
// sibling sweep happens under the same lock so no caller can observe a
// partial removal.
func (t *Tracker) settle(id string, amountMsat int64, feeMsat *int64) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok || rec.payment.Status != StatusWaiting {
		t.mu.Unlock()
		return
	}
	rec.payment.Status = StatusSuccess
	rec.payment.SettledMsat = amountMsat
	rec.payment.FeeMsat = feeMsat
	rec.payment.Visible = true
	snapshot := rec.payment

	var removed []*record
	for otherID, other := range t.records {
		if otherID != id && other.payment.Invoice == snapshot.Invoice {
			delete(t.records, otherID)
			removed = append(removed, other)
		}
	}
	t.mu.Unlock()

	for _, other := range removed {
		other.cancel()
		if other.cancelInFlight != nil {
			other.cancelInFlight()
		}
	}

	t.record(snapshot)
	t.events.Emit(Event{Kind: EventSettled, Payment: snapshot})
	t.log.Info("payment settled", "id", id, "amount_msat", amountMsat)
}

func (t *Tracker) fail(id string, cause error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok || rec.payment.Status != StatusWaiting {
		t.mu.Unlock()
		return
	}
	rec.payment.Status = StatusFailure
	rec.payment.Err = cause
	rec.payment.Visible = true
	snapshot := rec.payment
	t.mu.Unlock()

	t.record(snapshot)
	t.events.Emit(Event{Kind: EventFailed, Payment: snapshot})
	t.log.Info("payment failed", "id", id, "error", cause)
}

func (t *Tracker) record(p Payment) {
	if t.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.history.Record(ctx, p); err != nil {
		t.log.Warn("failed to persist payment history", "id", p.ID, "error", err)
	}
}
