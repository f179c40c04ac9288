package wallet

import (
	"context"
	"time"
)

// PayResult is a settled (or at least accepted) outgoing payment.
type PayResult struct {
	Preimage string
	// FeeMsat is nil when the backend did not report a fee, or reported it
	// in a currency we refuse to convert.
	FeeMsat *int64
}

// LookupState classifies the settlement status of a previously sent payment.
type LookupState int

const (
	LookupNotFound LookupState = iota
	LookupPending
	LookupSettled
	LookupFailed
)

func (s LookupState) String() string {
	switch s {
	case LookupNotFound:
		return "not_found"
	case LookupPending:
		return "pending"
	case LookupSettled:
		return "settled"
	case LookupFailed:
		return "failed"
	}
	return "unknown"
}

// LookupResult carries the settlement status plus whatever amounts the
// backend reported. Amount fields are only meaningful for LookupSettled.
type LookupResult struct {
	State      LookupState
	AmountMsat int64
	FeeMsat    *int64
	SettledAt  time.Time
}

// Backend is the one contract both wallet adapters implement. amountMsat is
// required for zero-amount invoices and must be nil otherwise.
type Backend interface {
	PayInvoice(ctx context.Context, invoice string, amountMsat *int64) (*PayResult, error)
	LookupPayment(ctx context.Context, paymentHash string) (*LookupResult, error)
	Close() error
}
