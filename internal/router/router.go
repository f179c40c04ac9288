// Package router routes decoded invoices to the active wallet backend. It
// owns the NWC client cache and its foreground/background lifecycle; Blink
// clients are cheap and built per call.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/NicolaLS/payment-app-sub000/internal/blink"
	"github.com/NicolaLS/payment-app-sub000/internal/bolt11"
	"github.com/NicolaLS/payment-app-sub000/internal/nwc"
	"github.com/NicolaLS/payment-app-sub000/internal/obs"
	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

// Router implements the wallet backend selection contract consumed by the
// presentation layer.
type Router struct {
	settings wallet.Settings
	creds    wallet.CredentialStore
	http     *http.Client
	log      *slog.Logger

	// mu is the only synchronization primitive in this component: it
	// guards get-or-create on the NWC client cache, keyed by connection
	// URI.
	mu      sync.Mutex
	clients map[string]wallet.Backend

	// overridable constructors for tests
	newNWC   func(uri string) (wallet.Backend, error)
	newBlink func(conn wallet.Connection) (wallet.Backend, error)
}

func New(settings wallet.Settings, creds wallet.CredentialStore, httpClient *http.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		settings: settings,
		creds:    creds,
		http:     httpClient,
		log:      logger.With("component", "router"),
		clients:  make(map[string]wallet.Backend),
	}
	r.newNWC = func(uri string) (wallet.Backend, error) {
		return nwc.NewClient(uri, logger)
	}
	r.newBlink = func(conn wallet.Connection) (wallet.Backend, error) {
		key, err := r.creds.APIKey(conn.ID)
		if err != nil {
			return nil, &wallet.AuthError{Message: "no api key stored for wallet " + conn.ID}
		}
		client := blink.NewClient("", key, r.http, logger)
		if id, ok := r.creds.DefaultWalletID(conn.ID); ok {
			client.SetWalletID(id)
		}
		return client, nil
	}
	return r
}

// Pay sends the invoice through the active (or explicitly given) wallet and
// blocks until the backend answers. amountOverrideMsat supplies the amount
// for zero-amount invoices.
func (r *Router) Pay(ctx context.Context, invoice *bolt11.Summary, amountOverrideMsat *int64) (*wallet.PayResult, error) {
	conn, ok := r.settings.Active()
	if !ok {
		return nil, wallet.ErrMissingWalletConnection
	}
	return r.payWith(ctx, conn, invoice, amountOverrideMsat)
}

func (r *Router) payWith(ctx context.Context, conn wallet.Connection, invoice *bolt11.Summary, amountOverrideMsat *int64) (*wallet.PayResult, error) {
	backend, err := r.backendFor(conn)
	if err != nil {
		return nil, err
	}

	// An invoice with its own amount must not also carry an override.
	amount := amountOverrideMsat
	if invoice.AmountMsat != nil {
		amount = nil
	}

	result, err := backend.PayInvoice(ctx, invoice.PaymentRequest, amount)
	if err != nil {
		return nil, err
	}
	r.rememberWalletID(conn, backend)
	return result, nil
}

// PayPhase is the observable lifecycle of a StartPay handle.
type PayPhase int

const (
	PhaseLoading PayPhase = iota
	PhaseSuccess
	PhaseFailure
)

// PayState is pushed through the handle's observable.
type PayState struct {
	Phase   PayPhase
	Invoice *bolt11.Summary
	Result  *wallet.PayResult
	Err     error
}

// PayHandle exposes the in-flight payment to the caller.
type PayHandle struct {
	State  *obs.State[PayState]
	cancel context.CancelFunc
}

// Cancel aborts the backend call. The pending tracker's verification loop
// is not affected; it is cancelled through the tracker itself.
func (h *PayHandle) Cancel() { h.cancel() }

// StartPay returns immediately; the payment runs in the background and the
// handle's state moves Loading -> Success | Failure.
func (r *Router) StartPay(ctx context.Context, invoice *bolt11.Summary, amountOverrideMsat *int64) *PayHandle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &PayHandle{
		State:  obs.NewState(PayState{Phase: PhaseLoading, Invoice: invoice}),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		result, err := r.Pay(ctx, invoice, amountOverrideMsat)
		if err != nil {
			handle.State.Set(PayState{Phase: PhaseFailure, Invoice: invoice, Err: err})
			return
		}
		handle.State.Set(PayState{Phase: PhaseSuccess, Invoice: invoice, Result: result})
	}()
	return handle
}

// LookupPayment checks settlement through the given wallet, falling back to
// the active one.
func (r *Router) LookupPayment(ctx context.Context, paymentHash string, conn *wallet.Connection) (*wallet.LookupResult, error) {
	target := wallet.Connection{}
	if conn != nil {
		target = *conn
	} else {
		active, ok := r.settings.Active()
		if !ok {
			return nil, wallet.ErrMissingWalletConnection
		}
		target = active
	}
	backend, err := r.backendFor(target)
	if err != nil {
		return nil, err
	}
	return backend.LookupPayment(ctx, paymentHash)
}

// backendFor selects the adapter. NWC clients are cached so concurrent
// requests for the same URI share one creation; Blink clients are built
// fresh every call.
func (r *Router) backendFor(conn wallet.Connection) (wallet.Backend, error) {
	switch conn.Kind {
	case wallet.KindBlink:
		return r.newBlink(conn)
	default:
		if conn.NWCURI == "" {
			return nil, &wallet.InvalidURIError{Reason: "wallet has no connection uri"}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if client, ok := r.clients[conn.NWCURI]; ok {
			return client, nil
		}
		client, err := r.newNWC(conn.NWCURI)
		if err != nil {
			return nil, err
		}
		r.clients[conn.NWCURI] = client
		return client, nil
	}
}

// HandleForeground warms the cache for the active wallet so the first
// payment after returning to the app does not pay the connection cost.
func (r *Router) HandleForeground(ctx context.Context) {
	conn, ok := r.settings.Active()
	if !ok || conn.Kind != wallet.KindNWC {
		return
	}
	if _, err := r.backendFor(conn); err != nil {
		r.log.Warn("failed to warm wallet client", "wallet", conn.ID, "error", err)
	}
}

// HandleBackground closes every cached client. Close failures are
// non-actionable cleanup and only logged. Clients are re-created on demand
// afterwards.
func (r *Router) HandleBackground() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]wallet.Backend)
	r.mu.Unlock()

	// Teardown happens outside the lock so a slow close cannot stall new
	// payments.
	for uri, client := range clients {
		if err := client.Close(); err != nil {
			r.log.Debug("client close failed", "uri", uri, "error", err)
		}
	}
}

// rememberWalletID persists the Blink default-wallet id after a successful
// call so later payments skip the lookup round trip.
func (r *Router) rememberWalletID(conn wallet.Connection, backend wallet.Backend) {
	client, ok := backend.(*blink.Client)
	if !ok || client.WalletID() == "" {
		return
	}
	if err := r.creds.StoreDefaultWalletID(conn.ID, client.WalletID()); err != nil {
		r.log.Debug("failed to cache wallet id", "wallet", conn.ID, "error", err)
	}
}
