// Package nwc implements the Nostr-Wallet-Connect (NIP-47) backend: pay and
// lookup requests are nip04-encrypted events sent to the wallet service
// through its relay.
package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/tidwall/gjson"

	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

const (
	kindWalletRequest  = 23194
	kindWalletResponse = 23195
)

const defaultTimeout = 30 * time.Second

var _ wallet.Backend = (*Client)(nil)

// Client is one long-lived NWC session. Connections to the relay are opened
// lazily and reused; Close tears them down.
type Client struct {
	uri       *URI
	clientPub string
	shared    []byte
	timeout   time.Duration
	log       *slog.Logger

	mu    sync.Mutex
	relay *nostr.Relay
}

func NewClient(rawURI string, logger *slog.Logger) (*Client, error) {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return nil, err
	}
	clientPub, err := nostr.GetPublicKey(uri.Secret)
	if err != nil {
		return nil, &wallet.InvalidURIError{Reason: "secret is not a valid nostr key"}
	}
	shared, err := nip04.ComputeSharedSecret(uri.WalletPubKey, uri.Secret)
	if err != nil {
		return nil, &wallet.InvalidURIError{Reason: "cannot derive shared secret"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		uri:       uri,
		clientPub: clientPub,
		shared:    shared,
		timeout:   defaultTimeout,
		log:       logger.With("component", "nwc", "relay", uri.Relay),
	}, nil
}

// PayInvoice sends a pay_invoice request. amountMsat is only included for
// zero-amount invoices.
func (c *Client) PayInvoice(ctx context.Context, invoice string, amountMsat *int64) (*wallet.PayResult, error) {
	params := map[string]any{"invoice": invoice}
	if amountMsat != nil {
		params["amount"] = *amountMsat
	}
	result, err := c.rpc(ctx, "pay_invoice", params)
	if err != nil {
		return nil, err
	}
	res := &wallet.PayResult{Preimage: result.Get("preimage").String()}
	if fees := result.Get("fees_paid"); fees.Exists() {
		fee := fees.Int()
		res.FeeMsat = &fee
	}
	return res, nil
}

// LookupPayment issues lookup_invoice for an outgoing payment hash. A
// NOT_FOUND error from the wallet is a result, not a failure.
func (c *Client) LookupPayment(ctx context.Context, paymentHash string) (*wallet.LookupResult, error) {
	result, err := c.rpc(ctx, "lookup_invoice", map[string]any{"payment_hash": paymentHash})
	if err != nil {
		var rejected *RPCError
		if errors.As(err, &rejected) && rejected.Code == "NOT_FOUND" {
			return &wallet.LookupResult{State: wallet.LookupNotFound}, nil
		}
		return nil, err
	}

	lookup := &wallet.LookupResult{
		State:      wallet.LookupPending,
		AmountMsat: result.Get("amount").Int(),
	}
	if fees := result.Get("fees_paid"); fees.Exists() {
		fee := fees.Int()
		lookup.FeeMsat = &fee
	}
	if settledAt := result.Get("settled_at").Int(); settledAt > 0 {
		lookup.State = wallet.LookupSettled
		lookup.SettledAt = time.Unix(settledAt, 0)
	}
	return lookup, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	relay := c.relay
	c.relay = nil
	c.mu.Unlock()
	if relay != nil {
		return relay.Close()
	}
	return nil
}

// RPCError is a structured error object from the wallet service.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("nwc error %s: %s", e.Code, e.Message)
}

func (c *Client) connect(ctx context.Context) (*nostr.Relay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil && c.relay.IsConnected() {
		return c.relay, nil
	}
	relay, err := nostr.RelayConnect(ctx, c.uri.Relay)
	if err != nil {
		return nil, wallet.ErrNetworkUnavailable
	}
	c.relay = relay
	return relay, nil
}

// rpc encrypts one request event, publishes it and waits for the matching
// response event from the wallet pubkey.
func (c *Client) rpc(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return gjson.Result{}, &wallet.UnexpectedError{Message: err.Error()}
	}
	content, err := nip04.Encrypt(string(payload), c.shared)
	if err != nil {
		return gjson.Result{}, &wallet.UnexpectedError{Message: "nip04 encryption failed: " + err.Error()}
	}

	ev := nostr.Event{
		PubKey:    c.clientPub,
		CreatedAt: nostr.Now(),
		Kind:      kindWalletRequest,
		Tags:      nostr.Tags{{"p", c.uri.WalletPubKey}},
		Content:   content,
	}
	if err := ev.Sign(c.uri.Secret); err != nil {
		return gjson.Result{}, &wallet.UnexpectedError{Message: "event signing failed: " + err.Error()}
	}

	relay, err := c.connect(ctx)
	if err != nil {
		return gjson.Result{}, err
	}

	since := nostr.Now()
	sub, err := relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{kindWalletResponse},
		Authors: []string{c.uri.WalletPubKey},
		Tags:    nostr.TagMap{"e": []string{ev.ID}},
		Since:   &since,
	}})
	if err != nil {
		return gjson.Result{}, wallet.ErrNetworkUnavailable
	}
	defer sub.Unsub()

	if err := relay.Publish(ctx, ev); err != nil {
		return gjson.Result{}, wallet.ErrNetworkUnavailable
	}
	c.log.Debug("nwc request published", "method", method, "event", ev.ID)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return gjson.Result{}, wallet.ErrTimeout
			}
			return gjson.Result{}, ctx.Err()
		case response, ok := <-sub.Events:
			if !ok {
				return gjson.Result{}, wallet.ErrNetworkUnavailable
			}
			plain, err := nip04.Decrypt(response.Content, c.shared)
			if err != nil {
				c.log.Warn("undecryptable nwc response", "event", response.ID)
				continue
			}
			return parseResponse(method, plain)
		}
	}
}

func parseResponse(method, plain string) (gjson.Result, error) {
	res := gjson.Parse(plain)
	if got := res.Get("result_type").String(); got != "" && got != method {
		return gjson.Result{}, &wallet.UnexpectedError{
			Message: fmt.Sprintf("response for %q while waiting for %q", got, method),
		}
	}
	if errObj := res.Get("error"); errObj.Exists() && errObj.Get("code").String() != "" {
		return gjson.Result{}, mapRPCError(&RPCError{
			Code:    errObj.Get("code").String(),
			Message: errObj.Get("message").String(),
		})
	}
	return res.Get("result"), nil
}

// mapRPCError maps NIP-47 error codes 1:1 onto the shared taxonomy. Unknown
// codes are preserved verbatim inside an Unexpected error.
func mapRPCError(rpcErr *RPCError) error {
	switch strings.ToUpper(rpcErr.Code) {
	case "UNAUTHORIZED", "RESTRICTED":
		return &wallet.AuthError{Message: rpcErr.Message}
	case "RATE_LIMITED", "QUOTA_EXCEEDED", "INSUFFICIENT_BALANCE", "PAYMENT_FAILED":
		return &wallet.RejectedError{Code: rpcErr.Code, Message: rpcErr.Message}
	case "NOT_FOUND":
		return rpcErr
	case "NOT_IMPLEMENTED", "UNSUPPORTED_ENCRYPTION":
		return &wallet.UnexpectedError{Message: rpcErr.Error()}
	case "INTERNAL", "OTHER":
		return &wallet.UnexpectedError{Message: rpcErr.Error()}
	default:
		return &wallet.UnexpectedError{Message: rpcErr.Error()}
	}
}
