// Package blink implements the API-key wallet backend against the Blink
// (Galoy) GraphQL API. Unlike the NWC client it is stateless: every call
// authenticates with the stored key and resolves the account's default
// wallet first.
package blink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

const DefaultEndpoint = "https://api.blink.sv/graphql"

const maxResponseBytes = 1 << 20

var _ wallet.Backend = (*Client)(nil)

// Client talks to one Blink account identified by its API key.
type Client struct {
	endpoint string
	apiKey   string
	walletID string // cached default wallet id, fetched on first use
	http     *http.Client
	log      *slog.Logger
}

func NewClient(endpoint, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     httpClient,
		log:      logger.With("component", "blink"),
	}
}

const queryDefaultWallet = `query me { me { defaultAccount { defaultWalletId } } }`

const mutationPayInvoice = `mutation payInvoice($input: LnInvoicePaymentInput!) {
  lnInvoicePaymentSend(input: $input) {
    status
    errors { code message }
    transaction { settlementFee settlementCurrency }
  }
}`

const mutationPayNoAmountInvoice = `mutation payNoAmountInvoice($input: LnNoAmountInvoicePaymentInput!) {
  lnNoAmountInvoicePaymentSend(input: $input) {
    status
    errors { code message }
    transaction { settlementFee settlementCurrency }
  }
}`

const queryTransactionsByHash = `query txByHash($walletId: WalletId!, $paymentHash: PaymentHash!) {
  me {
    defaultAccount {
      walletById(walletId: $walletId) {
        transactionsByPaymentHash(paymentHash: $paymentHash) {
          direction
          status
          settlementAmount
          settlementFee
          settlementCurrency
          createdAt
        }
      }
    }
  }
}`

// PayInvoice routes through lnInvoicePaymentSend, or the no-amount variant
// when an explicit amount is supplied. Blink takes the override in whole
// satoshis, so millisatoshis round up.
func (c *Client) PayInvoice(ctx context.Context, invoice string, amountMsat *int64) (*wallet.PayResult, error) {
	walletID, err := c.defaultWalletID(ctx)
	if err != nil {
		return nil, err
	}

	var query, root string
	input := map[string]any{"walletId": walletID, "paymentRequest": invoice}
	if amountMsat == nil {
		query, root = mutationPayInvoice, "lnInvoicePaymentSend"
	} else {
		query, root = mutationPayNoAmountInvoice, "lnNoAmountInvoicePaymentSend"
		input["amount"] = (*amountMsat + 999) / 1000
	}

	data, err := c.do(ctx, query, map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	payment := data.Get(root)

	status := strings.ToUpper(payment.Get("status").String())
	switch status {
	case "SUCCESS", "PENDING", "ALREADY_PAID":
		// All three are non-error outcomes; PENDING settles (or not)
		// later and is the tracker's problem.
	default:
		return nil, rejectionFromErrors(payment.Get("errors"), status)
	}

	res := &wallet.PayResult{}
	res.FeeMsat = feeMsat(payment.Get("transaction"))
	c.log.Info("blink payment sent", "status", status)
	return res, nil
}

// LookupPayment searches the default wallet's transactions for an outgoing
// payment with the given hash.
func (c *Client) LookupPayment(ctx context.Context, paymentHash string) (*wallet.LookupResult, error) {
	walletID, err := c.defaultWalletID(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, queryTransactionsByHash, map[string]any{
		"walletId":    walletID,
		"paymentHash": paymentHash,
	})
	if err != nil {
		return nil, err
	}

	txs := data.Get("me.defaultAccount.walletById.transactionsByPaymentHash").Array()
	for _, tx := range txs {
		if !strings.EqualFold(tx.Get("direction").String(), "SEND") {
			continue
		}
		sats := tx.Get("settlementAmount").Int()
		if sats < 0 {
			sats = -sats
		}
		lookup := &wallet.LookupResult{AmountMsat: sats * 1000}
		switch strings.ToUpper(tx.Get("status").String()) {
		case "SUCCESS":
			lookup.State = wallet.LookupSettled
			lookup.FeeMsat = feeMsat(tx)
			lookup.SettledAt = time.Unix(tx.Get("createdAt").Int(), 0)
		case "FAILURE":
			lookup.State = wallet.LookupFailed
		default:
			lookup.State = wallet.LookupPending
		}
		return lookup, nil
	}
	return &wallet.LookupResult{State: wallet.LookupNotFound}, nil
}

// Close is a no-op; the client holds no connection state.
func (c *Client) Close() error { return nil }

// SetWalletID primes the default-wallet cache, e.g. from the credential
// store, skipping the extra round trip. WalletID reads it back after a call
// so the caller can persist it.
func (c *Client) SetWalletID(id string) { c.walletID = id }
func (c *Client) WalletID() string      { return c.walletID }

func (c *Client) defaultWalletID(ctx context.Context) (string, error) {
	if c.walletID != "" {
		return c.walletID, nil
	}
	data, err := c.do(ctx, queryDefaultWallet, nil)
	if err != nil {
		return "", err
	}
	id := data.Get("me.defaultAccount.defaultWalletId").String()
	if id == "" {
		return "", &wallet.UnexpectedError{Message: "blink account has no default wallet"}
	}
	c.walletID = id
	return id, nil
}

// do executes one GraphQL request. Transport-level auth and throttling are
// mapped before the body is even parsed.
func (c *Client) do(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return gjson.Result{}, &wallet.UnexpectedError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, &wallet.UnexpectedError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return gjson.Result{}, wallet.ErrTimeout
		}
		return gjson.Result{}, wallet.ErrNetworkUnavailable
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return gjson.Result{}, &wallet.AuthError{Message: "api key rejected"}
	case http.StatusTooManyRequests:
		return gjson.Result{}, &wallet.RejectedError{Code: "RATE_LIMITED", Message: "too many requests"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, wallet.ErrNetworkUnavailable
	}

	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, graphqlError(errs)
	}
	return res.Get("data"), nil
}

// graphqlError maps top-level GraphQL errors: auth extension codes become
// authentication failures, everything else goes through the keyword table.
func graphqlError(errs gjson.Result) error {
	first := errs.Array()[0]
	code := first.Get("extensions.code").String()
	message := first.Get("message").String()
	switch strings.ToUpper(code) {
	case "UNAUTHENTICATED", "FORBIDDEN":
		return &wallet.AuthError{Message: message}
	}
	return rejectionFromCodeMessage(code, message)
}

func rejectionFromErrors(errs gjson.Result, status string) error {
	if arr := errs.Array(); len(arr) > 0 {
		return rejectionFromCodeMessage(arr[0].Get("code").String(), arr[0].Get("message").String())
	}
	return &wallet.RejectedError{Code: status, Message: "payment failed"}
}

// rejectionKeywords maps case-insensitive substrings of backend error codes
// and messages to user-facing reasons.
var rejectionKeywords = []struct {
	needle  string
	message string
}{
	{"permission", "this api key is not allowed to send payments"},
	{"insufficient", "the wallet balance is too low for this payment"},
	{"balance", "the wallet balance is too low for this payment"},
	{"no route", "no route to the destination was found"},
	{"route_finding", "no route to the destination was found"},
	{"expired", "the invoice has expired"},
	{"self", "the wallet cannot pay its own invoice"},
	{"invalid invoice", "the invoice could not be parsed by the wallet"},
	{"checksum", "the invoice could not be parsed by the wallet"},
	{"amount too small", "the amount is below the wallet minimum"},
	{"below", "the amount is below the wallet minimum"},
	{"limit", "an account limit was exceeded"},
	{"rate limit", "too many requests, try again later"},
}

func rejectionFromCodeMessage(code, message string) error {
	haystack := strings.ToLower(code + " " + message)
	for _, kw := range rejectionKeywords {
		if strings.Contains(haystack, kw.needle) {
			return &wallet.RejectedError{Code: code, Message: kw.message}
		}
	}
	// No pattern matched; keep the raw code and message verbatim.
	return &wallet.RejectedError{Code: code, Message: message}
}

// feeMsat normalizes the reported settlement fee: sats with an arbitrary
// sign, only meaningful when settled in BTC.
func feeMsat(tx gjson.Result) *int64 {
	if !tx.Exists() {
		return nil
	}
	if !strings.EqualFold(tx.Get("settlementCurrency").String(), "BTC") {
		return nil
	}
	fee := tx.Get("settlementFee")
	if !fee.Exists() {
		return nil
	}
	sats := fee.Int()
	if sats < 0 {
		sats = -sats
	}
	if sats > math.MaxInt64/1000 {
		return nil
	}
	msat := sats * 1000
	return &msat
}
