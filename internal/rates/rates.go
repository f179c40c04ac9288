// Package rates converts millisatoshi amounts into a display currency,
// fetching and caching one exchange rate at a time.
package rates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

// msatPerBTC is the ledger scale: 1 BTC = 10^11 msat.
var msatPerBTC = decimal.New(1, 11)

// Currency describes a display unit. Non-fiat units (sat) convert by fixed
// division and need no rate.
type Currency struct {
	Code           string
	FractionDigits int
	Fiat           bool
}

var (
	Sat = Currency{Code: "SAT", FractionDigits: 0, Fiat: false}
	USD = Currency{Code: "USD", FractionDigits: 2, Fiat: true}
)

// Amount is a converted value in minor units of its currency.
type Amount struct {
	Minor    int64
	Currency Currency
}

// State is the converter's observable snapshot.
type State struct {
	Currency  Currency
	Rate      *decimal.Decimal
	FetchedAt time.Time
}

// Source provides the price of one whole base-asset unit (BTC) in the given
// currency.
type Source interface {
	Rate(ctx context.Context, code string) (decimal.Decimal, error)
}

// Converter holds the current currency selection and rate.
type Converter struct {
	source     Source
	staleAfter time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	state   State
	request int64 // monotonic, discards stale in-flight fetches
}

func NewConverter(source Source, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		source:     source,
		staleAfter: 60 * time.Second,
		log:        logger.With("component", "rates"),
		state:      State{Currency: Sat},
	}
}

// State returns the current snapshot.
func (c *Converter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Select switches the display currency. Fiat selections fetch a rate in the
// background; results from superseded selections are discarded.
func (c *Converter) Select(ctx context.Context, cur Currency) {
	c.mu.Lock()
	c.request++
	req := c.request
	c.state = State{Currency: cur}
	c.mu.Unlock()

	if !cur.Fiat {
		return
	}
	go c.fetch(ctx, cur, req)
}

func (c *Converter) fetch(ctx context.Context, cur Currency, req int64) {
	rate, err := c.source.Rate(ctx, cur.Code)
	if err != nil {
		c.log.Warn("rate fetch failed", "currency", cur.Code, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.request != req {
		// A newer selection superseded this fetch.
		return
	}
	c.state.Rate = &rate
	c.state.FetchedAt = time.Now()
}

// Convert turns a millisatoshi amount into the selected currency, fetching
// a fresh rate synchronously when the cached one is missing or stale.
func (c *Converter) Convert(ctx context.Context, msat int64) (Amount, error) {
	c.mu.Lock()
	cur := c.state.Currency
	rate := c.state.Rate
	fetchedAt := c.state.FetchedAt
	req := c.request
	c.mu.Unlock()

	if !cur.Fiat {
		return Amount{Minor: msat / 1000, Currency: cur}, nil
	}

	if rate == nil || time.Since(fetchedAt) > c.staleAfter {
		fresh, err := c.source.Rate(ctx, cur.Code)
		if err != nil {
			return Amount{}, err
		}
		c.mu.Lock()
		if c.request == req {
			c.state.Rate = &fresh
			c.state.FetchedAt = time.Now()
		}
		c.mu.Unlock()
		rate = &fresh
	}

	minor := decimal.NewFromInt(msat).
		Div(msatPerBTC).
		Mul(*rate).
		Mul(decimal.New(1, int32(cur.FractionDigits))).
		Round(0).
		IntPart()
	// Never display a positive payment as zero.
	if minor < 1 && msat > 0 {
		minor = 1
	}
	return Amount{Minor: minor, Currency: cur}, nil
}

// HTTPSource reads rates from a JSON endpoint whose body is an object keyed
// by uppercase currency code, e.g. {"USD": 64000.5}.
type HTTPSource struct {
	URL  string
	http *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{URL: url, http: client}
}

func (s *HTTPSource) Rate(ctx context.Context, code string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return decimal.Zero, wallet.ErrTimeout
		}
		return decimal.Zero, wallet.ErrNetworkUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, wallet.ErrNetworkUnavailable
	}

	price := gjson.GetBytes(body, strings.ToUpper(code))
	if !price.Exists() {
		return decimal.Zero, &wallet.UnexpectedError{Message: "rate source has no price for " + code}
	}
	rate, err := decimal.NewFromString(price.Raw)
	if err != nil {
		return decimal.Zero, &wallet.UnexpectedError{Message: "rate source returned a non-numeric price"}
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, &wallet.UnexpectedError{Message: "rate source returned a non-positive price"}
	}
	return rate, nil
}
