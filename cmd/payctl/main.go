// payctl resolves a Lightning payment string (BOLT11 invoice, LNURL or
// Lightning address), sends it through the configured wallet backend and
// waits for settlement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/NicolaLS/payment-app-sub000/internal/blink"
	"github.com/NicolaLS/payment-app-sub000/internal/bolt11"
	"github.com/NicolaLS/payment-app-sub000/internal/classify"
	"github.com/NicolaLS/payment-app-sub000/internal/config"
	"github.com/NicolaLS/payment-app-sub000/internal/lnurl"
	"github.com/NicolaLS/payment-app-sub000/internal/pending"
	"github.com/NicolaLS/payment-app-sub000/internal/rates"
	"github.com/NicolaLS/payment-app-sub000/internal/router"
	"github.com/NicolaLS/payment-app-sub000/internal/store"
	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

var (
	amountSats = flag.Int64("amount", 0, "amount in sats, required for zero-amount invoices and LNURL targets")
	comment    = flag.String("comment", "", "optional LNURL comment")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <invoice|lnurl|address>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	godotenv.Load()
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	conn, creds := walletFromConfig(cfg)
	settings := wallet.NewStaticSettings(conn)
	payRouter := router.New(settings, creds, nil, logger)

	var history pending.History
	if cfg.PostgresDatabase != "" {
		st, err := store.Init(cfg.PostgresDatabase)
		if err != nil {
			log.Fatalf("db init error: %v", err)
		}
		defer st.Close()
		history = st
	}

	policy := pending.Policy{
		VisibleAfter:  cfg.PendingVisibleAfter,
		PollInterval:  cfg.PendingPollInterval,
		MaxAttempts:   cfg.PendingMaxAttempts,
		FailOnExhaust: cfg.PendingFailOnGiveUp,
	}
	tracker := pending.NewTracker(payRouter.LookupPayment, policy, history, logger)

	converter := rates.NewConverter(rates.NewHTTPSource(cfg.RateSourceURL, nil), logger)
	converter.Select(context.Background(), rates.Currency{
		Code:           cfg.DisplayCurrency,
		FractionDigits: cfg.CurrencyDigits,
		Fiat:           true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PayTimeout)
	defer cancel()

	if err := run(ctx, cfg, logger, payRouter, tracker, converter, flag.Arg(0)); err != nil {
		logger.Error("payment failed", "error", err)
		os.Exit(1)
	}
}

func walletFromConfig(cfg config.Config) (wallet.Connection, wallet.CredentialStore) {
	creds := wallet.NewMemoryCredentials()
	conn := wallet.Connection{ID: "cli", Alias: cfg.WalletAlias}
	switch {
	case cfg.NWCURI != "":
		conn.Kind = wallet.KindNWC
		conn.NWCURI = cfg.NWCURI
	case cfg.BlinkAPIKey != "":
		conn.Kind = wallet.KindBlink
		creds.StoreAPIKey(conn.ID, cfg.BlinkAPIKey)
		if cfg.BlinkGraphQL != "" && cfg.BlinkGraphQL != blink.DefaultEndpoint {
			slog.Warn("custom blink endpoint configured", "url", cfg.BlinkGraphQL)
		}
	default:
		log.Fatal("set NWC_URI or BLINK_API_KEY")
	}
	return conn, creds
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, payRouter *router.Router, tracker *pending.Tracker, converter *rates.Converter, raw string) error {
	invoice, origin, err := resolve(ctx, logger, raw)
	if err != nil {
		return err
	}

	var override *int64
	if invoice.AmountMsat == nil {
		if *amountSats <= 0 {
			return errors.New("zero-amount invoice, pass -amount")
		}
		msat := *amountSats * 1000
		override = &msat
	}

	payCtx, cancelPay := context.WithCancel(ctx)
	defer cancelPay()

	requested := int64(0)
	if invoice.AmountMsat != nil {
		requested = *invoice.AmountMsat
	} else if override != nil {
		requested = *override
	}
	id := tracker.Register(pending.Payment{
		Invoice:       invoice.PaymentRequest,
		PaymentHash:   invoice.PaymentHash,
		RequestedMsat: requested,
		Origin:        origin,
		WalletID:      "cli",
	}, nil, cancelPay)

	events, unsub := tracker.Events()
	defer unsub()

	result, err := payRouter.Pay(payCtx, invoice, override)
	if err != nil {
		tracker.MarkFailed(id, err)
		return err
	}
	if result.Preimage != "" {
		// Confirmed synchronously, no verification needed.
		tracker.MarkSettled(id, requested, result.FeeMsat)
	} else {
		logger.Info("payment accepted, verifying settlement", "hash", invoice.PaymentHash)
	}

	for {
		select {
		case <-ctx.Done():
			return &wallet.UnconfirmedError{PaymentHash: invoice.PaymentHash, Message: "gave up waiting for settlement"}
		case evt := <-events:
			if evt.Payment.ID != id {
				continue
			}
			switch evt.Kind {
			case pending.EventSettled:
				printSettled(ctx, converter, evt.Payment)
				return nil
			case pending.EventFailed:
				return evt.Payment.Err
			case pending.EventVisible:
				logger.Info("payment still pending", "id", id)
			}
		}
	}
}

// resolve classifies the raw string and walks it down to a decoded invoice.
func resolve(ctx context.Context, logger *slog.Logger, raw string) (*bolt11.Summary, pending.Origin, error) {
	target, err := classify.Classify(raw)
	if err != nil {
		return nil, 0, err
	}

	lnClient := lnurl.NewClient(nil, logger)
	switch t := target.(type) {
	case classify.Bolt11Candidate:
		invoice, err := bolt11.Decode(t.Raw)
		if err != nil {
			return nil, 0, err
		}
		origin := pending.OriginInvoice
		if invoice.AmountMsat == nil {
			origin = pending.OriginManualEntry
		}
		return invoice, origin, nil

	case classify.LnurlEndpoint, classify.LightningAddress:
		var params *lnurl.PayParams
		if endpoint, ok := t.(classify.LnurlEndpoint); ok {
			params, err = lnClient.FetchParams(ctx, endpoint.URL)
		} else {
			params, err = lnClient.FetchAddress(ctx, t.(classify.LightningAddress))
		}
		if err != nil {
			return nil, 0, err
		}

		msat := *amountSats * 1000
		origin := pending.OriginLnurlManual
		if params.MinSendable == params.MaxSendable {
			msat = params.MinSendable
			origin = pending.OriginLnurlFixed
		} else if msat < params.MinSendable || msat > params.MaxSendable {
			return nil, 0, fmt.Errorf("amount must be between %d and %d msat", params.MinSendable, params.MaxSendable)
		}

		pr, err := lnClient.RequestInvoice(ctx, params.Callback, msat, *comment)
		if err != nil {
			return nil, 0, err
		}
		invoice, err := bolt11.Decode(pr)
		if err != nil {
			return nil, 0, err
		}
		return invoice, origin, nil
	}
	return nil, 0, classify.ErrUnrecognized
}

func printSettled(ctx context.Context, converter *rates.Converter, p pending.Payment) {
	line := fmt.Sprintf("settled %d msat", p.SettledMsat)
	if p.FeeMsat != nil {
		line += fmt.Sprintf(" (fee %d msat)", *p.FeeMsat)
	}
	displayCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if amount, err := converter.Convert(displayCtx, p.SettledMsat); err == nil {
		line += " ~ " + formatAmount(amount)
	}
	fmt.Println(line)
}

func formatAmount(a rates.Amount) string {
	digits := a.Currency.FractionDigits
	if digits == 0 {
		return fmt.Sprintf("%d %s", a.Minor, a.Currency.Code)
	}
	div := int64(1)
	for i := 0; i < digits; i++ {
		div *= 10
	}
	return fmt.Sprintf("%d.%0*d %s", a.Minor/div, digits, a.Minor%div, a.Currency.Code)
}
