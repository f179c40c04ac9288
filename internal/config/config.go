package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Active wallet. Exactly one of NWCURI / BlinkAPIKey is expected.
	WalletAlias  string `default:"default" envconfig:"WALLET_ALIAS"`
	NWCURI       string `envconfig:"NWC_URI"`
	BlinkAPIKey  string `envconfig:"BLINK_API_KEY"`
	BlinkGraphQL string `envconfig:"BLINK_GRAPHQL_URL"`

	// Optional postgres payment history. Empty disables persistence.
	PostgresDatabase string `envconfig:"POSTGRESQL_DATABASE"`

	// Pending payment verification policy.
	PendingVisibleAfter time.Duration `default:"5s" envconfig:"PENDING_VISIBLE_AFTER"`
	PendingPollInterval time.Duration `default:"1s" envconfig:"PENDING_POLL_INTERVAL"`
	PendingMaxAttempts  int           `default:"30" envconfig:"PENDING_MAX_ATTEMPTS"`
	PendingFailOnGiveUp bool          `default:"false" envconfig:"PENDING_FAIL_ON_GIVE_UP"`

	// Currency display.
	RateSourceURL   string `default:"https://mempool.space/api/v1/prices" envconfig:"RATE_SOURCE_URL"`
	DisplayCurrency string `default:"USD" envconfig:"DISPLAY_CURRENCY"`
	CurrencyDigits  int    `default:"2" envconfig:"CURRENCY_FRACTION_DIGITS"`

	PayTimeout time.Duration `default:"60s" envconfig:"PAY_TIMEOUT"`
	Debug      bool          `default:"false" envconfig:"DEBUG"`
}

func Load() Config {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return c
}
