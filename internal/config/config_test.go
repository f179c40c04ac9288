package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()
	require.Equal(t, "default", c.WalletAlias)
	require.Equal(t, 5*time.Second, c.PendingVisibleAfter)
	require.Equal(t, time.Second, c.PendingPollInterval)
	require.Equal(t, 30, c.PendingMaxAttempts)
	require.False(t, c.PendingFailOnGiveUp)
	require.Equal(t, "USD", c.DisplayCurrency)
	require.Equal(t, 2, c.CurrencyDigits)
	require.Equal(t, 60*time.Second, c.PayTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WALLET_ALIAS", "hot wallet")
	t.Setenv("NWC_URI", "nostr+walletconnect://abc?relay=wss://r&secret=def")
	t.Setenv("PENDING_MAX_ATTEMPTS", "7")
	t.Setenv("PENDING_VISIBLE_AFTER", "250ms")
	t.Setenv("DEBUG", "true")

	c := Load()
	require.Equal(t, "hot wallet", c.WalletAlias)
	require.Equal(t, "nostr+walletconnect://abc?relay=wss://r&secret=def", c.NWCURI)
	require.Equal(t, 7, c.PendingMaxAttempts)
	require.Equal(t, 250*time.Millisecond, c.PendingVisibleAfter)
	require.True(t, c.Debug)
}
