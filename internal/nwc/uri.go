package nwc

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

// URI is a parsed nostr+walletconnect:// connection string.
type URI struct {
	WalletPubKey string
	Relay        string
	Secret       string
	// Lud16 is an optional lightning address hint the wallet advertises.
	Lud16 string
}

// ParseURI validates a connection string of the form
// nostr+walletconnect://<hexpubkey>?relay=<url>&secret=<hexkey>[&lud16=...].
func ParseURI(raw string) (*URI, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)

	var rest string
	switch {
	case strings.HasPrefix(lower, "nostr+walletconnect://"):
		rest = raw[len("nostr+walletconnect://"):]
	case strings.HasPrefix(lower, "nostrwalletconnect://"):
		rest = raw[len("nostrwalletconnect://"):]
	default:
		return nil, &wallet.InvalidURIError{Reason: "missing nostr+walletconnect scheme"}
	}

	pubkey := rest
	query := ""
	if idx := strings.Index(rest, "?"); idx >= 0 {
		pubkey, query = rest[:idx], rest[idx+1:]
	}
	pubkey = strings.ToLower(pubkey)
	if !isHex(pubkey, 32) {
		return nil, &wallet.InvalidURIError{Reason: "wallet pubkey is not a 32-byte hex string"}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, &wallet.InvalidURIError{Reason: "malformed query string"}
	}

	relay := values.Get("relay")
	if relay == "" {
		return nil, &wallet.InvalidURIError{Reason: "missing relay parameter"}
	}
	if u, err := url.Parse(relay); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, &wallet.InvalidURIError{Reason: "relay must be a ws(s) url"}
	}

	secret := strings.ToLower(values.Get("secret"))
	if !isHex(secret, 32) {
		return nil, &wallet.InvalidURIError{Reason: "secret is not a 32-byte hex string"}
	}

	return &URI{
		WalletPubKey: pubkey,
		Relay:        relay,
		Secret:       secret,
		Lud16:        values.Get("lud16"),
	}, nil
}

func isHex(s string, bytes int) bool {
	if len(s) != bytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
