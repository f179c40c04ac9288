package classify

import (
	"net/url"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/require"
)

// encodeLnurl wraps a URL in the lnurl bech32 envelope.
func encodeLnurl(t *testing.T, rawURL string) string {
	t.Helper()
	words, err := bech32.ConvertBits([]byte(rawURL), 8, 5, true)
	require.NoError(t, err)
	enc, err := bech32.Encode("lnurl", words)
	require.NoError(t, err)
	return enc
}

func TestClassifyLightningAddress(t *testing.T) {
	target, err := Classify("satoshi@bitcoin.org")
	require.NoError(t, err)
	require.Equal(t, LightningAddress{Username: "satoshi", Domain: "bitcoin.org"}, target)
}

func TestClassifyLightningAddressWithTag(t *testing.T) {
	target, err := Classify("alice+tips@pay.example.com")
	require.NoError(t, err)
	require.Equal(t, LightningAddress{Username: "alice", Tag: "tips", Domain: "pay.example.com"}, target)
}

func TestClassifyAddressInsideURL(t *testing.T) {
	for _, raw := range []string{
		"lightning://bob@node.example.com",
		"https://bob@node.example.com/whatever",
	} {
		target, err := Classify(raw)
		require.NoError(t, err)
		addr, ok := target.(LightningAddress)
		require.True(t, ok, "expected an address for %q, got %T", raw, target)
		require.Equal(t, "bob", addr.Username)
		require.Equal(t, "node.example.com", addr.Domain)
	}
}

func TestClassifyBolt11Candidate(t *testing.T) {
	for _, raw := range []string{
		"lnbc2500u1pvjluez",
		"LNBC2500U1PVJLUEZ",
		"lightning:lnbc1xyz",
		"lntb20m1somebody",
	} {
		t.Run(raw, func(t *testing.T) {
			target, err := Classify(raw)
			require.NoError(t, err)
			candidate, ok := target.(Bolt11Candidate)
			require.True(t, ok, "expected a bolt11 candidate, got %T", target)
			require.NotEmpty(t, candidate.Raw)
		})
	}
}

func TestClassifyBolt12BeforeGenericLn(t *testing.T) {
	_, err := Classify("lno1pg257enxv4ezqcneype82um50ynhxgrwdajx293pqglnyxw6q0hzngfdusg8umzuxe8kquuz7pjl90ldj8wadwgs0xlmc")
	require.ErrorIs(t, err, ErrBolt12Offer)
}

func TestClassifyLnurlBech32(t *testing.T) {
	enc := encodeLnurl(t, "https://service.example.com/api/pay")
	for _, raw := range []string{enc, strings.ToUpper(enc), "lightning:" + enc} {
		target, err := Classify(raw)
		require.NoError(t, err)
		require.Equal(t, LnurlEndpoint{URL: "https://service.example.com/api/pay"}, target)
	}
}

func TestClassifyLnurlSchemeRewrite(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lnurlp://pay.example.com/u/alice", "https://pay.example.com/u/alice"},
		{"lnurlw://withdraw.example.com/w/1", "https://withdraw.example.com/w/1"},
		{"lnurl://legacy.example.com/api", "https://legacy.example.com/api"},
		{"lnurlp://abcdef.onion/u/alice", "http://abcdef.onion/u/alice"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			target, err := Classify(tc.in)
			require.NoError(t, err)
			require.Equal(t, LnurlEndpoint{URL: tc.want}, target)
		})
	}
}

func TestClassifyBitcoinURIWithLightningParam(t *testing.T) {
	inner := "lnbc420n1pinvoice"
	uri := "bitcoin:bc1qaddr?amount=0.01&lightning=" + url.QueryEscape(inner)
	target, err := Classify(uri)
	require.NoError(t, err)
	require.Equal(t, Bolt11Candidate{Raw: inner}, target)
}

func TestClassifyBitcoinURIRecursionDoesNotLoop(t *testing.T) {
	uri := "bitcoin:?lightning=" + url.QueryEscape("bitcoin:?lightning=lnbc1xyz")
	_, err := Classify(uri)
	require.Error(t, err)
}

func TestClassifyBitcoinURIWithoutLightning(t *testing.T) {
	target, err := Classify("bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?amount=1")
	require.Nil(t, target)
	var onchain *OnchainError
	require.ErrorAs(t, err, &onchain)
	require.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", onchain.Address)
}

func TestClassifyOnchainAddresses(t *testing.T) {
	for _, addr := range []string{
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
	} {
		t.Run(addr, func(t *testing.T) {
			_, err := Classify(addr)
			var onchain *OnchainError
			require.ErrorAs(t, err, &onchain)
			require.Equal(t, addr, onchain.Address)
		})
	}
}

func TestClassifyRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		_, err := Classify(raw)
		require.ErrorIs(t, err, ErrEmpty)
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	for _, raw := range []string{"hello world", "https://example.com/page", "0x1234"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Classify(raw)
			require.ErrorIs(t, err, ErrUnrecognized)
		})
	}
}
