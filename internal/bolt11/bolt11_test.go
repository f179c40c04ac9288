package bolt11

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/require"
)

// buildInvoice assembles a checksummed invoice from an hrp and tagged
// fields: 7 timestamp words, the fields, 104 zero signature words.
func buildInvoice(t *testing.T, hrp string, fields ...[]byte) string {
	t.Helper()
	data := make([]byte, timestampWords)
	for _, f := range fields {
		data = append(data, f...)
	}
	data = append(data, make([]byte, signatureWords)...)
	inv, err := bech32.Encode(hrp, data)
	require.NoError(t, err)
	return inv
}

// taggedField packs type + big-endian 5-bit length + data words.
func taggedField(t *testing.T, fieldType byte, raw []byte) []byte {
	t.Helper()
	words, err := bech32.ConvertBits(raw, 8, 5, true)
	require.NoError(t, err)
	out := []byte{fieldType, byte(len(words) >> 5), byte(len(words) & 31)}
	return append(out, words...)
}

func testHash(seed string) []byte {
	h := sha256.Sum256([]byte(seed))
	return h[:]
}

func TestDecodeAmounts(t *testing.T) {
	tests := []struct {
		name string
		hrp  string
		want *int64
	}{
		{"no amount", "lnbc", nil},
		{"micro", "lnbc2500u", i64(250_000_000)},
		{"milli", "lnbc1m", i64(100_000_000)},
		{"nano", "lnbc5n", i64(500)},
		{"pico divisible", "lnbc10p", i64(1)},
		{"bare bitcoin", "lnbc2", i64(200_000_000_000)},
		{"testnet", "lntb2500u", i64(250_000_000)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := buildInvoice(t, tc.hrp, taggedField(t, fieldPaymentHash, testHash(tc.name)))
			summary, err := Decode(inv)
			require.NoError(t, err)
			if tc.want == nil {
				require.Nil(t, summary.AmountMsat)
			} else {
				require.NotNil(t, summary.AmountMsat)
				require.Equal(t, *tc.want, *summary.AmountMsat)
			}
		})
	}
}

func i64(v int64) *int64 { return &v }

func TestDecodeRejectsPicoNotDivisibleBy10(t *testing.T) {
	inv := buildInvoice(t, "lnbc25p", taggedField(t, fieldPaymentHash, testHash("pico")))
	_, err := Decode(inv)
	require.ErrorIs(t, err, ErrPicoAmount)
}

func TestDecodeRejectsMissingCurrency(t *testing.T) {
	inv := buildInvoice(t, "ln2500u", taggedField(t, fieldPaymentHash, testHash("nocur")))
	_, err := Decode(inv)
	require.Error(t, err)
	require.Contains(t, err.Error(), "currency")
}

func TestDecodeRejectsNonLnPrefix(t *testing.T) {
	inv := buildInvoice(t, "xx2500u", taggedField(t, fieldPaymentHash, testHash("prefix")))
	_, err := Decode(inv)
	require.ErrorIs(t, err, ErrMissingPrefix)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	inv := buildInvoice(t, "lnbc2500u", taggedField(t, fieldPaymentHash, testHash("csum")))
	// Flip one data character; the BCH code detects it.
	mid := len(inv) - 20
	flipped := byte('q')
	if inv[mid] == 'q' {
		flipped = 'p'
	}
	broken := inv[:mid] + string(flipped) + inv[mid+1:]
	_, err := Decode(broken)
	require.ErrorIs(t, err, ErrNotBech32)
}

func TestDecodePaymentHashAndMemo(t *testing.T) {
	hash := testHash("fields")
	inv := buildInvoice(t, "lnbc100n",
		taggedField(t, fieldPaymentHash, hash),
		taggedField(t, fieldDescription, []byte("coffee beans")),
	)
	summary, err := Decode(inv)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(hash), summary.PaymentHash)
	require.Equal(t, MemoText, summary.Memo.Kind)
	require.Equal(t, "coffee beans", summary.Memo.Text)
}

func TestDecodeDescriptionHashOnly(t *testing.T) {
	descHash := testHash("menu")
	inv := buildInvoice(t, "lnbc100n",
		taggedField(t, fieldPaymentHash, testHash("dh")),
		taggedField(t, fieldDescriptionHash, descHash),
	)
	summary, err := Decode(inv)
	require.NoError(t, err)
	require.Equal(t, MemoHash, summary.Memo.Kind)
	require.True(t, bytes.Equal(descHash, summary.Memo.Hash[:]))
}

func TestDecodeTextDescriptionOutranksHash(t *testing.T) {
	inv := buildInvoice(t, "lnbc100n",
		taggedField(t, fieldPaymentHash, testHash("both")),
		taggedField(t, fieldDescriptionHash, testHash("hashdesc")),
		taggedField(t, fieldDescription, []byte("text wins")),
	)
	summary, err := Decode(inv)
	require.NoError(t, err)
	require.Equal(t, MemoText, summary.Memo.Kind)
	require.Equal(t, "text wins", summary.Memo.Text)
}

func TestDecodeFirstFieldOccurrenceWins(t *testing.T) {
	inv := buildInvoice(t, "lnbc100n",
		taggedField(t, fieldPaymentHash, testHash("dup")),
		taggedField(t, fieldDescription, []byte("first")),
		taggedField(t, fieldDescription, []byte("second")),
	)
	summary, err := Decode(inv)
	require.NoError(t, err)
	require.Equal(t, "first", summary.Memo.Text)
}

func TestDecodeRejectsTruncatedField(t *testing.T) {
	// Header claims 52 words of payment hash but supplies none.
	inv := buildInvoice(t, "lnbc100n", []byte{fieldPaymentHash, 1, 20})
	_, err := Decode(inv)
	require.Error(t, err)
	require.Contains(t, err.Error(), "truncated")
}

func TestDecodeRejectsWrongHashSize(t *testing.T) {
	inv := buildInvoice(t, "lnbc100n", taggedField(t, fieldPaymentHash, []byte("short")))
	_, err := Decode(inv)
	require.Error(t, err)
}

func TestDecodeRejectsShortDataPart(t *testing.T) {
	data := make([]byte, 50)
	inv, err := bech32.Encode("lnbc1m", data)
	require.NoError(t, err)
	_, err = Decode(inv)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too short")
}

func TestDecodeSchemePrefixes(t *testing.T) {
	bare := buildInvoice(t, "lnbc2500u", taggedField(t, fieldPaymentHash, testHash("scheme")))

	want, err := Decode(bare)
	require.NoError(t, err)

	t.Run("lightning scheme", func(t *testing.T) {
		got, err := Decode("lightning:" + bare)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("uppercase qr", func(t *testing.T) {
		got, err := Decode("LIGHTNING:" + strings.ToUpper(bare))
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("bip21 lightning param", func(t *testing.T) {
		uri := "bitcoin:BC1QXYZ?amount=0.001&lightning=" + url.QueryEscape(bare)
		got, err := Decode(uri)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})
}

func TestDecodeCanonicalIdempotent(t *testing.T) {
	inv := buildInvoice(t, "lnbc2500u",
		taggedField(t, fieldPaymentHash, testHash("canon")),
		taggedField(t, fieldDescription, []byte("idempotent")),
	)

	first, err := Decode("lightning:" + strings.ToUpper(inv))
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(inv), first.PaymentRequest)

	second, err := Decode(first.PaymentRequest)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDecodeAmountOverflow(t *testing.T) {
	inv := buildInvoice(t, "lnbc999999999999", taggedField(t, fieldPaymentHash, testHash("ovf")))
	_, err := Decode(inv)
	require.Error(t, err)
	require.Contains(t, err.Error(), "overflow")
}
