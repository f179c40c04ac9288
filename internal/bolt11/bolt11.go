// Package bolt11 decodes BOLT11 payment requests into the summary the rest
// of the core works with. It validates just enough to route a payment:
// amount, payment hash and memo. Signature verification is the job of the
// paying node, not this decoder.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Tagged field types we extract. Everything else is skipped over.
const (
	fieldPaymentHash     = 1
	fieldDescription     = 13
	fieldDescriptionHash = 23
)

// signatureWords is the trailing 512-bit signature plus recovery id,
// packed into 5-bit words.
const signatureWords = 104

// timestampWords is the invoice creation time at the start of the data part.
const timestampWords = 7

var (
	ErrNotBech32     = errors.New("not valid bech32")
	ErrMissingPrefix = errors.New("human readable part must start with ln")
	ErrPicoAmount    = errors.New("pico amounts must be divisible by 10")
)

// MemoKind discriminates the memo variant of a decoded invoice.
type MemoKind int

const (
	MemoNone MemoKind = iota
	MemoText
	MemoHash
)

// Memo is the invoice description: free text, a hash committing to an
// out-of-band description, or nothing.
type Memo struct {
	Kind MemoKind
	Text string
	Hash [32]byte
}

// Summary is the decoded invoice. Immutable once returned.
type Summary struct {
	// PaymentRequest is the canonical lowercase invoice string with any
	// URI scheme stripped.
	PaymentRequest string
	// PaymentHash is hex encoded, empty when the invoice carried none.
	PaymentHash string
	// AmountMsat is nil for zero-amount invoices.
	AmountMsat *int64
	Memo       Memo
}

// Decode parses a BOLT11 invoice, tolerating lightning: and
// bitcoin:?lightning= URI wrappers. It returns a descriptive error for
// every rejection so the caller can render the reason; it never panics.
func Decode(raw string) (*Summary, error) {
	stripped := StripScheme(strings.TrimSpace(raw))
	if stripped == "" {
		return nil, errors.New("empty invoice")
	}

	hrp, words, err := bech32.DecodeNoLimit(strings.ToLower(stripped))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBech32, err)
	}

	amount, err := parseHRP(hrp)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		PaymentRequest: strings.ToLower(stripped),
		AmountMsat:     amount,
	}

	if len(words) < signatureWords+timestampWords {
		return nil, errors.New("data part too short")
	}
	fields := words[timestampWords : len(words)-signatureWords]
	if err := scanFields(fields, summary); err != nil {
		return nil, err
	}

	return summary, nil
}

// StripScheme removes a lightning: prefix, or extracts the lightning=
// query value out of a BIP21 bitcoin: URI. Inputs without a scheme pass
// through unchanged.
func StripScheme(s string) string {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "lightning:") {
		return s[len("lightning:"):]
	}
	if strings.HasPrefix(lower, "bitcoin:") {
		if idx := strings.Index(s, "?"); idx >= 0 {
			values, err := url.ParseQuery(s[idx+1:])
			if err == nil {
				if ln := values.Get("lightning"); ln != "" {
					return ln
				}
			}
		}
	}
	return s
}

// parseHRP extracts the optional amount from an hrp like "lnbc2500u".
func parseHRP(hrp string) (*int64, error) {
	if len(hrp) < 2 || !strings.EqualFold(hrp[:2], "ln") {
		return nil, ErrMissingPrefix
	}
	rest := hrp[2:]

	digitAt := -1
	for i, r := range rest {
		if unicode.IsDigit(r) {
			digitAt = i
			break
		}
	}
	if digitAt == 0 || rest == "" {
		return nil, errors.New("missing currency prefix")
	}
	if digitAt < 0 {
		// Currency only, no amount encoded.
		return nil, nil
	}

	amountPart := rest[digitAt:]
	multiplier := byte(0)
	if last := amountPart[len(amountPart)-1]; last < '0' || last > '9' {
		multiplier = last
		amountPart = amountPart[:len(amountPart)-1]
	}
	if amountPart == "" {
		return nil, errors.New("missing amount digits")
	}

	var digits int64
	for _, r := range amountPart {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount character %q", r)
		}
		if digits > (math.MaxInt64-int64(r-'0'))/10 {
			return nil, errors.New("amount overflow")
		}
		digits = digits*10 + int64(r-'0')
	}

	// The hrp amount is denominated in whole bitcoin; scale to msat.
	var scale int64
	switch multiplier {
	case 0:
		scale = 100_000_000_000
	case 'm':
		scale = 100_000_000
	case 'u':
		scale = 100_000
	case 'n':
		scale = 100
	case 'p':
		if digits%10 != 0 {
			return nil, ErrPicoAmount
		}
		msat := digits / 10
		return &msat, nil
	default:
		return nil, fmt.Errorf("unknown amount multiplier %q", multiplier)
	}

	if digits != 0 && scale > math.MaxInt64/digits {
		return nil, errors.New("amount overflow")
	}
	msat := digits * scale
	return &msat, nil
}

// scanFields walks the tagged fields. The first occurrence of each
// recognized type wins; later duplicates are ignored.
func scanFields(words []byte, summary *Summary) error {
	var haveHash, haveText, haveDescHash bool
	var descHash [32]byte

	i := 0
	for i < len(words) {
		if i+3 > len(words) {
			return errors.New("truncated tagged field header")
		}
		fieldType := words[i]
		length := int(words[i+1])<<5 | int(words[i+2])
		i += 3
		if i+length > len(words) {
			return errors.New("truncated tagged field data")
		}
		data := words[i : i+length]
		i += length

		switch fieldType {
		case fieldPaymentHash:
			if haveHash {
				continue
			}
			hash, err := fieldBytes(data, 32)
			if err != nil {
				return fmt.Errorf("payment hash: %w", err)
			}
			summary.PaymentHash = hex.EncodeToString(hash)
			haveHash = true

		case fieldDescription:
			if haveText {
				continue
			}
			text, err := bech32.ConvertBits(data, 5, 8, false)
			if err != nil {
				return fmt.Errorf("description: %w", err)
			}
			if !utf8.Valid(text) {
				return errors.New("description is not valid utf-8")
			}
			summary.Memo = Memo{Kind: MemoText, Text: string(text)}
			haveText = true

		case fieldDescriptionHash:
			if haveDescHash {
				continue
			}
			hash, err := fieldBytes(data, 32)
			if err != nil {
				return fmt.Errorf("description hash: %w", err)
			}
			copy(descHash[:], hash)
			haveDescHash = true
		}
	}

	// Text description outranks a hash-only one.
	if !haveText && haveDescHash {
		summary.Memo = Memo{Kind: MemoHash, Hash: descHash}
	}
	return nil
}

// fieldBytes repacks 5-bit words into bytes and checks the exact size.
// ConvertBits with pad=false rejects non-zero padding bits.
func fieldBytes(words []byte, size int) ([]byte, error) {
	b, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}
