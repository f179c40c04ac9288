// Package classify turns an arbitrary scanned or pasted string into a
// payment target: an LNURL endpoint, a Lightning address, or a BOLT11
// candidate. It is a best-effort grammar dispatcher; full invoice
// validation is left to the bolt11 package.
package classify

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Target is the classified payment target.
type Target interface {
	target()
}

// LnurlEndpoint is a URL to fetch LNURL-pay parameters from.
type LnurlEndpoint struct {
	URL string
}

// LightningAddress is a LUD-16 user@domain address, optionally with a
// +tag suffix on the username.
type LightningAddress struct {
	Username string
	Domain   string
	Tag      string
}

// Bolt11Candidate is a string that looks like an invoice. The decoder has
// the final say on validity.
type Bolt11Candidate struct {
	Raw string
}

func (LnurlEndpoint) target()    {}
func (LightningAddress) target() {}
func (Bolt11Candidate) target()  {}

// Typed rejections. OnchainError carries the address so the caller can
// offer an on-chain flow instead.
var (
	ErrEmpty        = errors.New("empty input")
	ErrBolt12Offer  = errors.New("BOLT12 offers are not supported")
	ErrUnrecognized = errors.New("unrecognized payment string")
)

type OnchainError struct {
	Address string
}

func (e *OnchainError) Error() string {
	return "on-chain bitcoin addresses are not supported"
}

var (
	// username(+tag)?@domain per LUD-16, lowercase only.
	addressRe = regexp.MustCompile(`^([a-z0-9\-_.]+)(\+([a-z0-9\-_.]+))?@((?:[a-z0-9-]+\.)+[a-z0-9-]+)$`)
	bech32Re  = regexp.MustCompile(`^(bc1[ac-hj-np-z02-9]{39,59})$`)
	base58Re  = regexp.MustCompile(`^([13][a-km-zA-HJ-NP-Z1-9]{24,33})$`)
)

// Classify maps a raw string to a Target or a typed rejection.
func Classify(raw string) (Target, error) {
	return classify(strings.TrimSpace(raw), true)
}

func classify(s string, allowSchemes bool) (Target, error) {
	if s == "" {
		return nil, ErrEmpty
	}
	lower := strings.ToLower(s)

	if allowSchemes {
		if strings.HasPrefix(lower, "lightning:") {
			// Some wallets emit lightning:// with an authority part.
			return classify(strings.TrimPrefix(s[len("lightning:"):], "//"), false)
		}
		if strings.HasPrefix(lower, "bitcoin:") {
			return classifyBitcoinURI(s[len("bitcoin:"):])
		}
	}

	if addr, ok := matchAddress(lower); ok {
		return addr, nil
	}

	// lnurlp://host/x and friends are plain https in disguise. This must
	// run before any bech32 attempt or the lnurl prefix is misread as an
	// hrp.
	for _, scheme := range []string{"lnurlp://", "lnurlw://", "lnurl://"} {
		if strings.HasPrefix(lower, scheme) {
			return rewriteLnurlScheme(s, len(scheme)), nil
		}
	}

	if strings.HasPrefix(lower, "lnurl") {
		if endpoint, err := decodeBech32URL(lower); err == nil {
			return endpoint, nil
		}
	}

	// BOLT12 before the generic ln check, otherwise every offer would be
	// handed to the invoice decoder.
	if strings.HasPrefix(lower, "lno1") {
		return nil, ErrBolt12Offer
	}
	if strings.HasPrefix(lower, "ln") {
		return Bolt11Candidate{Raw: s}, nil
	}

	if bech32Re.MatchString(lower) {
		return nil, &OnchainError{Address: s}
	}
	if base58Re.MatchString(s) {
		return nil, &OnchainError{Address: s}
	}

	return nil, ErrUnrecognized
}

// classifyBitcoinURI handles BIP21 strings: a lightning= query parameter
// wins, an lnurl body is re-classified, anything else is an on-chain
// rejection.
func classifyBitcoinURI(rest string) (Target, error) {
	body := rest
	query := ""
	if idx := strings.Index(rest, "?"); idx >= 0 {
		body, query = rest[:idx], rest[idx+1:]
	}

	if query != "" {
		if values, err := url.ParseQuery(query); err == nil {
			if ln := values.Get("lightning"); ln != "" {
				// Scheme recursion disabled so a crafted
				// bitcoin:?lightning=bitcoin:... cannot loop.
				return classify(strings.TrimSpace(ln), false)
			}
		}
	}

	if len(body) >= 6 && strings.HasPrefix(strings.ToLower(body), "lnurl") {
		return classify(body, false)
	}

	return nil, &OnchainError{Address: body}
}

// matchAddress recognizes user@domain, also when hidden in a URL like
// scheme://user@domain/path.
func matchAddress(lower string) (Target, bool) {
	candidate := lower
	if idx := strings.Index(lower, "://"); idx >= 0 {
		candidate = lower[idx+3:]
		if slash := strings.IndexByte(candidate, '/'); slash >= 0 {
			candidate = candidate[:slash]
		}
	}
	m := addressRe.FindStringSubmatch(candidate)
	if m == nil {
		return nil, false
	}
	return LightningAddress{Username: m[1], Tag: m[3], Domain: m[4]}, true
}

// rewriteLnurlScheme maps lnurlp:// style URLs onto https, or http for
// onion services which cannot get certificates.
func rewriteLnurlScheme(s string, schemeLen int) Target {
	rest := s[schemeLen:]
	host := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		host = rest[:slash]
	}
	scheme := "https://"
	if strings.Contains(strings.ToLower(host), ".onion") {
		scheme = "http://"
	}
	return LnurlEndpoint{URL: scheme + rest}
}

// decodeBech32URL decodes an lnurl1... bech32 string into the URL it wraps.
func decodeBech32URL(s string) (Target, error) {
	hrp, words, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, err
	}
	if hrp != "lnurl" {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	data, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errors.New("lnurl payload is not valid utf-8")
	}
	return LnurlEndpoint{URL: string(data)}, nil
}
