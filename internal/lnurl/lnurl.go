// Package lnurl resolves LNURL-pay endpoints and Lightning addresses
// (LUD-06 / LUD-16) into pay parameters and, finally, a BOLT11 invoice.
package lnurl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/NicolaLS/payment-app-sub000/internal/classify"
	"github.com/NicolaLS/payment-app-sub000/internal/wallet"
)

const maxResponseBytes = 1 << 20

// Metadata is the parsed [mime, value] metadata array. Each field keeps the
// first occurrence of its mime type.
type Metadata struct {
	PlainText  string
	LongText   string
	ImagePNG   string
	ImageJPEG  string
	Identifier string
	Email      string
	Tag        string
}

// PayParams are the validated LNURL-pay parameters of an endpoint.
type PayParams struct {
	Callback    string
	MinSendable int64
	MaxSendable int64
	MetadataRaw string
	Metadata    Metadata
	// CommentAllowed is the maximum comment length, nil when the server
	// does not accept comments.
	CommentAllowed *int
	Domain         string
}

// Client fetches and validates LNURL-pay responses.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, log: logger.With("component", "lnurl")}
}

// FetchParams resolves pay parameters from an explicit endpoint URL.
func (c *Client) FetchParams(ctx context.Context, endpoint string) (*PayParams, error) {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(endpoint)
	domain := ""
	if u != nil {
		domain = u.Hostname()
	}
	return parsePayParams(body, domain)
}

// AddressEndpoint builds the well-known LNURL-pay URL for a Lightning
// address. LUD-16 mandates https, so onion domains are rejected.
func AddressEndpoint(addr classify.LightningAddress) (string, error) {
	if strings.HasSuffix(addr.Domain, ".onion") {
		return "", &wallet.InvalidURIError{Reason: "lightning addresses on onion domains are not supported"}
	}
	user := addr.Username
	if addr.Tag != "" {
		user += "+" + addr.Tag
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", addr.Domain, user), nil
}

// FetchAddress resolves a Lightning address through its well-known URL.
func (c *Client) FetchAddress(ctx context.Context, addr classify.LightningAddress) (*PayParams, error) {
	endpoint, err := AddressEndpoint(addr)
	if err != nil {
		return nil, err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return parsePayParams(body, addr.Domain)
}

// RequestInvoice asks the callback for an invoice over amountMsat, with an
// optional comment. Returns the bare BOLT11 string from the pr field.
func (c *Client) RequestInvoice(ctx context.Context, callback string, amountMsat int64, comment string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", &wallet.InvalidURIError{Reason: "invalid callback url"}
	}
	q := u.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	if strings.TrimSpace(comment) != "" {
		q.Set("comment", comment)
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return "", err
	}

	res := gjson.ParseBytes(body)
	if err := checkServerError(res); err != nil {
		return "", err
	}
	pr := res.Get("pr")
	if !pr.Exists() || pr.String() == "" {
		return "", &wallet.InvalidURIError{Reason: "invoice response is missing pr"}
	}
	return pr.String(), nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &wallet.InvalidURIError{Reason: err.Error()}
	}
	c.log.Debug("lnurl request", "url", endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wallet.ErrTimeout
		}
		return nil, wallet.ErrNetworkUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, wallet.ErrNetworkUnavailable
	}
	// Status codes are deliberately not checked here: LNURL servers often
	// put {"status":"ERROR"} bodies behind non-200 responses, and those
	// reasons beat a bare status code.
	return body, nil
}

func checkServerError(res gjson.Result) error {
	if strings.EqualFold(res.Get("status").String(), "ERROR") {
		reason := res.Get("reason").String()
		if reason == "" {
			reason = "LNURL server returned an error"
		}
		return &wallet.InvalidURIError{Reason: reason}
	}
	return nil
}

func parsePayParams(body []byte, domain string) (*PayParams, error) {
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return nil, &wallet.InvalidURIError{Reason: "response is not a JSON object"}
	}
	if err := checkServerError(res); err != nil {
		return nil, err
	}

	if tag := res.Get("tag"); tag.Exists() && !strings.EqualFold(tag.String(), "payRequest") {
		return nil, &wallet.InvalidURIError{Reason: fmt.Sprintf("unexpected tag %q", tag.String())}
	}

	callback, err := normalizeCallback(res.Get("callback").String())
	if err != nil {
		return nil, err
	}

	minSendable, err := msatField(res.Get("minSendable"), "minSendable")
	if err != nil {
		return nil, err
	}
	maxSendable, err := msatField(res.Get("maxSendable"), "maxSendable")
	if err != nil {
		return nil, err
	}
	if maxSendable < minSendable {
		return nil, &wallet.InvalidURIError{Reason: "maxSendable is less than minSendable"}
	}

	metaRaw := res.Get("metadata").String()
	meta, err := parseMetadata(metaRaw)
	if err != nil {
		return nil, err
	}

	params := &PayParams{
		Callback:    callback,
		MinSendable: minSendable,
		MaxSendable: maxSendable,
		MetadataRaw: metaRaw,
		Metadata:    meta,
		Domain:      domain,
	}
	if ca := res.Get("commentAllowed"); ca.Exists() {
		n := int(ca.Int())
		if n > 0 {
			params.CommentAllowed = &n
		}
	}
	return params, nil
}

// msatField accepts integers, floats and numeric strings; servers in the
// wild produce all three.
func msatField(v gjson.Result, name string) (int64, error) {
	if !v.Exists() {
		return 0, &wallet.InvalidURIError{Reason: name + " is missing"}
	}
	var amount float64
	switch v.Type {
	case gjson.Number:
		amount = v.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0, &wallet.InvalidURIError{Reason: name + " is not numeric"}
		}
		amount = f
	default:
		return 0, &wallet.InvalidURIError{Reason: name + " is not numeric"}
	}
	if amount <= 0 {
		return 0, &wallet.InvalidURIError{Reason: name + " must be positive"}
	}
	return int64(amount), nil
}

// normalizeCallback re-serializes the callback from its parsed parts, which
// drops string formatting artifacts (whitespace, default ports).
func normalizeCallback(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &wallet.InvalidURIError{Reason: "callback is missing"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", &wallet.InvalidURIError{Reason: "callback is not a valid url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &wallet.InvalidURIError{Reason: "callback must be http(s)"}
	}

	host := u.Hostname()
	if port := u.Port(); port != "" {
		if !(u.Scheme == "https" && port == "443") && !(u.Scheme == "http" && port == "80") {
			host += ":" + port
		}
	}
	normalized := u.Scheme + "://" + host + u.EscapedPath()
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return normalized, nil
}

// parseMetadata decodes the JSON-encoded array of [mime, value] pairs.
func parseMetadata(raw string) (Metadata, error) {
	var meta Metadata
	if raw == "" {
		return meta, &wallet.InvalidURIError{Reason: "metadata is missing"}
	}
	arr := gjson.Parse(raw)
	if !arr.IsArray() {
		return meta, &wallet.InvalidURIError{Reason: "metadata is not a JSON array"}
	}
	for _, entry := range arr.Array() {
		pair := entry.Array()
		if len(pair) < 2 {
			continue
		}
		mime, value := pair[0].String(), pair[1].String()
		switch strings.ToLower(mime) {
		case "text/plain":
			if meta.PlainText == "" {
				meta.PlainText = value
			}
		case "text/long-desc":
			if meta.LongText == "" {
				meta.LongText = value
			}
		case "image/png;base64":
			if meta.ImagePNG == "" {
				meta.ImagePNG = value
			}
		case "image/jpeg;base64":
			if meta.ImageJPEG == "" {
				meta.ImageJPEG = value
			}
		case "text/identifier":
			if meta.Identifier == "" {
				meta.Identifier = value
			}
		case "text/email":
			if meta.Email == "" {
				meta.Email = value
			}
		case "text/tag":
			if meta.Tag == "" {
				meta.Tag = value
			}
		}
	}
	return meta, nil
}
