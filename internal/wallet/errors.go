package wallet

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra detail. Everything the
// backends can produce is either one of these or one of the typed errors
// below, so callers can decide rendering with errors.Is / errors.As.
var (
	ErrMissingWalletConnection = errors.New("no active wallet connection")
	ErrNetworkUnavailable      = errors.New("network unavailable")
	ErrTimeout                 = errors.New("operation timed out")
)

// InvalidURIError reports a wallet connection string or LNURL response that
// could not be validated. Reason is safe to show to the user.
type InvalidURIError struct {
	Reason string
}

func (e *InvalidURIError) Error() string {
	if e.Reason == "" {
		return "invalid wallet uri"
	}
	return "invalid wallet uri: " + e.Reason
}

// AuthError means the backend refused our credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

// RejectedError is a payment the backend refused to execute. Code and
// Message are preserved verbatim from the backend when no friendlier
// rendering is known.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("payment rejected (%s): %s", e.Code, e.Message)
	case e.Message != "":
		return "payment rejected: " + e.Message
	case e.Code != "":
		return "payment rejected: " + e.Code
	}
	return "payment rejected"
}

// UnconfirmedError means the backend accepted the payment but we could not
// confirm settlement. The payment may still succeed.
type UnconfirmedError struct {
	PaymentHash string
	Message     string
}

func (e *UnconfirmedError) Error() string {
	if e.Message != "" {
		return "payment unconfirmed: " + e.Message
	}
	return "payment unconfirmed"
}

// UnexpectedError wraps anything that does not fit the taxonomy. The
// original message is kept so it is never silently collapsed.
type UnexpectedError struct {
	Message string
}

func (e *UnexpectedError) Error() string {
	if e.Message == "" {
		return "unexpected wallet error"
	}
	return "unexpected wallet error: " + e.Message
}
