// Package classify maps raw provider failures onto the refund taxonomy.
// Raw provider detail stays in the internal message and is never shown
// to end users.
package classify

import (
	"net/http"
	"strings"
)

// Kind is the refund-relevant failure category.
type Kind string

const (
	KindContentViolation Kind = "content_violation"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindRateLimit        Kind = "rate_limit"
	KindAPIError         Kind = "api_error"
	KindUnknown          Kind = "unknown"
)

// Classification pairs an internal diagnostic with a user-safe message.
type Classification struct {
	Kind        Kind
	UserMessage string
	Internal    string
}

var userMessages = map[Kind]string{
	KindContentViolation: "The request was declined by the provider's content policy. Your credits have been refunded.",
	KindTimeout:          "Generation took too long and was stopped. Your credits have been refunded.",
	KindCancelled:        "Generation was cancelled. Your credits have been refunded.",
	KindRateLimit:        "The provider is busy right now. Please try again shortly; your credits have been refunded.",
	KindAPIError:         "The provider reported an error. Your credits have been refunded.",
	KindUnknown:          "Generation failed unexpectedly. Your credits have been refunded.",
}

// Classify maps an HTTP status code and raw failure text to a
// Classification. statusCode 0 means no HTTP response was involved.
func Classify(statusCode int, raw string) Classification {
	kind := kindOf(statusCode, raw)
	return Classification{
		Kind:        kind,
		UserMessage: userMessages[kind],
		Internal:    raw,
	}
}

// FromKind builds a Classification for an already-known kind, e.g. the
// poller's deadline and cancellation outcomes.
func FromKind(kind Kind, internal string) Classification {
	return Classification{Kind: kind, UserMessage: userMessages[kind], Internal: internal}
}

// Refundable reports whether a failure of this kind returns the
// reservation to the payer. Every implemented kind refunds: the engine
// never charges for undelivered work.
func Refundable(Kind) bool { return true }

func kindOf(statusCode int, raw string) Kind {
	lower := strings.ToLower(raw)

	switch {
	case containsAny(lower, "content policy", "safety", "nsfw", "moderation", "flagged"):
		return KindContentViolation
	case containsAny(lower, "timed out", "timeout", "deadline exceeded"):
		return KindTimeout
	case containsAny(lower, "cancelled", "canceled"):
		return KindCancelled
	case containsAny(lower, "rate limit", "too many requests", "quota exceeded"):
		return KindRateLimit
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case statusCode >= 400:
		return KindAPIError
	}

	if lower != "" && containsAny(lower, "api", "status 5", "bad gateway", "unavailable") {
		return KindAPIError
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
