package trade

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies an upstream failure and drives the retry and
// relaxation behavior of the client.
type ErrorKind int

const (
	KindRateLimited  ErrorKind = iota // transient, retried with backoff
	KindUnknownItem                   // name/type not resolvable, may drop rarity
	KindInvalidQuery                  // structural rejection, drives relaxation
	KindUpstreamDown                  // 5xx or timeout, retried with backoff
	KindBadShape                      // response missing expected fields
	KindRejected                      // any other 4xx, terminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnknownItem:
		return "unknown_item"
	case KindInvalidQuery:
		return "invalid_query"
	case KindUpstreamDown:
		return "upstream_unavailable"
	case KindBadShape:
		return "unexpected_upstream_shape"
	default:
		return "rejected"
	}
}

// UpstreamError is a classified failure from the trade service.
type UpstreamError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration // floor for the next backoff, 0 if unknown
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("trade api: %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("trade api: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// messageRules map upstream error-message substrings to kinds. The
// upstream wording drifts between deployments, so the table is data:
// new variants get a row, not a new branch.
var messageRules = []struct {
	substr string
	kind   ErrorKind
}{
	{"rate limit", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"unknown item", KindUnknownItem},
	{"no such item", KindUnknownItem},
	{"invalid query", KindInvalidQuery},
	{"invalid search", KindInvalidQuery},
	{"unsupported filter", KindInvalidQuery},
}

// classify maps an HTTP status plus the parsed error message to a kind.
// The message table takes precedence over the status so that a 400
// carrying a rate-limit message still backs off instead of relaxing.
func classify(status int, message string) ErrorKind {
	if status == 429 {
		return KindRateLimited
	}
	lower := strings.ToLower(message)
	for _, rule := range messageRules {
		if strings.Contains(lower, rule.substr) {
			return rule.kind
		}
	}
	if status >= 500 {
		return KindUpstreamDown
	}
	return KindRejected
}
