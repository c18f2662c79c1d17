package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAPIBaseURL = "https://www.pathofexile.com/api/trade"

	// Caps shared by search and fetch retry loops.
	maxAttempts = 8
	resultCap   = 20
)

// Client talks to the trade search service. The zero delays are only
// useful in tests; NewClient fills in production values.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Limiter paces our own outbound calls; the upstream rate limits
	// aggressively and a polite client gets 429s far less often.
	Limiter *rate.Limiter

	MaxAttempts   int
	ResultCap     int
	RateLimitBase time.Duration // per-hit backoff increment on 429s
	RetryBase     time.Duration // per-attempt backoff increment on 5xx/timeouts
}

func NewClient() *Client {
	baseURL := os.Getenv("TRADE_API_URL")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	return &Client{
		BaseURL:       baseURL,
		HTTP:          &http.Client{Timeout: 15 * time.Second},
		Limiter:       rate.NewLimiter(rate.Limit(1), 2), // 1 req/sec, burst 2
		MaxAttempts:   maxAttempts,
		ResultCap:     resultCap,
		RateLimitBase: 2 * time.Second,
		RetryBase:     time.Second,
	}
}

// SearchResult is the successful outcome of a search: a bounded prefix
// of the matching result IDs, the query ID needed to fetch listings,
// and the total match count reported upstream (which may exceed the
// returned prefix).
type SearchResult struct {
	IDs     []string
	QueryID string
	Total   int
}

// RelaxationStep identifies a one-shot query relaxation. Each step is
// applied at most once per Search call.
type RelaxationStep int

const (
	StepDropRarity RelaxationStep = iota
	StepStripStats
	StepStripNumeric
)

// searchState is an immutable snapshot of the working query plus the
// relaxations already spent. Transitions produce a new state.
type searchState struct {
	query   SearchQuery
	applied map[RelaxationStep]bool
}

func newSearchState(q SearchQuery) searchState {
	return searchState{query: q, applied: make(map[RelaxationStep]bool)}
}

func (s searchState) spent(step RelaxationStep) bool {
	return s.applied[step]
}

func (s searchState) relax(step RelaxationStep, q SearchQuery) searchState {
	applied := make(map[RelaxationStep]bool, len(s.applied)+1)
	for k := range s.applied {
		applied[k] = true
	}
	applied[step] = true
	return searchState{query: q, applied: applied}
}

// Search runs the query against the given league, relaxing it as the
// upstream rejects it: rate limits are waited out with the same query,
// an unknown-item rejection drops the rarity filter once, and invalid-
// query rejections strip first the stat group, then the item-level and
// link filters. Each relaxation is irreversible, so the loop terminates
// within a small, fixed number of attempts.
func (c *Client) Search(ctx context.Context, league string, query SearchQuery) (*SearchResult, error) {
	state := newSearchState(query)
	rateHits := 0

	var lastErr *UpstreamError
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		result, uerr := c.doSearch(ctx, league, state.query)
		if uerr == nil {
			if len(result.IDs) > c.ResultCap {
				result.IDs = result.IDs[:c.ResultCap]
			}
			return result, nil
		}
		lastErr = uerr

		switch uerr.Kind {
		case KindRateLimited:
			rateHits++
			wait := time.Duration(rateHits) * c.RateLimitBase
			if uerr.RetryAfter > wait {
				wait = uerr.RetryAfter
			}
			log.Printf("Trade search rate limited, waiting %v (hit %d)", wait, rateHits)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		case KindUnknownItem:
			if !state.spent(StepDropRarity) && state.query.hasRarity() {
				log.Printf("Trade search rejected name/type, dropping rarity filter")
				state = state.relax(StepDropRarity, state.query.withoutRarity())
				continue
			}
			return nil, uerr

		case KindInvalidQuery:
			switch {
			case !state.spent(StepStripStats) && state.query.hasStats():
				log.Printf("Trade search rejected query, stripping stat filters")
				state = state.relax(StepStripStats, state.query.withoutStats())
			case !state.spent(StepStripNumeric) && state.query.hasNumericFilters():
				log.Printf("Trade search rejected query, stripping item-level and link filters")
				state = state.relax(StepStripNumeric, state.query.withoutNumericFilters())
			default:
				return nil, uerr
			}

		case KindUpstreamDown:
			if attempt == c.MaxAttempts {
				return nil, uerr
			}
			wait := time.Duration(attempt) * c.RetryBase
			log.Printf("Trade search upstream error (%v), retrying in %v", uerr, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, uerr
		}
	}

	return nil, fmt.Errorf("trade search: retries exhausted after %d attempts: %w", c.MaxAttempts, lastErr)
}

// searchEnvelope covers both the success and the error shape of the
// search endpoint.
type searchEnvelope struct {
	Result []string `json:"result"`
	ID     string   `json:"id"`
	Total  int      `json:"total"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doSearch(ctx context.Context, league string, query SearchQuery) (*SearchResult, *UpstreamError) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &UpstreamError{Kind: KindUpstreamDown, Message: err.Error()}
		}
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, &UpstreamError{Kind: KindBadShape, Message: fmt.Sprintf("marshal query: %v", err)}
	}

	endpoint := fmt.Sprintf("%s/search/%s", c.BaseURL, url.PathEscape(league))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Kind: KindBadShape, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "item-pricing-api/1.0")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Timeouts and transport errors are transient unavailability.
		return nil, &UpstreamError{Kind: KindUpstreamDown, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Kind: KindUpstreamDown, Status: resp.StatusCode, Message: err.Error()}
	}

	var envelope searchEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &UpstreamError{
				Kind:       classify(resp.StatusCode, ""),
				Status:     resp.StatusCode,
				RetryAfter: retryAfter(resp),
			}
		}
		return nil, &UpstreamError{Kind: KindBadShape, Status: resp.StatusCode, Message: err.Error()}
	}

	if envelope.Error != nil || resp.StatusCode >= 400 {
		message := ""
		if envelope.Error != nil {
			message = envelope.Error.Message
		}
		return nil, &UpstreamError{
			Kind:       classify(resp.StatusCode, message),
			Status:     resp.StatusCode,
			Message:    message,
			RetryAfter: retryAfter(resp),
		}
	}

	if envelope.ID == "" || envelope.Result == nil {
		return nil, &UpstreamError{Kind: KindBadShape, Status: resp.StatusCode, Message: "response missing result ids or query id"}
	}

	return &SearchResult{IDs: envelope.Result, QueryID: envelope.ID, Total: envelope.Total}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// sleepCtx waits for d or until the context is cancelled; every backoff
// wait is a cancellation checkpoint.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still yield a cancellation check for zero backoffs in tests.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
