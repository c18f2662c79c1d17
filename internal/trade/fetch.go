package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// The fetch endpoint accepts at most this many comma-joined IDs per
// request; larger result sets are retrieved in sequential chunks.
const fetchChunkSize = 10

// Listing is one seller's live offer as returned by the fetch endpoint.
// Only the price is load-bearing; listings that fail to decode are
// dropped individually instead of failing the whole batch.
type Listing struct {
	ID      string         `json:"id"`
	Listing ListingDetails `json:"listing"`
}

type ListingDetails struct {
	Indexed string        `json:"indexed,omitempty"`
	Price   *ListingPrice `json:"price"`
}

type ListingPrice struct {
	Type     string  `json:"type,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type fetchEnvelope struct {
	Result []json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchListings retrieves the full listing records for the given result
// IDs. An empty ID list returns an empty set without touching the
// network. Client errors degrade to "no listings" — an empty sample is
// a valid, displayable outcome — while sustained rate limiting or
// server errors surface as a terminal failure once retries are spent.
func (c *Client) FetchListings(ctx context.Context, queryID string, ids []string) ([]Listing, error) {
	listings := make([]Listing, 0, len(ids))
	for start := 0; start < len(ids); start += fetchChunkSize {
		end := start + fetchChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := c.fetchChunk(ctx, queryID, ids[start:end])
		if err != nil {
			return nil, err
		}
		listings = append(listings, chunk...)
	}
	return listings, nil
}

func (c *Client) fetchChunk(ctx context.Context, queryID string, ids []string) ([]Listing, error) {
	withQuery := true

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		listings, uerr := c.doFetch(ctx, queryID, ids, withQuery)
		if uerr == nil {
			return listings, nil
		}

		switch uerr.Kind {
		case KindRateLimited, KindUpstreamDown:
			if attempt == c.MaxAttempts {
				return nil, uerr
			}
			wait := time.Duration(attempt) * c.RetryBase
			if uerr.RetryAfter > wait {
				wait = uerr.RetryAfter
			}
			log.Printf("Listing fetch transient error (%v), retrying in %v", uerr, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		case KindBadShape:
			return nil, uerr

		default:
			// Some deployments reject the query parameter outright; one
			// retry without it recovers those. Any further client error
			// means the listings are gone, not that the request failed.
			if withQuery && uerr.Status >= 400 && uerr.Status < 500 {
				log.Printf("Listing fetch rejected (%v), retrying without query id", uerr)
				withQuery = false
				continue
			}
			log.Printf("Listing fetch degraded to empty set: %v", uerr)
			return []Listing{}, nil
		}
	}

	return nil, fmt.Errorf("listing fetch: retries exhausted after %d attempts", c.MaxAttempts)
}

func (c *Client) doFetch(ctx context.Context, queryID string, ids []string, withQuery bool) ([]Listing, *UpstreamError) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &UpstreamError{Kind: KindUpstreamDown, Message: err.Error()}
		}
	}

	endpoint := fmt.Sprintf("%s/fetch/%s", c.BaseURL, strings.Join(ids, ","))
	if withQuery && queryID != "" {
		endpoint += "?query=" + queryID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Kind: KindBadShape, Message: err.Error()}
	}
	req.Header.Set("User-Agent", "item-pricing-api/1.0")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: KindUpstreamDown, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Kind: KindUpstreamDown, Status: resp.StatusCode, Message: err.Error()}
	}

	var envelope fetchEnvelope
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

	// Decode entries one by one so a single malformed listing does not
	// discard the rest of the batch.
	listings := make([]Listing, 0, len(envelope.Result))
	for _, entry := range envelope.Result {
		var listing Listing
		if err := json.Unmarshal(entry, &listing); err != nil {
			log.Printf("Skipping undecodable listing: %v", err)
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}
