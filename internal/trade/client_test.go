package trade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"item-pricing-api/internal/models"
)

// newTestClient points a client with instant backoffs at a fake
// upstream so retry loops finish without real sleeps.
func newTestClient(baseURL string) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: 8,
		ResultCap:   20,
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func decodeQuery(t *testing.T, r *http.Request) SearchQuery {
	t.Helper()
	var q SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		t.Fatalf("decode request query: %v", err)
	}
	return q
}

func TestSearch_SuccessCapsResultIDs(t *testing.T) {
	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"result": ids,
		"id":     "q1",
		"total":  5123,
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/Standard" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		writeJSON(w, 200, string(payload))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.Search(context.Background(), "Standard", SearchQuery{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.IDs) != 20 {
		t.Fatalf("result IDs should be capped at 20, got %d", len(result.IDs))
	}
	if result.QueryID != "q1" || result.Total != 5123 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSearch_InvalidQueryRelaxationOrder(t *testing.T) {
	var bodies []SearchQuery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodies = append(bodies, decodeQuery(t, r))
		writeJSON(w, 400, `{"error":{"code":2,"message":"Invalid query"}}`)
	}))
	defer server.Close()

	query := BuildQuery(models.ItemDescription{
		BaseType:     "Vaal Regalia",
		ItemLevel:    84,
		Links:        6,
		ExplicitMods: []models.Mod{{StatID: "explicit.stat_1"}},
	})

	c := newTestClient(server.URL)
	_, err := c.Search(context.Background(), "Standard", query)
	if err == nil {
		t.Fatal("persistent invalid-query rejection must surface as a failure")
	}

	// Attempt sequence: original, stats stripped, numeric filters
	// additionally stripped, then terminal.
	if len(bodies) != 3 {
		t.Fatalf("expected 3 attempts (original, no stats, no numeric), got %d", len(bodies))
	}
	if !bodies[0].hasStats() || !bodies[0].hasNumericFilters() {
		t.Fatalf("first attempt must be the original query: %+v", bodies[0])
	}
	if bodies[1].hasStats() {
		t.Fatal("second attempt must have the stat group stripped")
	}
	if !bodies[1].hasNumericFilters() {
		t.Fatal("second attempt must still carry the numeric filters")
	}
	if bodies[2].hasStats() || bodies[2].hasNumericFilters() {
		t.Fatalf("third attempt must also drop item-level and link filters: %+v", bodies[2])
	}

	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Kind != KindInvalidQuery {
		t.Fatalf("terminal error should preserve the invalid-query detail, got %v", err)
	}
}

func TestSearch_RateLimitRetriesSameQuery(t *testing.T) {
	var bodies []SearchQuery
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		bodies = append(bodies, decodeQuery(t, r))
		if calls <= 2 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, 429, `{"error":{"message":"Rate limit exceeded"}}`)
			return
		}
		writeJSON(w, 200, `{"result":["a"],"id":"q1","total":1}`)
	}))
	defer server.Close()

	query := BuildQuery(models.ItemDescription{
		BaseType:     "Vaal Regalia",
		Rarity:       models.RarityRare,
		ExplicitMods: []models.Mod{{StatID: "explicit.stat_1"}},
	})

	c := newTestClient(server.URL)
	result, err := c.Search(context.Background(), "Standard", query)
	if err != nil {
		t.Fatalf("search should survive rate limiting: %v", err)
	}
	if result.QueryID != "q1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(bodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(bodies))
	}
	// Rate limiting never consumes a relaxation.
	for i, body := range bodies {
		if !body.hasStats() || !body.hasRarity() {
			t.Fatalf("attempt %d must carry the unrelaxed query: %+v", i+1, body)
		}
	}
}

func TestSearch_UnknownItemDropsRarityOnce(t *testing.T) {
	var bodies []SearchQuery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodies = append(bodies, decodeQuery(t, r))
		if len(bodies) == 1 {
			writeJSON(w, 400, `{"error":{"message":"Unknown item description"}}`)
			return
		}
		writeJSON(w, 200, `{"result":["a"],"id":"q1","total":1}`)
	}))
	defer server.Close()

	query := BuildQuery(models.ItemDescription{BaseType: "Vaal Regalia", Rarity: models.RarityRare})

	c := newTestClient(server.URL)
	if _, err := c.Search(context.Background(), "Standard", query); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(bodies))
	}
	if !bodies[0].hasRarity() || bodies[1].hasRarity() {
		t.Fatal("second attempt must drop the rarity filter")
	}
}

func TestSearch_UnknownItemWithoutRarityIsTerminal(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, 400, `{"error":{"message":"Unknown item description"}}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Search(context.Background(), "Standard", BuildQuery(models.ItemDescription{BaseType: "X"}))
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if calls != 1 {
		t.Fatalf("rarity relaxation is one-shot and unavailable here; expected 1 attempt, got %d", calls)
	}
}

func TestSearch_ServerErrorRetriedToCap(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, 502, `{"error":{"message":"something broke"}}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.MaxAttempts = 3
	_, err := c.Search(context.Background(), "Standard", SearchQuery{})
	if err == nil {
		t.Fatal("expected terminal failure after retry cap")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Kind != KindUpstreamDown {
		t.Fatalf("underlying error detail must be preserved, got %v", err)
	}
}

func TestSearch_OtherClientErrorIsTerminal(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, 403, `{"error":{"message":"Forbidden"}}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Search(context.Background(), "Standard", SearchQuery{})
	if err == nil || calls != 1 {
		t.Fatalf("a plain 4xx must fail immediately; calls=%d err=%v", calls, err)
	}
}

func TestSearch_MissingFieldsIsBadShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"total":3}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Search(context.Background(), "Standard", SearchQuery{})

	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Kind != KindBadShape {
		t.Fatalf("expected bad-shape error, got %v", err)
	}
}

func TestSearch_BackoffIsCancellable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 429, `{"error":{"message":"Rate limit exceeded"}}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.RateLimitBase = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "Standard", SearchQuery{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("search did not abandon its backoff wait on cancellation")
	}
}
