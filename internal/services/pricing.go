package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"item-pricing-api/internal/models"
	"item-pricing-api/internal/trade"
	"item-pricing-api/pkg/cache"
)

const defaultTradeSiteURL = "https://www.pathofexile.com/trade"

// ValidationError marks a request the caller can fix; the handler maps
// it to a 400 instead of an upstream failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// PricingService runs one pricing request end to end: build the query,
// search, fetch the listing sample, aggregate. The cache sits above the
// pipeline and is optional; the pipeline itself keeps no state across
// requests.
type PricingService struct {
	client     *trade.Client
	aggregator *Aggregator
	cache      *cache.RedisCache
	siteURL    string
}

func NewPricingService() *PricingService {
	siteURL := os.Getenv("TRADE_SITE_URL")
	if siteURL == "" {
		siteURL = defaultTradeSiteURL
	}

	return &PricingService{
		client:     trade.NewClient(),
		aggregator: NewAggregator(),
		cache:      cache.NewRedisCache(),
		siteURL:    siteURL,
	}
}

// NewPricingServiceWith wires explicit collaborators; used by tests and
// anything that wants to bypass env-driven construction.
func NewPricingServiceWith(client *trade.Client, aggregator *Aggregator, redisCache *cache.RedisCache, siteURL string) *PricingService {
	return &PricingService{
		client:     client,
		aggregator: aggregator,
		cache:      redisCache,
		siteURL:    siteURL,
	}
}

func (s *PricingService) PriceItem(ctx context.Context, req models.PriceRequest) (*models.PriceResponse, error) {
	startTime := time.Now()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	cacheKey := ""
	if s.cache.IsAvailable() {
		cacheKey = s.cache.GeneratePriceKey(req)
		if cached, err := s.cache.GetPriceResponse(cacheKey); err == nil && cached != nil {
			cached.Duration = fmt.Sprintf("%s (cached)", time.Since(startTime).String())
			log.Printf("Cache HIT for key: %s", cacheKey)
			return cached, nil
		}
		log.Printf("Cache MISS for key: %s", cacheKey)
	}

	query := trade.BuildQuery(*req.Item)

	result, err := s.client.Search(ctx, req.League, query)
	if err != nil {
		return nil, fmt.Errorf("trade search failed: %w", err)
	}
	log.Printf("Trade search %q matched %d results (%d fetchable)", result.QueryID, result.Total, len(result.IDs))

	searchURL := fmt.Sprintf("%s/search/%s/%s", s.siteURL, req.League, result.QueryID)

	var summary models.PriceSummary
	if len(result.IDs) == 0 {
		// Zero matches is a valid outcome; skip the fetch stage.
		summary = s.aggregator.Aggregate(nil, result.Total, req.Mode)
	} else {
		listings, err := s.client.FetchListings(ctx, result.QueryID, result.IDs)
		if err != nil {
			return nil, fmt.Errorf("listing fetch failed: %w", err)
		}
		summary = s.aggregator.Aggregate(listings, result.Total, req.Mode)
	}

	response := &models.PriceResponse{
		PriceInfo: summary,
		SearchURL: searchURL,
		Duration:  time.Since(startTime).String(),
	}

	if s.cache.IsAvailable() && cacheKey != "" {
		if err := s.cache.SetPriceResponse(cacheKey, response); err != nil {
			log.Printf("Failed to cache pricing response: %v", err)
		} else {
			log.Printf("Cached pricing response for key: %s", cacheKey)
		}
	}

	return response, nil
}

func validateRequest(req *models.PriceRequest) error {
	if req.League == "" {
		return &ValidationError{Field: "league", Reason: "league is required"}
	}
	if req.Item == nil {
		return &ValidationError{Field: "item", Reason: "item description is required"}
	}

	switch req.Mode {
	case "":
		req.Mode = models.ModeMedian
	case models.ModeMedian, models.ModeLowest:
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q, expected %q or %q", req.Mode, models.ModeMedian, models.ModeLowest)}
	}

	return nil
}
