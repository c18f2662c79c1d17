package cache

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"item-pricing-api/internal/models"
)

// RedisCache stores pricing responses keyed by league, mode and a
// digest of the item description. All methods are nil-safe: when Redis
// is unreachable the constructor returns nil and callers fall through
// to the live pipeline.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
}

func NewRedisCache() *RedisCache {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	redisDB := 0
	if db := os.Getenv("REDIS_DB"); db != "" {
		if dbNum, err := strconv.Atoi(db); err == nil {
			redisDB = dbNum
		}
	}

	ttlSeconds := 300 // 5 minutes default; trade prices go stale fast
	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		if t, err := strconv.Atoi(ttl); err == nil {
			ttlSeconds = t
		}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("Failed to parse Redis URL: %v", err)
		return nil
	}
	opt.DB = redisDB

	client := redis.NewClient(opt)
	ctx := context.Background()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("Redis connection failed: %v", err)
		return nil
	}

	log.Printf("Redis connected successfully, DB: %d, TTL: %d seconds", redisDB, ttlSeconds)

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		ctx:    ctx,
	}
}

func (r *RedisCache) GetPriceResponse(key string) (*models.PriceResponse, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	val, err := r.client.Get(r.ctx, key).Result()
	if err == redis.Nil {
		return nil, nil // cache miss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %v", err)
	}

	var response models.PriceResponse
	if err := json.Unmarshal([]byte(val), &response); err != nil {
		return nil, fmt.Errorf("json unmarshal error: %v", err)
	}
	return &response, nil
}

func (r *RedisCache) SetPriceResponse(key string, response *models.PriceResponse) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("redis client not available")
	}

	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("json marshal error: %v", err)
	}
	return r.client.Set(r.ctx, key, data, r.ttl).Err()
}

// GeneratePriceKey derives a deterministic key from the request. The
// item description is digested rather than embedded since it is free
// form and unbounded.
func (r *RedisCache) GeneratePriceKey(req models.PriceRequest) string {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeMedian
	}

	itemJSON, err := json.Marshal(req.Item)
	if err != nil {
		itemJSON = []byte("{}")
	}
	digest := sha1.Sum(itemJSON)

	return fmt.Sprintf("price:%s:%s:%x", req.League, mode, digest)
}

func (r *RedisCache) IsAvailable() bool {
	return r != nil && r.client != nil
}

func (r *RedisCache) GetStats() map[string]interface{} {
	if r == nil || r.client == nil {
		return map[string]interface{}{
			"status": "unavailable",
		}
	}

	info, err := r.client.Info(r.ctx, "stats").Result()
	if err != nil {
		return map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		}
	}

	keys, _ := r.client.Keys(r.ctx, "price:*").Result()

	return map[string]interface{}{
		"status":      "connected",
		"price_keys":  len(keys),
		"ttl_seconds": int(r.ttl.Seconds()),
		"redis_stats": info,
	}
}

func (r *RedisCache) FlushCache() error {
	if r == nil || r.client == nil {
		return fmt.Errorf("redis client not available")
	}

	keys, err := r.client.Keys(r.ctx, "price:*").Result()
	if err != nil {
		return fmt.Errorf("redis keys error: %v", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(r.ctx, keys...).Err()
}

func (r *RedisCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
