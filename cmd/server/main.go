package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"item-pricing-api/internal/models"
	"item-pricing-api/internal/services"
	"item-pricing-api/internal/trade"
	"item-pricing-api/pkg/cache"
)

var (
	rateLimiters = make(map[string]*rate.Limiter)
	rateMutex    = &sync.RWMutex{}
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	pricingService := services.NewPricingService()
	redisCache := cache.NewRedisCache()

	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Add request ID middleware
	r.Use(func(c *gin.Context) {
		requestID := fmt.Sprintf("%d", time.Now().UnixNano())
		c.Header("X-Request-ID", requestID)
		start := time.Now()
		c.Next()
		log.Printf("[%s] %s %s - %v - %d",
			requestID, c.Request.Method, c.Request.URL.Path,
			time.Since(start), c.Writer.Status())
	})

	// Add rate limiting middleware
	r.Use(rateLimitMiddleware())

	// Health check with cache status
	r.GET("/health", func(c *gin.Context) {
		health := gin.H{
			"status":  "healthy",
			"service": "item-pricing-api",
			"version": "1.0.0",
		}

		if redisCache.IsAvailable() {
			health["cache"] = "redis connected"
		} else {
			health["cache"] = "redis unavailable"
		}

		c.JSON(http.StatusOK, health)
	})

	// Rate limit status endpoint
	r.GET("/rate-limit/status", func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := getRateLimiter(ip)

		c.JSON(http.StatusOK, gin.H{
			"ip":               ip,
			"limit_per_second": limiter.Limit(),
			"burst_capacity":   limiter.Burst(),
			"tokens_available": limiter.Tokens(),
		})
	})

	// Cache stats endpoint
	r.GET("/cache/stats", func(c *gin.Context) {
		if !redisCache.IsAvailable() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "cache not available",
			})
			return
		}

		c.JSON(http.StatusOK, redisCache.GetStats())
	})

	// Cache flush endpoint (for testing)
	r.DELETE("/cache/flush", func(c *gin.Context) {
		if !redisCache.IsAvailable() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "cache not available",
			})
			return
		}

		if err := redisCache.FlushCache(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "failed to flush cache",
				"details": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":   "cache flushed successfully",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Pricing endpoint
	r.POST("/price", func(c *gin.Context) {
		var req models.PriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "invalid_request",
				Code:    http.StatusBadRequest,
				Message: "request body must be valid JSON",
				Details: err.Error(),
			})
			return
		}

		response, err := pricingService.PriceItem(c.Request.Context(), req)
		if err != nil {
			log.Printf("Pricing error: %v", err)
			status, code := classifyFailure(err)
			c.JSON(status, models.ErrorResponse{
				Error:   code,
				Code:    status,
				Message: err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, response)
	})

	// API info endpoint
	r.GET("/api/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        "Item Pricing API",
			"version":     "1.0.0",
			"description": "Prices game items against the trade search service",
			"features":    []string{"Query construction", "Retry with query relaxation", "Robust price aggregation", "Redis caching"},
			"endpoints": map[string]string{
				"POST /price":      "Price an item description in a league",
				"GET /health":      "Health check",
				"GET /cache/stats": "Cache statistics",
				"GET /api/info":    "API information",
			},
			"modes": []string{models.ModeMedian, models.ModeLowest},
		})
	})

	log.Printf("Starting pricing server on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// classifyFailure maps pipeline errors to a response status. A failed
// request is never shaped like an empty-but-successful one.
func classifyFailure(err error) (int, string) {
	var validation *services.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, "validation_failed"
	}

	var upstream *trade.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Kind == trade.KindBadShape {
			return http.StatusInternalServerError, "upstream_contract_changed"
		}
		return http.StatusBadGateway, "upstream_failed"
	}

	return http.StatusBadGateway, "pricing_failed"
}

func getRateLimiter(ip string) *rate.Limiter {
	rateMutex.RLock()
	limiter, exists := rateLimiters[ip]
	rateMutex.RUnlock()

	if !exists {
		rateMutex.Lock()
		limiter = rate.NewLimiter(rate.Limit(10), 20) // 10 req/sec, burst 20
		rateLimiters[ip] = limiter
		rateMutex.Unlock()
	}

	return limiter
}

func rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := getRateLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests from your IP",
				"retry_after": "1 second",
				"ip":          ip,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
