// Package ratelimit enforces connection and event rate limits backed by
// ulule/limiter, with a memory store by default and a redis store when the
// bus is enabled.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/config"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds the limiter instances for the two surfaces that need
// protection: WebSocket admission (per IP) and inbound events (per user
// and action).
type Limiter struct {
	wsIP  *limiter.Limiter
	event *limiter.Limiter
	http  *limiter.Limiter
	store limiter.Store
}

// New builds a Limiter from config. A nil redisClient selects the memory
// store, which is the normal single-instance deployment.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	eventRate := limiter.Rate{
		Period: cfg.RateLimitWindow,
		Limit:  int64(cfg.RateLimitMaxRequests),
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &Limiter{
		wsIP:  limiter.New(store, wsIPRate),
		event: limiter.New(store, eventRate),
		http:  limiter.New(store, wsIPRate),
		store: store,
	}, nil
}

// AllowConnect checks the per-IP WebSocket admission limit. Store errors
// fail open.
func (l *Limiter) AllowConnect(ctx context.Context, ip string) bool {
	lctx, err := l.wsIP.Get(ctx, "ws:"+ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}
	return !lctx.Reached
}

// AllowEvent checks the sliding-window limit for one (user, action) pair.
// The caller is responsible for dropping the event and emitting the
// rate-limit metric on a false return.
func (l *Limiter) AllowEvent(ctx context.Context, userID, action string) bool {
	lctx, err := l.event.Get(ctx, "evt:"+userID+":"+action)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}
	return !lctx.Reached
}

// HTTPMiddleware enforces a per-IP limit on the HTTP surface and sets the
// standard X-RateLimit headers.
func (l *Limiter) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := l.http.Get(ctx, "http:"+c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}
