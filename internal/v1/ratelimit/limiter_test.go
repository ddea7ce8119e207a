package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitWsIP:        "3-M",
		RateLimitWindow:      time.Minute,
		RateLimitMaxRequests: 2,
	}
}

func TestNew_InvalidWsRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsIP = "not-a-rate"

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestAllowEvent_MemoryStore(t *testing.T) {
	l, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, l.AllowEvent(ctx, "user-a", "chat-message"))
	assert.True(t, l.AllowEvent(ctx, "user-a", "chat-message"))
	assert.False(t, l.AllowEvent(ctx, "user-a", "chat-message"), "third event in the window is over the limit")

	// Per-action and per-user windows are independent.
	assert.True(t, l.AllowEvent(ctx, "user-a", "signal"))
	assert.True(t, l.AllowEvent(ctx, "user-b", "chat-message"))
}

func TestAllowConnect_MemoryStore(t *testing.T) {
	l, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowConnect(ctx, "203.0.113.7"), "attempt %d", i+1)
	}
	assert.False(t, l.AllowConnect(ctx, "203.0.113.7"))
	assert.True(t, l.AllowConnect(ctx, "203.0.113.8"), "limit is per IP")
}

func TestAllowEvent_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l, err := New(testConfig(), client)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, l.AllowEvent(ctx, "user-a", "skip"))
	assert.True(t, l.AllowEvent(ctx, "user-a", "skip"))
	assert.False(t, l.AllowEvent(ctx, "user-a", "skip"))
}

func TestHTTPMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsIP = "2-M"
	l, err := New(cfg, nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.HTTPMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		req, _ := http.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	second := do()
	assert.Equal(t, http.StatusOK, second.Code)

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))
	assert.Contains(t, third.Body.String(), "too many requests")
}
