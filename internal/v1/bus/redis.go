// Package bus publishes match lifecycle events to an optional redis
// channel so external observers (moderation tooling, analytics) can follow
// pairing activity. The core never depends on it: a nil *Service is a
// valid no-op bus and the deployment default.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Channel carries every match lifecycle event.
const Channel = "satoshigle:matches"

// Message is the envelope published for each lifecycle event.
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Service wraps the redis client behind a circuit breaker. All methods are
// nil-safe so callers never branch on whether the bus is enabled.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying redis client, nil when the bus is off.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to redis and verifies the connection with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis bus", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// PublishMatchEvent publishes one lifecycle event. An open breaker drops
// the event instead of failing the caller: the bus is observability, not
// state.
func (s *Service) PublishMatchEvent(ctx context.Context, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}

		msg := Message{
			Event:     event,
			Payload:   inner,
			Timestamp: time.Now().UnixMilli(),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, Channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, dropping event", zap.String("event", event))
			return nil
		}
		logging.Error(ctx, "redis publish failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// Ping verifies redis connectivity, used by the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
