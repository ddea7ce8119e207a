package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the peer-matching server.
//
// Naming convention: namespace_subsystem_name
// - namespace: satoshigle (application-level grouping)
// - subsystem: websocket, matchmaking, relay, game (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, waiting users, matches)
// - Counter: Cumulative events (matches created, skips, relayed messages)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "satoshigle",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WaitingUsers tracks the current size of the matchmaking queue
	WaitingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "satoshigle",
		Subsystem: "matchmaking",
		Name:      "waiting_users",
		Help:      "Current number of users in the waiting queue",
	})

	// ActiveMatches tracks the current number of live pairings
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "satoshigle",
		Subsystem: "matchmaking",
		Name:      "matches_active",
		Help:      "Current number of matched pairs",
	})

	// MatchesCreated counts matches since process start
	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "satoshigle",
		Subsystem: "matchmaking",
		Name:      "matches_created_total",
		Help:      "Total matches created",
	})

	// Skips counts skip commands processed
	Skips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "satoshigle",
		Subsystem: "matchmaking",
		Name:      "skips_total",
		Help:      "Total skip commands processed",
	})

	// RelayedMessages counts forwarded messages by channel and status
	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satoshigle",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Total relayed messages by channel",
	}, []string{"channel", "status"})

	// RateLimitExceeded counts rejected events by action and key type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satoshigle",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total rate limited events",
	}, []string{"action", "limit_type"})

	// AbandonedRoomsSwept counts rooms removed by the supervisor sweep
	AbandonedRoomsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "satoshigle",
		Subsystem: "matchmaking",
		Name:      "abandoned_rooms_swept_total",
		Help:      "Total abandoned rooms cleaned by the sweeper",
	})

	// ActiveGames tracks refereed games currently in progress
	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "satoshigle",
		Subsystem: "game",
		Name:      "games_active",
		Help:      "Current number of refereed games",
	})

	// CircuitBreakerState exposes the redis bus breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "satoshigle",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
