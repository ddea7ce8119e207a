// Package signaling forwards negotiation blobs (session descriptions and
// ICE candidates) between the two sides of a match. The blobs are opaque:
// the relay validates the pair, not the payload.
package signaling

import (
	"context"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/match"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"go.uber.org/zap"
)

// Sender delivers events to connected users. Implemented by the transport
// hub.
type Sender interface {
	SendToUser(userID, event string, payload any)
	TouchRoom(roomID string)
}

// EventLimiter is the per-(user, action) sliding-window budget.
type EventLimiter interface {
	AllowEvent(ctx context.Context, userID, action string) bool
}

// Resetter is the escape hatch for pair-state inconsistencies. Implemented
// by the matchmaker.
type Resetter interface {
	ResetPair(ctx context.Context, fromID, partnerID, reason string)
}

// Relay validates and forwards signaling frames.
type Relay struct {
	registry *match.Registry
	sender   Sender
	limiter  EventLimiter
	resetter Resetter
}

// NewRelay wires the relay against the shared registry.
func NewRelay(registry *match.Registry, sender Sender, limiter EventLimiter, resetter Resetter) *Relay {
	return &Relay{
		registry: registry,
		sender:   sender,
		limiter:  limiter,
		resetter: resetter,
	}
}

// Relay forwards one signaling frame from fromID to its partner. The
// contract is checked in order: sender matched, roomId present, partner
// link bidirectional, rate budget. The pair check runs on a read-locked
// snapshot so forwarding does not serialize with the matchmaker.
func (r *Relay) Relay(ctx context.Context, fromID string, payload events.SignalPayload) {
	// The pair check deliberately precedes payload validation: a sender in
	// an inconsistent pairing needs the reset path regardless of what its
	// frame looks like, while a bad frame from a healthy pair is only a
	// protocol violation.
	pair, err := r.registry.PairSnapshot(fromID)
	if err != nil {
		r.reject(ctx, fromID, err)
		return
	}

	if payload.RoomID == "" {
		logging.Warn(ctx, "signal without roomId dropped")
		metrics.RelayedMessages.WithLabelValues("signal", "rejected").Inc()
		r.sender.SendToUser(fromID, events.ConnectionError,
			events.ConnectionErrorPayload{Message: "signal requires a roomId"})
		return
	}

	if r.limiter != nil && !r.limiter.AllowEvent(ctx, fromID, events.Signal) {
		metrics.RateLimitExceeded.WithLabelValues(events.Signal, "user").Inc()
		metrics.RelayedMessages.WithLabelValues("signal", "rejected").Inc()
		r.sender.SendToUser(fromID, events.ConnectionError,
			events.ConnectionErrorPayload{Message: "too many signals, slow down"})
		return
	}

	r.sender.SendToUser(pair.Partner.ID, events.Signal, payload)
	r.sender.TouchRoom(payload.RoomID)
	metrics.RelayedMessages.WithLabelValues("signal", "ok").Inc()
}

// reject handles a failed pair check. A broken bidirectional link means
// both users are in an inconsistent state and get reset; a sender that
// simply is not matched is told and reset alone.
func (r *Relay) reject(ctx context.Context, fromID string, err error) {
	metrics.RelayedMessages.WithLabelValues("signal", "rejected").Inc()

	partnerID := ""
	if u, ok := r.registry.Get(fromID); ok {
		partnerID = u.MatchedWith
	}

	logging.Warn(ctx, "signal relay rejected",
		zap.String("from", fromID), zap.Error(err))
	r.resetter.ResetPair(ctx, fromID, partnerID, "signaling failed, searching for a new match")
}
