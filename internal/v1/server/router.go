// Package server is the transport adapter: it translates inbound client
// events into core commands and owns nothing beyond that mapping. The
// transport connection id doubles as the user id.
package server

import (
	"context"
	"encoding/json"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/chat"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/game"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/match"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/signaling"
	"go.uber.org/zap"
)

// Sender is the outbound transport surface the router needs directly.
type Sender interface {
	SendToUser(userID, event string, payload any)
	ConnectionCount() int
}

// EventLimiter is the per-(user, action) sliding-window budget applied to
// the matchmaking commands. The relays carry their own checks.
type EventLimiter interface {
	AllowEvent(ctx context.Context, userID, action string) bool
}

// Router dispatches decoded envelopes to the owning component.
type Router struct {
	matcher   *match.Service
	signaling *signaling.Relay
	chat      *chat.Relay
	games     *game.Relay
	sender    Sender
	limiter   EventLimiter
}

// NewRouter wires the adapter. It also hooks match teardown into the chat
// and game relays so a dissolved pair closes its side channels.
func NewRouter(matcher *match.Service, sig *signaling.Relay, chatRelay *chat.Relay, games *game.Relay, sender Sender, limiter EventLimiter) *Router {
	r := &Router{
		matcher:   matcher,
		signaling: sig,
		chat:      chatRelay,
		games:     games,
		sender:    sender,
		limiter:   limiter,
	}
	matcher.OnMatchEnded(func(roomID, departedID, remainingID, reason string) {
		ctx := logging.WithRoom(context.Background(), roomID)
		chatRelay.HandleMatchEnded(ctx, roomID)
		games.HandleMatchEnded(ctx, roomID, departedID)
	})
	return r
}

// HandleConnect registers a new user with the matchmaker.
func (r *Router) HandleConnect(ctx context.Context, userID string) {
	if err := r.matcher.HandleConnect(ctx, userID); err != nil {
		logging.Warn(ctx, "connect rejected", zap.Error(err))
	}
}

// HandleDisconnect runs the teardown path: chat leave first so the peer's
// chat-user-left precedes the peer-disconnected rematch churn.
func (r *Router) HandleDisconnect(ctx context.Context, userID string) {
	r.chat.HandleDisconnect(ctx, userID)
	r.matcher.HandleDisconnect(ctx, userID)
}

// HandleEvent routes one decoded envelope. Malformed payloads are dropped
// with a warn log; the sender stays connected.
func (r *Router) HandleEvent(ctx context.Context, userID string, env events.Envelope) {
	switch env.Event {
	case events.StartSearch, events.Skip, events.StopSearch:
		if r.limiter != nil && !r.limiter.AllowEvent(ctx, userID, env.Event) {
			metrics.RateLimitExceeded.WithLabelValues(env.Event, "user").Inc()
			r.sender.SendToUser(userID, events.ConnectionError,
				events.ConnectionErrorPayload{Message: "too many requests, slow down"})
			return
		}
	}

	switch env.Event {
	case events.StartSearch:
		r.matcher.StartSearch(ctx, userID)

	case events.Skip:
		r.matcher.Skip(ctx, userID)

	case events.StopSearch:
		r.matcher.StopSearch(ctx, userID)

	case events.Signal:
		var p events.SignalPayload
		if !decode(ctx, env, &p) {
			return
		}
		r.signaling.Relay(ctx, userID, p)

	case events.MatchAck:
		var p events.MatchAckPayload
		if !decode(ctx, env, &p) {
			return
		}
		logging.Debug(ctx, "match acknowledged", zap.String("match_id", p.MatchID))

	case events.JoinChat:
		var p events.RoomRef
		if !decode(ctx, env, &p) {
			return
		}
		r.chat.Join(ctx, userID, p.RoomID)

	case events.ChatMessage:
		var p events.ChatMessageIn
		if !decode(ctx, env, &p) {
			return
		}
		r.chat.Message(ctx, userID, p)

	case events.TypingStart, events.TypingStop:
		var p events.RoomRef
		if !decode(ctx, env, &p) {
			return
		}
		r.chat.Typing(ctx, userID, p.RoomID, env.Event == events.TypingStart)

	case events.GameInvite:
		var p events.GameInvitePayload
		if !decode(ctx, env, &p) {
			return
		}
		r.games.Invite(ctx, userID, p)

	case events.GameRespond:
		var p events.GameResponsePayload
		if !decode(ctx, env, &p) {
			return
		}
		r.games.Respond(ctx, userID, p)

	case events.GameAction:
		var p events.GameActionPayload
		if !decode(ctx, env, &p) {
			return
		}
		r.games.Action(ctx, userID, p)

	case events.DebugState:
		r.sendDebugInfo(userID)

	default:
		logging.Warn(ctx, "unknown event dropped", zap.String("event", env.Event))
	}
}

// sendDebugInfo answers a debug-state request with a registry snapshot.
func (r *Router) sendDebugInfo(userID string) {
	registry := r.matcher.Registry()
	r.sender.SendToUser(userID, events.DebugInfo, events.DebugInfoPayload{
		Connections: r.sender.ConnectionCount(),
		Waiting:     registry.WaitingSnapshot(),
		Matches:     registry.MatchesSnapshot(),
		ActiveGames: r.games.ActiveCount(),
	})
}

func decode(ctx context.Context, env events.Envelope, dst any) bool {
	if env.Payload == nil {
		logging.Warn(ctx, "event without payload dropped", zap.String("event", env.Event))
		return false
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		logging.Warn(ctx, "malformed payload dropped",
			zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}
