// Package game relays game traffic between the two sides of a match and
// referees tic-tac-toe on the server. Every other game the client ships
// is forwarded verbatim: the server only guarantees delivery to the
// opposite participant, never back to the sender.
package game

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/match"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"go.uber.org/zap"
)

// TicTacToeName is the one game the server referees.
const TicTacToeName = "tictactoe"

// Refereed action types.
const (
	actionMove    = "move"
	actionRematch = "rematch"
	actionCancel  = "cancel"
)

// Sender delivers events to users and exposes room membership for the
// fallback partner lookup. Implemented by the transport hub.
type Sender interface {
	SendToUser(userID, event string, payload any)
	RoomMembers(roomID string) []string
	TouchRoom(roomID string)
}

// EventLimiter is the per-(user, action) sliding-window budget.
type EventLimiter interface {
	AllowEvent(ctx context.Context, userID, action string) bool
}

// Relay routes invites, responses and actions, and drives the tic-tac-toe
// referee. Referee state transitions are serialized under one mutex; the
// forwarding paths only need the pair lookup.
type Relay struct {
	mu       sync.Mutex
	registry *match.Registry
	games    *registry
	sender   Sender
	limiter  EventLimiter
	rng      *rand.Rand
	now      func() time.Time
}

// NewRelay wires the game relay against the shared match registry.
func NewRelay(matchRegistry *match.Registry, sender Sender, limiter EventLimiter) *Relay {
	return &Relay{
		registry: matchRegistry,
		games:    newRegistry(),
		sender:   sender,
		limiter:  limiter,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Invite forwards a game proposal to the partner.
func (r *Relay) Invite(ctx context.Context, fromID string, payload events.GameInvitePayload) {
	if payload.Game == "" {
		logging.Warn(ctx, "game-invite without game name dropped")
		return
	}
	partnerID, roomID, ok := r.resolvePartner(fromID, payload.RoomID)
	if !ok {
		logging.Warn(ctx, "game-invite with no reachable partner dropped", zap.String("game", payload.Game))
		return
	}
	payload.RoomID = roomID
	r.sender.SendToUser(partnerID, events.GameInvite, payload)
	r.sender.TouchRoom(roomID)
	metrics.RelayedMessages.WithLabelValues("game", "ok").Inc()
}

// Respond forwards the answer to an invite. An accepted tic-tac-toe
// invite also starts a refereed game: symbols are assigned randomly and
// both players learn their symbol and turn order.
func (r *Relay) Respond(ctx context.Context, fromID string, payload events.GameResponsePayload) {
	partnerID, roomID, ok := r.resolvePartner(fromID, payload.RoomID)
	if !ok {
		logging.Warn(ctx, "game-response with no reachable partner dropped", zap.String("game", payload.Game))
		return
	}
	payload.RoomID = roomID
	r.sender.SendToUser(partnerID, events.GameRespond, payload)

	if !payload.Accepted || payload.Game != TicTacToeName {
		return
	}

	r.mu.Lock()
	g := newTicTacToe(roomID, fromID, partnerID, r.rng, r.now)
	r.games.put(g)
	r.notifyStarted(g)
	r.mu.Unlock()

	logging.Info(ctx, "tic-tac-toe started", zap.String("room_id", roomID))
}

// Action dispatches one game action: tic-tac-toe move/rematch/cancel are
// refereed, everything else is forwarded verbatim to the partner.
func (r *Relay) Action(ctx context.Context, fromID string, payload events.GameActionPayload) {
	if r.limiter != nil && !r.limiter.AllowEvent(ctx, fromID, events.GameAction) {
		metrics.RateLimitExceeded.WithLabelValues(events.GameAction, "user").Inc()
		r.sender.SendToUser(fromID, events.ConnectionError,
			events.ConnectionErrorPayload{Message: "too many game actions, slow down"})
		return
	}

	if payload.Game == TicTacToeName {
		switch payload.Type {
		case actionMove:
			r.handleMove(ctx, fromID, payload)
			return
		case actionRematch:
			r.handleRematch(ctx, fromID, payload)
			return
		case actionCancel:
			r.handleCancel(ctx, fromID, payload)
			return
		}
	}

	partnerID, roomID, ok := r.resolvePartner(fromID, payload.RoomID)
	if !ok {
		logging.Warn(ctx, "game-action with no reachable partner dropped", zap.String("game", payload.Game))
		return
	}
	payload.RoomID = roomID
	r.sender.SendToUser(partnerID, events.GameAction, payload)
	r.sender.TouchRoom(roomID)
	metrics.RelayedMessages.WithLabelValues("game", "ok").Inc()
}

// HandleMatchEnded cancels a room's game when the pair dissolves and
// notifies the player who stayed behind.
func (r *Relay) HandleMatchEnded(ctx context.Context, roomID, departedID string) {
	r.mu.Lock()
	g, ok := r.games.remove(roomID)
	if !ok {
		r.mu.Unlock()
		return
	}
	g.Cancel()
	ended := events.GameEndedPayload{
		Game:   TicTacToeName,
		RoomID: roomID,
		Board:  g.WireBoard(),
		Reason: "opponent-left",
	}
	players := g.Players()
	r.mu.Unlock()

	for _, id := range players {
		if id == departedID {
			continue
		}
		r.sender.SendToUser(id, events.GameEnded, ended)
	}
}

// ReapIdle drops games without a move for longer than expiry and notifies
// both players. Called by the supervisor.
func (r *Relay) ReapIdle(ctx context.Context, expiry time.Duration) int {
	r.mu.Lock()
	reaped := r.games.reapIdle(expiry, r.now())
	r.mu.Unlock()

	for _, g := range reaped {
		payload := events.GameExpiredPayload{Game: TicTacToeName, RoomID: g.RoomID}
		for _, id := range g.Players() {
			r.sender.SendToUser(id, events.GameExpired, payload)
		}
		logging.Info(ctx, "idle game reaped", zap.String("room_id", g.RoomID))
	}
	return len(reaped)
}

// ActiveCount returns the number of refereed games in progress.
func (r *Relay) ActiveCount() int {
	return r.games.count()
}

func (r *Relay) handleMove(ctx context.Context, fromID string, payload events.GameActionPayload) {
	var data struct {
		Position int `json:"position"`
	}
	if payload.Data == nil || json.Unmarshal(payload.Data, &data) != nil {
		logging.Warn(ctx, "malformed move dropped")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, roomID, ok := r.gameFor(fromID, payload.RoomID)
	if !ok {
		logging.Warn(ctx, "move for unknown game dropped", zap.String("room_id", payload.RoomID))
		return
	}

	symbol := g.Symbol(fromID)
	if err := g.Move(fromID, data.Position); err != nil {
		logging.Warn(ctx, "move rejected",
			zap.Int("position", data.Position), zap.Error(err))
		return
	}

	movePayload := events.GameMovePayload{
		Game:     TicTacToeName,
		RoomID:   roomID,
		Position: data.Position,
		Symbol:   symbol,
		Board:    g.WireBoard(),
		NextTurn: g.CurrentTurn(),
	}
	for _, id := range g.Players() {
		r.sender.SendToUser(id, events.GameMove, movePayload)
	}
	r.sender.TouchRoom(roomID)

	if g.Completed() {
		ended := events.GameEndedPayload{
			Game:   TicTacToeName,
			RoomID: roomID,
			Winner: g.Winner(),
			IsDraw: g.IsDraw(),
			Board:  g.WireBoard(),
		}
		for _, id := range g.Players() {
			r.sender.SendToUser(id, events.GameEnded, ended)
		}
	}
}

func (r *Relay) handleRematch(ctx context.Context, fromID string, payload events.GameActionPayload) {
	r.mu.Lock()
	g, roomID, ok := r.gameFor(fromID, payload.RoomID)
	if !ok {
		r.mu.Unlock()
		logging.Warn(ctx, "rematch for unknown game dropped", zap.String("room_id", payload.RoomID))
		return
	}
	g.Rematch()
	r.notifyStarted(g)
	r.mu.Unlock()

	logging.Info(ctx, "tic-tac-toe rematch", zap.String("room_id", roomID))
}

func (r *Relay) handleCancel(ctx context.Context, fromID string, payload events.GameActionPayload) {
	r.mu.Lock()
	g, roomID, ok := r.gameFor(fromID, payload.RoomID)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.games.remove(roomID)
	g.Cancel()
	ended := events.GameEndedPayload{
		Game:   TicTacToeName,
		RoomID: roomID,
		Board:  g.WireBoard(),
		Reason: "cancelled",
	}
	opponentID := g.Opponent(fromID)
	r.mu.Unlock()

	r.sender.SendToUser(opponentID, events.GameEnded, ended)
}

// notifyStarted sends each player their symbol and turn order. Callers
// hold r.mu so the snapshot cannot interleave with a concurrent move.
func (r *Relay) notifyStarted(g *TicTacToe) {
	for _, id := range g.Players() {
		symbol := g.Symbol(id)
		r.sender.SendToUser(id, events.GameStarted, events.GameStartedPayload{
			Game:     TicTacToeName,
			RoomID:   g.RoomID,
			Symbol:   symbol,
			YourTurn: symbol == g.CurrentTurn(),
			Opponent: g.Opponent(id),
		})
	}
}

// gameFor finds the caller's game: by explicit room id when given,
// otherwise by the caller's current match room.
func (r *Relay) gameFor(fromID, roomID string) (*TicTacToe, string, bool) {
	if roomID == "" {
		if u, ok := r.registry.Get(fromID); ok {
			roomID = u.RoomID
		}
	}
	if roomID == "" {
		return nil, "", false
	}
	g, ok := r.games.get(roomID)
	if !ok || g.Symbol(fromID) == "" {
		return nil, "", false
	}
	return g, roomID, true
}

// resolvePartner finds who should receive a forwarded frame. The match
// registry is authoritative; when the pair lookup races a disconnect, the
// other socket in the transport room is the fallback.
func (r *Relay) resolvePartner(fromID, roomID string) (partnerID, resolvedRoom string, ok bool) {
	if pair, err := r.registry.PairSnapshot(fromID); err == nil {
		return pair.Partner.ID, pair.From.RoomID, true
	}
	if roomID == "" {
		return "", "", false
	}
	for _, id := range r.sender.RoomMembers(roomID) {
		if id != fromID {
			return id, roomID, true
		}
	}
	return "", "", false
}
