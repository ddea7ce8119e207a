// Package chat runs the text channel that rides alongside each match. It
// tracks who has joined the chat surface of a room, relays messages and
// typing indicators to the other participant, and injects the system
// messages for pair-connected and user-left moments.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Display names on the wire. Users are anonymous, so the peer is always
// the stranger.
const (
	systemSenderID   = "system"
	systemSenderName = "System"
	peerSenderName   = "Stranger"
)

// Sender delivers events to users and rooms. Implemented by the transport
// hub.
type Sender interface {
	SendToUser(userID, event string, payload any)
	TouchRoom(roomID string)
}

// EventLimiter is the per-(user, action) sliding-window budget.
type EventLimiter interface {
	AllowEvent(ctx context.Context, userID, action string) bool
}

// Relay owns chat participation state. It is independent of the match
// registry: chat membership is explicit (join-chat) rather than implied
// by the pairing, so a client that never opens the chat panel never
// receives chat traffic.
type Relay struct {
	mu      sync.Mutex
	rooms   map[string]map[string]struct{} // roomID -> participant ids
	byUser  map[string]string              // userID -> joined roomID
	sender  Sender
	limiter EventLimiter
	now     func() time.Time
}

// NewRelay creates the chat relay.
func NewRelay(sender Sender, limiter EventLimiter) *Relay {
	return &Relay{
		rooms:   make(map[string]map[string]struct{}),
		byUser:  make(map[string]string),
		sender:  sender,
		limiter: limiter,
		now:     time.Now,
	}
}

// Join registers a user in a room's chat. Idempotent per (user, room); a
// join to a different room leaves the previous one first. When the second
// participant arrives, both sides get a system message announcing the
// pair is connected.
func (r *Relay) Join(ctx context.Context, userID, roomID string) {
	if roomID == "" {
		logging.Warn(ctx, "join-chat without roomId dropped")
		return
	}

	r.mu.Lock()
	if prev, ok := r.byUser[userID]; ok {
		if prev == roomID {
			r.mu.Unlock()
			r.sender.SendToUser(userID, events.ChatJoined, events.RoomRef{RoomID: roomID})
			return
		}
		r.leaveLocked(userID, prev)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[userID] = struct{}{}
	r.byUser[userID] = roomID

	var participants []string
	for id := range members {
		participants = append(participants, id)
	}
	r.mu.Unlock()

	r.sender.SendToUser(userID, events.ChatJoined, events.RoomRef{RoomID: roomID})
	logging.Info(ctx, "user joined chat", zap.String("room_id", roomID))

	if len(participants) == 2 {
		msg := r.systemMessage(roomID, "You are now connected. Say hi!")
		for _, id := range participants {
			r.sender.SendToUser(id, events.ChatMessage, msg)
		}
	}
}

// Message relays a chat message to the other participant. The sender never
// receives its own message back.
func (r *Relay) Message(ctx context.Context, userID string, in events.ChatMessageIn) {
	if in.RoomID == "" || in.Message == "" {
		logging.Warn(ctx, "malformed chat-message dropped")
		return
	}

	if r.limiter != nil && !r.limiter.AllowEvent(ctx, userID, events.ChatMessage) {
		metrics.RateLimitExceeded.WithLabelValues(events.ChatMessage, "user").Inc()
		r.sender.SendToUser(userID, events.ConnectionError,
			events.ConnectionErrorPayload{Message: "too many messages, slow down"})
		return
	}

	others := r.othersInRoom(userID, in.RoomID)
	if others == nil {
		logging.Warn(ctx, "chat-message from non-participant dropped", zap.String("room_id", in.RoomID))
		metrics.RelayedMessages.WithLabelValues("chat", "rejected").Inc()
		return
	}

	out := events.ChatMessageOut{
		ID:         uuid.New().String(),
		RoomID:     in.RoomID,
		SenderID:   userID,
		SenderName: peerSenderName,
		Content:    in.Message,
		Timestamp:  r.now().UnixMilli(),
	}
	for _, id := range others {
		r.sender.SendToUser(id, events.ChatMessage, out)
	}
	r.sender.TouchRoom(in.RoomID)
	metrics.RelayedMessages.WithLabelValues("chat", "ok").Inc()
}

// Typing relays a typing indicator to the other participant.
func (r *Relay) Typing(ctx context.Context, userID, roomID string, start bool) {
	if roomID == "" {
		return
	}
	others := r.othersInRoom(userID, roomID)
	if others == nil {
		return
	}

	event := events.TypingStop
	if start {
		event = events.TypingStart
	}
	payload := events.TypingPayload{RoomID: roomID, UserID: userID}
	for _, id := range others {
		r.sender.SendToUser(id, event, payload)
	}
}

// HandleMatchEnded tears down a room's chat when the pair dissolves. The
// remaining participant, if any, gets a chat-user-left system message.
func (r *Relay) HandleMatchEnded(ctx context.Context, roomID string) {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	var remaining []string
	if ok {
		for id := range members {
			remaining = append(remaining, id)
			delete(r.byUser, id)
		}
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	msg := r.systemMessage(roomID, "Stranger has left the chat.")
	for _, id := range remaining {
		r.sender.SendToUser(id, events.ChatUserLeft, msg)
	}
}

// HandleDisconnect removes a departed user from chat and tells the
// remaining participant they left.
func (r *Relay) HandleDisconnect(ctx context.Context, userID string) {
	r.mu.Lock()
	roomID, ok := r.byUser[userID]
	var remaining []string
	if ok {
		r.leaveLocked(userID, roomID)
		for id := range r.rooms[roomID] {
			remaining = append(remaining, id)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	msg := r.systemMessage(roomID, "Stranger has left the chat.")
	for _, id := range remaining {
		r.sender.SendToUser(id, events.ChatUserLeft, msg)
	}
}

// Participants returns who has joined a room's chat.
func (r *Relay) Participants(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Relay) leaveLocked(userID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.byUser, userID)
}

// othersInRoom returns the other participants, or nil when the user is
// not a participant of the room.
func (r *Relay) othersInRoom(userID, roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	if _, in := members[userID]; !in {
		return nil
	}
	others := make([]string, 0, 1)
	for id := range members {
		if id != userID {
			others = append(others, id)
		}
	}
	return others
}

func (r *Relay) systemMessage(roomID, content string) events.ChatMessageOut {
	return events.ChatMessageOut{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   systemSenderID,
		SenderName: systemSenderName,
		Content:    content,
		IsSystem:   true,
		Timestamp:  r.now().UnixMilli(),
	}
}
