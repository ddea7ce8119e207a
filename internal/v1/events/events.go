// Package events defines the wire contract between clients and the server:
// event names, payload shapes, and the JSON envelope every frame uses.
//
// Inbound payloads arrive as raw JSON and are decoded per event by the
// router. Signaling payloads are intentionally opaque: the server forwards
// session descriptions and ICE candidates without parsing them.
package events

import "encoding/json"

// Client -> server events.
const (
	StartSearch = "start-search"
	Skip        = "skip"
	StopSearch  = "stop-search"
	Signal      = "signal"
	MatchAck    = "match-ready" // client ack of a match; no server effect
	JoinChat    = "join-chat"
	ChatMessage = "chat-message"
	TypingStart = "typing-start"
	TypingStop  = "typing-stop"
	GameInvite  = "game-invite"
	GameRespond = "game-response"
	GameAction  = "game-action"
	DebugState  = "debug-state"
)

// Server -> client events.
const (
	WaitingForPeer   = "waiting-for-peer"
	MatchReady       = "match-ready"
	PeerDisconnected = "peer-disconnected"
	PeerSkipped      = "peer-skipped"
	ConnectionError  = "connection-error"
	ChatJoined       = "chat-joined"
	ChatUserLeft     = "chat-user-left"
	GameStarted      = "game-started"
	GameMove         = "game-move"
	GameEnded        = "game-ended"
	GameExpired      = "game-expired"
	DebugInfo        = "debug-info"
)

// Envelope is the frame wrapper for every WebSocket message in either
// direction.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event and its payload into a wire-ready frame.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// --- Inbound payloads ---

// SignalPayload carries an opaque negotiation blob scoped to a room.
// Description and Candidate are never interpreted by the server.
type SignalPayload struct {
	RoomID      string          `json:"roomId"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// RoomRef scopes an event to a room (join-chat, typing-start/stop).
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// ChatMessageIn is a client chat message bound for the room partner.
type ChatMessageIn struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// MatchAckPayload is the client acknowledgment of a created match.
type MatchAckPayload struct {
	MatchID string `json:"matchId"`
}

// GameInvitePayload proposes a game to the room partner.
type GameInvitePayload struct {
	Game     string          `json:"game"`
	Settings json.RawMessage `json:"settings,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
}

// GameResponsePayload accepts or declines a pending invite.
type GameResponsePayload struct {
	Game     string `json:"game"`
	Accepted bool   `json:"accepted"`
	RoomID   string `json:"roomId,omitempty"`
}

// GameActionPayload is a typed in-game action. For tic-tac-toe the server
// referees "move", "rematch" and "cancel"; every other game is forwarded
// verbatim.
type GameActionPayload struct {
	Game   string          `json:"game"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
}

// --- Outbound payloads ---

// MatchReadyPayload announces a created pair to one participant.
type MatchReadyPayload struct {
	RoomID      string `json:"roomId"`
	IsInitiator bool   `json:"isInitiator"`
	PeerID      string `json:"peerId"`
}

// ConnectionErrorPayload is the only server-originated error surface.
type ConnectionErrorPayload struct {
	Message string `json:"message"`
}

// ChatMessageOut is a chat message delivered to a room participant.
type ChatMessageOut struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	IsSystem   bool   `json:"isSystem,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// TypingPayload relays a typing indicator.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// GameStartedPayload tells a player their symbol and turn order.
type GameStartedPayload struct {
	Game     string `json:"game"`
	RoomID   string `json:"roomId"`
	Symbol   string `json:"symbol"`
	YourTurn bool   `json:"yourTurn"`
	Opponent string `json:"opponent"`
}

// GameMovePayload broadcasts a refereed move.
type GameMovePayload struct {
	Game     string    `json:"game"`
	RoomID   string    `json:"roomId"`
	Position int       `json:"position"`
	Symbol   string    `json:"symbol"`
	Board    []*string `json:"board"`
	NextTurn string    `json:"nextTurn"`
}

// GameEndedPayload reports the terminal state of a refereed game.
type GameEndedPayload struct {
	Game   string    `json:"game"`
	RoomID string    `json:"roomId"`
	Winner string    `json:"winner,omitempty"`
	IsDraw bool      `json:"isDraw,omitempty"`
	Board  []*string `json:"board"`
	Reason string    `json:"reason,omitempty"`
}

// GameExpiredPayload notifies both players their idle game was reaped.
type GameExpiredPayload struct {
	Game   string `json:"game"`
	RoomID string `json:"roomId"`
}

// DebugInfoPayload is the debug-state response.
type DebugInfoPayload struct {
	Connections int               `json:"connections"`
	Waiting     []string          `json:"waiting"`
	Matches     map[string]string `json:"matches"`
	ActiveGames int               `json:"activeGames"`
}
