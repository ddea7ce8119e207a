package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router receives decoded transport events. It is implemented by the
// server package, which translates event names into core commands.
type Router interface {
	HandleConnect(ctx context.Context, userID string)
	HandleDisconnect(ctx context.Context, userID string)
	HandleEvent(ctx context.Context, userID string, env events.Envelope)
}

// roomState tracks one transport-level room: its member set and the last
// time anything moved through it, which the abandoned-room sweep keys on.
type roomState struct {
	members      map[string]struct{}
	lastActivity time.Time
}

// RoomInfo is a read-only room snapshot for the supervisor.
type RoomInfo struct {
	Members      []string
	LastActivity time.Time
}

// Hub owns every live connection and the room membership index. It is the
// single implementation of the Notifier surface the matchmaker and relays
// drive: direct sends, room joins/leaves, and room-scoped broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*roomState
	ipConns map[string]int

	router         Router
	rateLimiter    *ratelimit.Limiter
	allowedOrigins []string
	perIPCap       int
}

// NewHub creates a hub. The router must be attached with SetRouter before
// ServeWs is exposed.
func NewHub(rateLimiter *ratelimit.Limiter, allowedOrigins []string, perIPCap int) *Hub {
	return &Hub{
		clients:        make(map[string]*Client),
		rooms:          make(map[string]*roomState),
		ipConns:        make(map[string]int),
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
		perIPCap:       perIPCap,
	}
}

// SetRouter attaches the event router. Separate from the constructor
// because the router itself needs the hub to send with.
func (h *Hub) SetRouter(r Router) {
	h.router = r
}

// ServeWs admits a connection: per-IP cap, connect rate limit, origin
// check, upgrade, then client registration and pump start.
func (h *Hub) ServeWs(c *gin.Context) {
	ip := c.ClientIP()

	if !h.admitIP(ip) {
		logging.Warn(c.Request.Context(), "per-IP connection cap exceeded", zap.String("ip", ip))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.AllowConnect(c.Request.Context(), ip) {
		h.releaseIP(ip)
		metrics.RateLimitExceeded.WithLabelValues("connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		h.releaseIP(ip)
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		h.releaseIP(ip)
		return
	}

	h.HandleConnection(conn, ip)
}

// HandleConnection registers an established connection under a fresh user
// id and starts its pumps. Split from ServeWs so tests can drive mock
// connections through the full lifecycle.
func (h *Hub) HandleConnection(conn wsConnection, ip string) *Client {
	client := &Client{
		conn: conn,
		hub:  h,
		ID:   uuid.New().String(),
		ip:   ip,
		send: make(chan []byte, 256),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	metrics.IncConnection()
	ctx := logging.WithUser(context.Background(), client.ID)
	logging.Info(ctx, "client connected", zap.String("ip", ip))

	h.router.HandleConnect(ctx, client.ID)

	go client.writePump()
	go client.readPump()
	return client
}

// handleClientDisconnect tears down a client exactly once: registry entry,
// room membership, per-IP count, then the core disconnect path.
func (h *Hub) handleClientDisconnect(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.ID]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	for _, room := range h.rooms {
		delete(room.members, c.ID)
	}
	h.mu.Unlock()

	h.releaseIP(c.ip)
	c.Disconnect()

	ctx := logging.WithUser(context.Background(), c.ID)
	logging.Info(ctx, "client disconnected")
	h.router.HandleDisconnect(ctx, c.ID)
}

// SendToUser delivers one event to one connected user. Unknown ids are
// dropped silently: disconnect races are normal.
func (h *Hub) SendToUser(userID, event string, payload any) {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.Send(event, payload)
}

// JoinRoom adds a user to a room, creating it on first join, and leaves
// any other room the user was in: a client is in at most one pairing room.
func (h *Hub) JoinRoom(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, room := range h.rooms {
		if id == roomID {
			continue
		}
		delete(room.members, userID)
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = &roomState{members: make(map[string]struct{})}
		h.rooms[roomID] = room
	}
	room.members[userID] = struct{}{}
	room.lastActivity = time.Now()
}

// LeaveRoom removes a user from a room, dropping the room once empty.
func (h *Hub) LeaveRoom(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room.members, userID)
	if len(room.members) == 0 {
		delete(h.rooms, roomID)
	}
}

// BroadcastToRoom sends an event to every room member except excludeID.
// Takes the write lock: the activity timestamp is mutated.
func (h *Hub) BroadcastToRoom(roomID, excludeID, event string, payload any) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	var targets []*Client
	if ok {
		room.lastActivity = time.Now()
		for id := range room.members {
			if id == excludeID {
				continue
			}
			if client, exists := h.clients[id]; exists {
				targets = append(targets, client)
			}
		}
	}
	h.mu.Unlock()

	for _, client := range targets {
		client.Send(event, payload)
	}
}

// RoomMembers returns the member ids of a room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	return members
}

// TouchRoom refreshes a room's activity timestamp.
func (h *Hub) TouchRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		room.lastActivity = time.Now()
	}
}

// RoomsSnapshot returns a copy of the room index for the supervisor.
func (h *Hub) RoomsSnapshot() map[string]RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snapshot := make(map[string]RoomInfo, len(h.rooms))
	for id, room := range h.rooms {
		members := make([]string, 0, len(room.members))
		for m := range room.members {
			members = append(members, m)
		}
		snapshot[id] = RoomInfo{Members: members, LastActivity: room.lastActivity}
	}
	return snapshot
}

// DropRoom evicts all members of a room and removes it. Used by the
// abandoned-room sweep.
func (h *Hub) DropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown notifies and disconnects every client.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Send(events.ConnectionError, events.ConnectionErrorPayload{Message: "server shutting down"})
		c.Disconnect()
	}

	logging.Info(ctx, "all clients disconnected", zap.Int("count", len(clients)))
	return nil
}

// admitIP reserves a connection slot for an IP, enforcing the per-IP cap.
func (h *Hub) admitIP(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perIPCap > 0 && h.ipConns[ip] >= h.perIPCap {
		return false
	}
	h.ipConns[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipConns[ip] <= 1 {
		delete(h.ipConns, ip)
	} else {
		h.ipConns[ip]--
	}
}
