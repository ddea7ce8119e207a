package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
// In production it is satisfied by *websocket.Conn; tests substitute mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Client represents a single user's connection. Each client runs two
// goroutines: readPump decodes inbound frames and hands them to the
// router, writePump drains the buffered send channel.
type Client struct {
	conn wsConnection
	hub  *Hub
	ID   string
	ip   string

	send chan []byte

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Disconnect closes the send channel, which lets writePump drain, emit a
// close frame, and shut the connection down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Send encodes and queues one event frame. The channel is buffered; a full
// buffer drops the frame rather than blocking the caller.
func (c *Client) Send(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := events.Encode(event, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	// Safety net against a send racing Disconnect's channel close.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send to closed client", zap.String("clientId", c.ID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send channel full - dropping frame", zap.String("clientId", c.ID), zap.String("event", event))
	}
}

// readPump continuously processes incoming WebSocket frames from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logging.Warn(context.Background(), "malformed frame dropped", zap.String("clientId", c.ID), zap.Error(err))
			continue
		}

		ctx := logging.WithUser(context.Background(), c.ID)
		c.hub.router.HandleEvent(ctx, c.ID, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
