package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one socket's server-side half. It implements types.Sender.
// Inbound frames are decoded serially by readPump, so events from one socket
// are strictly ordered; outbound writes are serialized by writePump.
type Client struct {
	conn wsConnection
	hub  *Hub
	id   types.SocketIDType

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// SocketID satisfies types.Sender.
func (c *Client) SocketID() types.SocketIDType {
	return c.id
}

// Send queues a frame for delivery. A full buffer is logged as a delivery
// failure but never blocks the caller.
func (c *Client) Send(frame *types.Frame) {
	c.enqueue(frame, false)
}

// SendVolatile queues a frame that may be silently dropped on backpressure.
func (c *Client) SendVolatile(frame *types.Frame) {
	c.enqueue(frame, true)
}

func (c *Client) enqueue(frame *types.Frame, volatile bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed socket", zap.String("socket_id", string(c.id)))
		return
	}
	c.mu.RUnlock()

	data, err := frame.Encode()
	if err != nil {
		logging.Error(context.Background(), "Failed to encode frame", zap.String("event", frame.Event), zap.Error(err))
		return
	}

	// The send channel may close concurrently with this enqueue.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closed socket", zap.String("socket_id", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		if volatile {
			metrics.DroppedFrames.WithLabelValues("volatile_backpressure").Inc()
			logging.GetLogger().Debug("Dropping volatile frame on backpressure", zap.String("socket_id", string(c.id)), zap.String("event", frame.Event))
		} else {
			metrics.DroppedFrames.WithLabelValues("buffer_full").Inc()
			logging.Warn(context.Background(), "Socket send buffer full - dropping frame",
				zap.String("socket_id", string(c.id)), zap.String("event", frame.Event))
		}
	}
}

// Close tears the socket down. Idempotent; the reason appears in the close
// frame sent to the client.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		logging.GetLogger().Debug("Closing socket", zap.String("socket_id", string(c.id)), zap.String("reason", reason))

		// Closing the channel makes writePump drain, send the close frame,
		// and close the connection.
		close(c.send)
	})
}

// readPump processes inbound frames until the socket dies. It owns the read
// deadline: every pong (and every frame) extends it.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to decode frame", zap.String("socket_id", string(c.id)), zap.Error(err))
			c.sendError("", "malformed frame", "INVALID_FRAME")
			continue
		}

		c.hub.dispatch(c, &frame)
	}
}

// writePump serializes outbound writes and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := 10 * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "Error writing frame", zap.String("socket_id", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError delivers an error envelope on the socket.
func (c *Client) sendError(event, message, code string) {
	frame, err := types.NewFrame("error", map[string]any{
		"event":   event,
		"message": message,
		"code":    code,
	})
	if err != nil {
		return
	}
	c.Send(frame)
}
