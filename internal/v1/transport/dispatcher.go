package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
	"github.com/signalmesh/gateway/internal/v1/rooms"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// registerGrace is how long a socket lives after a failed registration, so
// the failure ack can flush before the close frame.
const registerGrace = 500 * time.Millisecond

// dispatch routes one inbound frame. Handler failures become error
// envelopes on the socket and never propagate.
func (h *Hub) dispatch(client *Client, frame *types.Frame) {
	start := time.Now()
	ctx := context.Background()

	h.registry.UpdateActivity(client.id)

	// Per-(user, event) throttling under load. Rate-limited events are
	// silently dropped to avoid amplification.
	if h.load != nil {
		throttleKey, ok := h.userFor(client.id)
		if !ok {
			throttleKey = types.UserIDType(client.id)
		}
		if !h.load.ShouldAllowMessage(throttleKey, frame.Event) {
			logging.GetLogger().Debug("Dropping throttled event",
				zap.String("socket_id", string(client.id)), zap.String("event", frame.Event))
			return
		}
	}

	status := "ok"
	switch frame.Event {
	case "register":
		h.handleRegister(ctx, client, frame.Data)
	case "authenticate":
		h.handleAuthenticate(ctx, client, frame.Data)
	case "verify-token":
		h.handleVerifyToken(client, frame.Data)
	case "ping":
		h.handlePing(client, frame.Data)
	case "room:join":
		h.handleRoomJoin(ctx, client, frame.Data)
	case "room:leave":
		h.handleRoomLeave(ctx, client, frame.Data)
	case "client:event":
		h.handleClientEvent(ctx, client, frame.Data)
	case "client:message":
		h.handleClientMessage(ctx, client, frame.Data)
	case "client:action":
		h.handleClientAction(ctx, client, frame.Data)
	default:
		status = "unknown"
		client.sendError(frame.Event, "unknown event", "UNKNOWN_EVENT")
	}

	metrics.SocketEvents.WithLabelValues(frame.Event, status).Inc()
	metrics.DispatchDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
}

// ack sends an acknowledgement envelope for an event.
func (c *Client) ack(event string, payload map[string]any) {
	frame, err := types.NewFrame(event+":ack", payload)
	if err != nil {
		return
	}
	c.Send(frame)
}

type registerPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// handleRegister binds a socket to a claimed user. The binding method is
// reported in the ack: "jwt" when the handshake already authenticated the
// socket, "token" when the register payload carried a verified token,
// "legacy" for bare userId registrations.
func (h *Hub) handleRegister(ctx context.Context, client *Client, data json.RawMessage) {
	var payload registerPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		client.ack("register", map[string]any{"success": false, "error": "userId is required"})
		h.disconnectAfterGrace(client)
		return
	}

	userID := types.UserIDType(payload.UserID)
	method := "legacy"

	if boundUser, ok := h.userFor(client.id); ok && boundUser == userID {
		method = "jwt"
	} else if payload.Token != "" {
		method = "token"
	}

	if err := h.registerSocket(client, userID, payload.Token); err != nil {
		logging.Warn(ctx, "Registration failed",
			zap.String("socket_id", string(client.id)),
			zap.String("user_id", payload.UserID),
			zap.Error(err))
		client.ack("register", map[string]any{"success": false, "error": errMessage(err)})
		h.disconnectAfterGrace(client)
		return
	}

	client.ack("register", map[string]any{"success": true, "method": method, "userId": payload.UserID})
}

// registerSocket is the shared path for register/authenticate: bind the
// user and join the per-user room.
func (h *Hub) registerSocket(client *Client, userID types.UserIDType, token string) error {
	if err := h.registry.RegisterUser(client, userID, token); err != nil {
		return err
	}
	h.rooms.AddToRoom(client.id, rooms.UserRoom(userID), types.RoomTypeUser)
	h.syncConnectionState(context.Background(), client.id)
	return nil
}

// disconnectAfterGrace closes the socket shortly after a failed
// registration, giving the failure ack time to flush.
func (h *Hub) disconnectAfterGrace(client *Client) {
	time.AfterFunc(registerGrace, func() {
		client.Close("registration failed")
	})
}

type authenticatePayload struct {
	Token string `json:"token"`
}

func (h *Hub) handleAuthenticate(ctx context.Context, client *Client, data json.RawMessage) {
	var payload authenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		client.ack("authenticate", map[string]any{"success": false, "error": "missing-token"})
		return
	}

	claims, err := h.validator.ValidateToken(payload.Token)
	if err != nil {
		code := "invalid-token"
		if isMalformedToken(err) {
			code = "invalid-token-format"
		}
		client.ack("authenticate", map[string]any{"success": false, "error": code})
		return
	}

	userID := claims.Principal()
	if err := h.registerSocket(client, userID, payload.Token); err != nil {
		logging.Warn(ctx, "Authenticate bind failed", zap.Error(err))
		client.ack("authenticate", map[string]any{"success": false, "error": errMessage(err)})
		return
	}

	client.ack("authenticate", map[string]any{"success": true, "userId": string(userID)})
}

// handleVerifyToken decodes a token without binding it to the socket.
func (h *Hub) handleVerifyToken(client *Client, data json.RawMessage) {
	var payload authenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		client.ack("verify-token", map[string]any{"valid": false, "error": "missing-token"})
		return
	}

	claims, err := h.validator.ValidateToken(payload.Token)
	if err != nil {
		client.ack("verify-token", map[string]any{"valid": false, "error": errMessage(err)})
		return
	}

	client.ack("verify-token", map[string]any{
		"valid":     true,
		"userId":    string(claims.Principal()),
		"expiresAt": claims.ExpiresAt,
	})
}

func (h *Hub) handlePing(client *Client, data json.RawMessage) {
	_, authenticated := h.userFor(client.id)

	var echo any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &echo)
	}

	frame, err := types.NewFrame("pong", map[string]any{
		"timestamp":     h.clk.NowMillis(),
		"echo":          echo,
		"authenticated": authenticated,
	})
	if err != nil {
		return
	}
	client.Send(frame)
}

type roomPayload struct {
	Room string `json:"room"`
}

func (h *Hub) handleRoomJoin(ctx context.Context, client *Client, data json.RawMessage) {
	userID, ok := h.userFor(client.id)
	if !ok {
		client.sendError("room:join", "authentication required", "AUTHENTICATION_REQUIRED")
		return
	}

	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		client.ack("room:join", map[string]any{"success": false, "error": "room is required"})
		return
	}

	room := types.RoomNameType(payload.Room)
	h.rooms.AddToRoom(client.id, room, types.RoomTypeGroup)
	client.ack("room:join", map[string]any{"success": true, "room": payload.Room})

	h.rooms.BroadcastToRoom(ctx, room, "user_joined", map[string]any{
		"userId": string(userID),
		"room":   payload.Room,
	}, true)
}

func (h *Hub) handleRoomLeave(ctx context.Context, client *Client, data json.RawMessage) {
	userID, ok := h.userFor(client.id)
	if !ok {
		client.sendError("room:leave", "authentication required", "AUTHENTICATION_REQUIRED")
		return
	}

	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		client.ack("room:leave", map[string]any{"success": false, "error": "room is required"})
		return
	}

	room := types.RoomNameType(payload.Room)
	h.rooms.RemoveFromRoom(client.id, room)
	client.ack("room:leave", map[string]any{"success": true, "room": payload.Room})

	h.rooms.BroadcastToRoom(ctx, room, "user_left", map[string]any{
		"userId": string(userID),
		"room":   payload.Room,
	}, true)
}

// handleClientEvent forwards a typed client event to the backend and relays
// the reply as server:response.
func (h *Hub) handleClientEvent(ctx context.Context, client *Client, data json.RawMessage) {
	h.forwardToBackend(ctx, client, data, "type", "/api/events", "server:response")
}

// handleClientMessage batches messages per user when a batcher is wired,
// otherwise forwards directly.
func (h *Hub) handleClientMessage(ctx context.Context, client *Client, data json.RawMessage) {
	userID, ok := h.userFor(client.id)
	if !ok {
		client.sendError("client:message", "authentication required", "AUTHENTICATION_REQUIRED")
		return
	}
	if !hasField(data, "content") {
		client.sendError("client:message", "content is required", "VALIDATION_ERROR")
		return
	}

	requestID := clock.NewID("req")

	if h.batcher != nil {
		enriched, err := attachMeta(data, map[string]any{
			"requestId": requestID,
			"userId":    string(userID),
			"socketId":  string(client.id),
		})
		if err != nil {
			client.sendError("client:message", "message is not serializable", "VALIDATION_ERROR")
			return
		}
		h.batcher.Add(string(userID), enriched)
		client.ack("message", map[string]any{"success": true, "requestId": requestID, "queued": true})
		return
	}

	h.forwardWithRequestID(ctx, client, data, requestID, "/api/messages", "message:ack")
}

func (h *Hub) handleClientAction(ctx context.Context, client *Client, data json.RawMessage) {
	h.forwardToBackend(ctx, client, data, "action", "/api/actions", "action:result")
}

// forwardToBackend validates the payload discriminator, forwards to the
// backend, and acks with the reply event.
func (h *Hub) forwardToBackend(ctx context.Context, client *Client, data json.RawMessage, requiredField, path, replyEvent string) {
	if _, ok := h.userFor(client.id); !ok {
		client.sendError(replyEvent, "authentication required", "AUTHENTICATION_REQUIRED")
		return
	}
	if !hasField(data, requiredField) {
		client.sendError(replyEvent, requiredField+" is required", "VALIDATION_ERROR")
		return
	}

	h.forwardWithRequestID(ctx, client, data, clock.NewID("req"), path, replyEvent)
}

func (h *Hub) forwardWithRequestID(ctx context.Context, client *Client, data json.RawMessage, requestID, path, replyEvent string) {
	if h.backend == nil {
		h.sendReply(client, replyEvent, map[string]any{"success": false, "requestId": requestID, "code": "EVENT_PROCESSING_ERROR"})
		return
	}

	body, err := attachMeta(data, map[string]any{
		"requestId": requestID,
		"socketId":  string(client.id),
	})
	if err != nil {
		client.sendError(replyEvent, "payload is not serializable", "VALIDATION_ERROR")
		return
	}

	resp, err := h.backend.Do(ctx, http.MethodPost, path, json.RawMessage(body))
	if err != nil {
		logging.Warn(ctx, "Backend forward failed",
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		h.sendReply(client, replyEvent, map[string]any{
			"success":   false,
			"requestId": requestID,
			"code":      "EVENT_PROCESSING_ERROR",
		})
		return
	}

	reply := map[string]any{"success": true, "requestId": requestID}
	if len(resp.Body) > 0 {
		reply["result"] = json.RawMessage(resp.Body)
	}
	h.sendReply(client, replyEvent, reply)
}

// sendReply emits a non-ack reply event (server:response, message:ack,
// action:result are full event names, not derived acks).
func (h *Hub) sendReply(client *Client, event string, payload map[string]any) {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		return
	}
	client.Send(frame)
}

// hasField reports whether a JSON object carries a non-null field.
func hasField(data json.RawMessage, field string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	raw, ok := obj[field]
	return ok && string(raw) != "null"
}

// attachMeta merges metadata fields into a JSON object payload.
func attachMeta(data json.RawMessage, meta map[string]any) (json.RawMessage, error) {
	obj := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range meta {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// errMessage unwraps the operator-facing message from a typed error.
func errMessage(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}
