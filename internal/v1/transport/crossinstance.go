package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/rooms"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// directPayload addresses an envelope at a specific socket or at every
// socket a user holds on the receiving instance.
type directPayload struct {
	SocketID string          `json:"socketId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// startBus subscribes to the fan-out and per-instance channels. With no
// store wired the gateway runs single-instance and this is a no-op.
func (h *Hub) startBus(ctx context.Context) {
	if h.store == nil {
		logging.Info(ctx, "Single-instance mode - cross-instance bus disabled")
		return
	}

	h.store.SubscribeBroadcast(ctx, &h.wg, h.handleEnvelope)
	h.store.SubscribeDirect(ctx, &h.wg, h.handleEnvelope)
}

// OnCrossInstance registers a handler for a custom envelope event. Events
// without a registered handler are re-emitted to local sockets as
// cross-instance:<event>.
func (h *Hub) OnCrossInstance(event string, handler func(bus.Envelope)) {
	h.crossMu.Lock()
	defer h.crossMu.Unlock()
	h.crossHandlers[event] = handler
}

// handleEnvelope replays one peer envelope against local state. Replays
// never re-publish; the loop guard is local-only delivery.
func (h *Hub) handleEnvelope(env bus.Envelope) {
	ctx := context.Background()

	switch env.Event {
	case "broadcast":
		h.replayBroadcast(ctx, env)
	case "direct":
		h.replayDirect(ctx, env)
	case "disconnect":
		h.replayDisconnect(ctx, env)
	case "join":
		h.replayMembership(ctx, env, true)
	case "leave":
		h.replayMembership(ctx, env, false)
	default:
		h.crossMu.RLock()
		handler, ok := h.crossHandlers[env.Event]
		h.crossMu.RUnlock()
		if ok {
			handler(env)
			return
		}
		h.reemit(ctx, env)
	}
}

// replayBroadcast delivers a peer's room broadcast to local members. An
// empty room targets every local socket.
func (h *Hub) replayBroadcast(ctx context.Context, env bus.Envelope) {
	var rb rooms.RemoteBroadcast
	if err := json.Unmarshal(env.Data, &rb); err != nil {
		logging.Warn(ctx, "Malformed broadcast envelope",
			zap.String("source", env.SourceInstanceID), zap.Error(err))
		return
	}

	if rb.Room == "" {
		h.deliverToAll(ctx, rb.Event, rb.Payload)
		return
	}

	h.rooms.BroadcastToRoomLocal(ctx, types.RoomNameType(rb.Room), rb.Event, json.RawMessage(rb.Payload), false)
}

// replayDirect delivers to a named socket, or to every local socket of a
// named user. A miss is normal: the target may live on another instance.
func (h *Hub) replayDirect(ctx context.Context, env bus.Envelope) {
	var dp directPayload
	if err := json.Unmarshal(env.Data, &dp); err != nil {
		logging.Warn(ctx, "Malformed direct envelope",
			zap.String("source", env.SourceInstanceID), zap.Error(err))
		return
	}

	frame, err := types.NewFrame(dp.Event, json.RawMessage(dp.Payload))
	if err != nil {
		return
	}

	if dp.SocketID != "" {
		if sender, ok := h.registry.GetSender(types.SocketIDType(dp.SocketID)); ok {
			sender.Send(frame)
		}
		return
	}

	if dp.UserID != "" {
		for _, sender := range h.registry.GetSocketsForUser(types.UserIDType(dp.UserID)) {
			sender.Send(frame)
		}
	}
}

type disconnectPayload struct {
	SocketID string `json:"socketId"`
	Reason   string `json:"reason,omitempty"`
}

// replayDisconnect closes a local socket on a peer's instruction.
func (h *Hub) replayDisconnect(ctx context.Context, env bus.Envelope) {
	var dp disconnectPayload
	if err := json.Unmarshal(env.Data, &dp); err != nil || dp.SocketID == "" {
		return
	}

	sender, ok := h.registry.GetSender(types.SocketIDType(dp.SocketID))
	if !ok {
		return
	}

	reason := dp.Reason
	if reason == "" {
		reason = "disconnected by peer instance"
	}
	logging.Info(ctx, "Remote disconnect",
		zap.String("socket_id", dp.SocketID), zap.String("reason", reason))
	sender.Close(reason)
}

type membershipPayload struct {
	SocketID string `json:"socketId"`
	Room     string `json:"room"`
}

// replayMembership applies a peer-instructed join or leave to a local socket.
func (h *Hub) replayMembership(ctx context.Context, env bus.Envelope, join bool) {
	var mp membershipPayload
	if err := json.Unmarshal(env.Data, &mp); err != nil || mp.SocketID == "" || mp.Room == "" {
		return
	}

	socketID := types.SocketIDType(mp.SocketID)
	if _, ok := h.registry.GetSender(socketID); !ok {
		return
	}

	if join {
		h.rooms.AddToRoom(socketID, types.RoomNameType(mp.Room), types.RoomTypeGroup)
	} else {
		h.rooms.RemoveFromRoom(socketID, types.RoomNameType(mp.Room))
	}
}

// reemit forwards an unrecognized envelope to local sockets under the
// cross-instance namespace so instances can layer their own vocabulary.
func (h *Hub) reemit(ctx context.Context, env bus.Envelope) {
	if h.crossDefault != nil {
		h.crossDefault(env.Event, env)
		return
	}

	h.deliverToAll(ctx, "cross-instance:"+env.Event, json.RawMessage(env.Data))
}

// deliverToAll sends one frame to every local socket.
func (h *Hub) deliverToAll(ctx context.Context, event string, payload any) {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to build frame", zap.String("event", event), zap.Error(err))
		return
	}
	for _, sender := range h.registry.AllSenders() {
		sender.Send(frame)
	}
}
