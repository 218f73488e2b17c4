// Package push exposes out-of-band delivery: internal callers (and the HTTP
// surface in handlers.go) send events to users, rooms, or the whole fleet
// without a client having asked for anything.
package push

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
	"github.com/signalmesh/gateway/internal/v1/registry"
	"github.com/signalmesh/gateway/internal/v1/rooms"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// Result reports what one push accomplished on this instance. CrossInstance
// is true when an envelope was also published for peers to resolve their own
// local sockets.
type Result struct {
	RequestID         string `json:"requestId"`
	Delivered         int    `json:"delivered"`
	TotalLocalSockets int    `json:"totalLocalSockets"`
	CrossInstance     bool   `json:"crossInstance"`
}

// Options carries the API's dependencies.
type Options struct {
	Registry *registry.Registry
	Rooms    *rooms.Manager
	Store    *bus.Service
	Clock    clock.Clock
}

// API is the in-process push surface.
type API struct {
	registry *registry.Registry
	rooms    *rooms.Manager
	store    *bus.Service
	clk      clock.Clock
}

// New wires a push API. Store may be nil for single-instance deployments.
func New(opts Options) *API {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &API{
		registry: opts.Registry,
		rooms:    opts.Rooms,
		store:    opts.Store,
		clk:      clk,
	}
}

// directEnvelope is the cross-instance payload for a user-targeted push.
type directEnvelope struct {
	UserID  string          `json:"userId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PushToUser delivers an event to every socket the user holds on this
// instance, and publishes a direct envelope so peers deliver to theirs.
func (a *API) PushToUser(ctx context.Context, userID types.UserIDType, event string, payload any, volatile bool) (Result, error) {
	if userID == "" || event == "" {
		return Result{}, apperrors.MissingFields("userId", "event")
	}

	stamped, requestID, err := a.stampMeta(payload)
	if err != nil {
		return Result{}, apperrors.Validation("payload is not serializable")
	}

	frame, err := types.NewFrame(event, json.RawMessage(stamped))
	if err != nil {
		return Result{}, apperrors.Validation("payload is not serializable")
	}

	senders := a.registry.GetSocketsForUser(userID)
	for _, sender := range senders {
		if volatile {
			sender.SendVolatile(frame)
		} else {
			sender.Send(frame)
		}
	}

	result := Result{
		RequestID:         requestID,
		Delivered:         len(senders),
		TotalLocalSockets: len(senders),
	}

	if a.store != nil {
		env := directEnvelope{UserID: string(userID), Event: event, Payload: stamped}
		if err := a.store.PublishBroadcast(ctx, "direct", env); err != nil {
			logging.Warn(ctx, "Cross-instance push publish failed",
				zap.String("user_id", string(userID)), zap.Error(err))
		} else {
			result.CrossInstance = true
		}
	}

	metrics.PushDeliveries.WithLabelValues("user", deliveryStatus(result)).Inc()
	return result, nil
}

// PushToUsers vectorizes PushToUser and aggregates the stats.
func (a *API) PushToUsers(ctx context.Context, userIDs []types.UserIDType, event string, payload any, volatile bool) (Result, error) {
	if len(userIDs) == 0 || event == "" {
		return Result{}, apperrors.MissingFields("userIds", "event")
	}

	var agg Result
	for _, userID := range userIDs {
		res, err := a.PushToUser(ctx, userID, event, payload, volatile)
		if err != nil {
			return agg, err
		}
		if agg.RequestID == "" {
			agg.RequestID = res.RequestID
		}
		agg.Delivered += res.Delivered
		agg.TotalLocalSockets += res.TotalLocalSockets
		agg.CrossInstance = agg.CrossInstance || res.CrossInstance
	}
	return agg, nil
}

// BroadcastToRoom delivers to a room's local members and publishes a
// broadcast envelope for remote members. The room must exist on this
// instance or in shared connection state.
func (a *API) BroadcastToRoom(ctx context.Context, room types.RoomNameType, event string, payload any, volatile bool) (Result, error) {
	if room == "" || event == "" {
		return Result{}, apperrors.MissingFields("room", "event")
	}

	if !a.rooms.Exists(room) && !a.roomKnownToFleet(ctx, room) {
		return Result{}, apperrors.NotFound("room " + string(room))
	}

	stamped, requestID, err := a.stampMeta(payload)
	if err != nil {
		return Result{}, apperrors.Validation("payload is not serializable")
	}

	delivered, published := a.rooms.BroadcastToRoom(ctx, room, event, json.RawMessage(stamped), volatile)

	result := Result{
		RequestID:         requestID,
		Delivered:         delivered,
		TotalLocalSockets: delivered,
		CrossInstance:     published,
	}
	metrics.PushDeliveries.WithLabelValues("room", deliveryStatus(result)).Inc()
	return result, nil
}

// BroadcastToAll delivers to every local socket and publishes a roomless
// broadcast envelope so peers do the same.
func (a *API) BroadcastToAll(ctx context.Context, event string, payload any, volatile bool) (Result, error) {
	if event == "" {
		return Result{}, apperrors.MissingFields("event")
	}

	stamped, requestID, err := a.stampMeta(payload)
	if err != nil {
		return Result{}, apperrors.Validation("payload is not serializable")
	}

	frame, err := types.NewFrame(event, json.RawMessage(stamped))
	if err != nil {
		return Result{}, apperrors.Validation("payload is not serializable")
	}

	senders := a.registry.AllSenders()
	for _, sender := range senders {
		if volatile {
			sender.SendVolatile(frame)
		} else {
			sender.Send(frame)
		}
	}

	result := Result{
		RequestID:         requestID,
		Delivered:         len(senders),
		TotalLocalSockets: len(senders),
	}

	if a.store != nil {
		remote := rooms.RemoteBroadcast{Event: event, Payload: stamped}
		if err := a.store.PublishBroadcast(ctx, "broadcast", remote); err != nil {
			logging.Warn(ctx, "Cross-instance broadcast publish failed", zap.Error(err))
		} else {
			result.CrossInstance = true
		}
	}

	metrics.PushDeliveries.WithLabelValues("all", deliveryStatus(result)).Inc()
	return result, nil
}

// Notify sends a notification event to a set of users.
func (a *API) Notify(ctx context.Context, userIDs []types.UserIDType, payload any) (Result, error) {
	return a.PushToUsers(ctx, userIDs, "notification", payload, false)
}

// stampMeta merges the payload with a _meta trace block. Non-object payloads
// are wrapped under "value" so the block always has a home.
func (a *API) stampMeta(payload any) (json.RawMessage, string, error) {
	requestID := clock.NewID("req")

	obj := make(map[string]any)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			obj = map[string]any{"value": json.RawMessage(raw)}
		}
	}

	obj["_meta"] = map[string]any{
		"requestId": requestID,
		"timestamp": a.clk.NowMillis(),
		"source":    "push-api",
	}

	stamped, err := json.Marshal(obj)
	if err != nil {
		return nil, "", err
	}
	return stamped, requestID, nil
}

// roomKnownToFleet scans shared connection state for any socket holding the
// room. Only consulted when the room is absent locally.
func (a *API) roomKnownToFleet(ctx context.Context, room types.RoomNameType) bool {
	if a.store == nil {
		return false
	}

	keys, err := a.store.Keys(ctx, a.store.ConnectionKey("*"))
	if err != nil {
		logging.Warn(ctx, "Shared room lookup failed", zap.Error(err))
		return false
	}

	var state struct {
		Rooms []string `json:"rooms"`
	}
	for _, key := range keys {
		ok, err := a.store.GetJSON(ctx, key, &state)
		if err != nil || !ok {
			continue
		}
		for _, r := range state.Rooms {
			if r == string(room) {
				return true
			}
		}
	}
	return false
}

func deliveryStatus(r Result) string {
	if r.Delivered > 0 || r.CrossInstance {
		return "delivered"
	}
	return "no_targets"
}
