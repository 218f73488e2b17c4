// Package rooms owns named member sets with typed namespaces and broadcast
// fan-out. Every membership mutation flows through the Manager, which fires
// a post-mutation hook so higher layers can sync shared connection state.
package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// Room is a named set of sockets.
type Room struct {
	Name      types.RoomNameType
	Type      types.RoomType
	Members   map[types.SocketIDType]struct{}
	CreatedAt time.Time
	Metadata  map[string]any
}

// Details is the caller-safe snapshot of a room.
type Details struct {
	Name      types.RoomNameType `json:"name"`
	Type      types.RoomType     `json:"type"`
	Members   []string           `json:"members"`
	CreatedAt time.Time          `json:"createdAt"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// UserRoom names the per-user room auto-joined on register.
func UserRoom(userID types.UserIDType) types.RoomNameType {
	return types.RoomNameType("user:" + string(userID))
}

// GroupRoom names a client-joinable group room.
func GroupRoom(id string) types.RoomNameType {
	return types.RoomNameType("group:" + id)
}

// SystemRoom names a server-owned persistent room.
func SystemRoom(name string) types.RoomNameType {
	return types.RoomNameType("system:" + name)
}

// MembershipHook is invoked after every join or leave, outside the lock.
// joined is true for joins, false for leaves.
type MembershipHook func(socketID types.SocketIDType, room types.RoomNameType, joined bool)

// Resolver turns a socket id into its live sender, when present locally.
type Resolver func(socketID types.SocketIDType) (types.Sender, bool)

// Publisher fans a broadcast out to peer instances.
type Publisher interface {
	PublishBroadcast(ctx context.Context, event string, data any) error
}

// RemoteBroadcast is the cross-instance payload for a room broadcast. An
// empty Room addresses every socket on the receiving instance.
type RemoteBroadcast struct {
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Manager owns the room map.
type Manager struct {
	mu    sync.RWMutex
	rooms map[types.RoomNameType]*Room

	resolver  Resolver
	publisher Publisher
	hook      MembershipHook
	clk       clock.Clock
}

// New creates a Manager. resolver is required; publisher and hook may be nil.
func New(resolver Resolver, publisher Publisher, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		rooms:     make(map[types.RoomNameType]*Room),
		resolver:  resolver,
		publisher: publisher,
		clk:       clk,
	}
}

// SetMembershipHook installs the post-mutation hook.
func (m *Manager) SetMembershipHook(hook MembershipHook) {
	m.hook = hook
}

// AddToRoom inserts a socket into a room, creating the room on first join.
func (m *Manager) AddToRoom(socketID types.SocketIDType, room types.RoomNameType, roomType types.RoomType) {
	if roomType == "" {
		roomType = types.RoomTypeGroup
	}

	m.mu.Lock()
	r, ok := m.rooms[room]
	if !ok {
		r = &Room{
			Name:      room,
			Type:      roomType,
			Members:   make(map[types.SocketIDType]struct{}),
			CreatedAt: m.clk.Now(),
		}
		m.rooms[room] = r
		metrics.ActiveRooms.Inc()
		logging.Debug(context.Background(), "Created room", zap.String("room", string(room)), zap.String("type", string(roomType)))
	}
	r.Members[socketID] = struct{}{}
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(socketID, room, true)
	}
}

// RemoveFromRoom drops a socket's membership. Non-system rooms are deleted
// when their last member leaves.
func (m *Manager) RemoveFromRoom(socketID types.SocketIDType, room types.RoomNameType) {
	m.mu.Lock()
	r, ok := m.rooms[room]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := r.Members[socketID]; !member {
		m.mu.Unlock()
		return
	}
	delete(r.Members, socketID)
	m.deleteIfEmptyLocked(r)
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(socketID, room, false)
	}
}

// deleteIfEmptyLocked removes an empty non-system room from the map.
func (m *Manager) deleteIfEmptyLocked(r *Room) {
	if len(r.Members) == 0 && r.Type != types.RoomTypeSystem {
		delete(m.rooms, r.Name)
		metrics.ActiveRooms.Dec()
	}
}

// LeaveAllRooms removes a socket from every room containing it and returns
// the names of the rooms it left.
func (m *Manager) LeaveAllRooms(socketID types.SocketIDType) []types.RoomNameType {
	m.mu.Lock()
	var left []types.RoomNameType
	for name, r := range m.rooms {
		if _, member := r.Members[socketID]; member {
			delete(r.Members, socketID)
			m.deleteIfEmptyLocked(r)
			left = append(left, name)
		}
	}
	m.mu.Unlock()

	if m.hook != nil {
		for _, name := range left {
			m.hook(socketID, name, false)
		}
	}
	return left
}

// RoomsForSocket returns the rooms currently containing the socket.
func (m *Manager) RoomsForSocket(socketID types.SocketIDType) []types.RoomNameType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.RoomNameType
	for name, r := range m.rooms {
		if _, member := r.Members[socketID]; member {
			out = append(out, name)
		}
	}
	return out
}

// BroadcastToRoom delivers to every local member and publishes a broadcast
// envelope so peer instances deliver to theirs. Volatile deliveries may be
// dropped on backpressure. published reports whether the envelope actually
// reached the bus; false means only local members saw this broadcast.
func (m *Manager) BroadcastToRoom(ctx context.Context, room types.RoomNameType, event string, payload any, volatile bool) (delivered int, published bool) {
	delivered = m.BroadcastToRoomLocal(ctx, room, event, payload, volatile)

	if m.publisher != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logging.Error(ctx, "Failed to marshal broadcast payload", zap.String("room", string(room)), zap.Error(err))
			return delivered, false
		}
		remote := RemoteBroadcast{Room: string(room), Event: event, Payload: raw}
		if err := m.publisher.PublishBroadcast(ctx, "broadcast", remote); err != nil {
			logging.Error(ctx, "Cross-instance broadcast publish failed", zap.String("room", string(room)), zap.Error(err))
			return delivered, false
		}
		published = true
	}
	return delivered, published
}

// BroadcastToRoomLocal delivers only to members on this instance. Used when
// replaying a broadcast received from a peer, where re-publishing would loop.
func (m *Manager) BroadcastToRoomLocal(ctx context.Context, room types.RoomNameType, event string, payload any, volatile bool) int {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		logging.Error(ctx, "Failed to build broadcast frame", zap.String("event", event), zap.Error(err))
		return 0
	}

	m.mu.RLock()
	r, ok := m.rooms[room]
	if !ok {
		m.mu.RUnlock()
		return 0
	}
	members := make([]types.SocketIDType, 0, len(r.Members))
	for socketID := range r.Members {
		members = append(members, socketID)
	}
	roomType := r.Type
	m.mu.RUnlock()

	delivered := 0
	for _, socketID := range members {
		sender, ok := m.resolver(socketID)
		if !ok {
			continue
		}
		if volatile {
			sender.SendVolatile(frame)
		} else {
			sender.Send(frame)
		}
		delivered++
	}

	metrics.RoomBroadcasts.WithLabelValues(string(roomType)).Inc()
	return delivered
}

// GetRoomsByType returns snapshots of every room of the given type.
func (m *Manager) GetRoomsByType(roomType types.RoomType) []Details {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Details
	for _, r := range m.rooms {
		if r.Type == roomType {
			out = append(out, detailsLocked(r))
		}
	}
	return out
}

// GetRoomDetails returns a snapshot of one room.
func (m *Manager) GetRoomDetails(room types.RoomNameType) (Details, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[room]
	if !ok {
		return Details{}, false
	}
	return detailsLocked(r), true
}

// Exists reports whether the room is present on this instance.
func (m *Manager) Exists(room types.RoomNameType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room]
	return ok
}

// Count returns the number of rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// SetMetadata replaces a room's metadata map.
func (m *Manager) SetMetadata(room types.RoomNameType, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		return false
	}
	r.Metadata = metadata
	return true
}

// CreateSystemRoom creates a server-owned room that persists while empty.
// Idempotent: re-creating updates the metadata only.
func (m *Manager) CreateSystemRoom(name string, metadata map[string]any) types.RoomNameType {
	roomName := SystemRoom(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[roomName]; ok {
		r.Metadata = metadata
		return roomName
	}

	m.rooms[roomName] = &Room{
		Name:      roomName,
		Type:      types.RoomTypeSystem,
		Members:   make(map[types.SocketIDType]struct{}),
		CreatedAt: m.clk.Now(),
		Metadata:  metadata,
	}
	metrics.ActiveRooms.Inc()
	return roomName
}

func detailsLocked(r *Room) Details {
	members := make([]string, 0, len(r.Members))
	for socketID := range r.Members {
		members = append(members, string(socketID))
	}
	var metadata map[string]any
	if r.Metadata != nil {
		metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
	}
	return Details{
		Name:      r.Name,
		Type:      r.Type,
		Members:   members,
		CreatedAt: r.CreatedAt,
		Metadata:  metadata,
	}
}
