// Package registry owns the socket-to-user mapping: one Connection record
// per live socket, a secondary user index, activity tracking, and inactivity
// eviction. It is the only writer of these structures; the room manager is
// the source of truth for membership, the registry keeps a weak back-reference
// per connection.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// Connection is the registry's record for one socket.
type Connection struct {
	SocketID      types.SocketIDType
	UserID        types.UserIDType
	Authenticated bool
	Token         string
	UserAgent     string
	RemoteAddress string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Rooms         map[types.RoomNameType]struct{}
}

// snapshot returns a copy safe to hand to callers. Rooms is deep-copied so
// callers cannot mutate registry state.
func (c *Connection) snapshot() *Connection {
	cp := *c
	cp.Rooms = make(map[types.RoomNameType]struct{}, len(c.Rooms))
	for r := range c.Rooms {
		cp.Rooms[r] = struct{}{}
	}
	return &cp
}

// Registry maps sockets to users and tracks their activity.
type Registry struct {
	mu          sync.RWMutex
	connections map[types.SocketIDType]*Connection
	users       map[types.UserIDType]map[types.SocketIDType]struct{}
	senders     map[types.SocketIDType]types.Sender

	validator types.TokenValidator
	clk       clock.Clock

	sweepInterval time.Duration
}

// New creates an empty Registry. The validator verifies tokens supplied to
// RegisterUser; it may be nil when token-carrying registrations are not used.
func New(validator types.TokenValidator, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{
		connections:   make(map[types.SocketIDType]*Connection),
		users:         make(map[types.UserIDType]map[types.SocketIDType]struct{}),
		senders:       make(map[types.SocketIDType]types.Sender),
		validator:     validator,
		clk:           clk,
		sweepInterval: time.Minute,
	}
}

// Add records a new, unauthenticated connection at socket-accept time.
func (r *Registry) Add(sender types.Sender, userAgent, remoteAddress string) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	socketID := sender.SocketID()
	if _, exists := r.connections[socketID]; exists {
		return
	}

	r.connections[socketID] = &Connection{
		SocketID:      socketID,
		UserAgent:     userAgent,
		RemoteAddress: remoteAddress,
		ConnectedAt:   now,
		LastActivity:  now,
		Rooms:         make(map[types.RoomNameType]struct{}),
	}
	r.senders[socketID] = sender
	metrics.IncConnection()
}

// RegisterUser binds a socket to a user. When a token is supplied it must
// verify and its subject must match the claimed userId. Registering the same
// socket and user twice is equivalent to registering once.
func (r *Registry) RegisterUser(sender types.Sender, userID types.UserIDType, token string) error {
	if userID == "" {
		return apperrors.Validation("userId is required")
	}

	if token != "" {
		if r.validator == nil {
			return apperrors.AuthenticationFailed("no token validator configured")
		}
		claims, err := r.validator.ValidateToken(token)
		if err != nil {
			return err
		}
		if claims.Principal() != userID {
			return apperrors.AuthenticationFailed("token subject does not match claimed userId")
		}
	}

	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	socketID := sender.SocketID()
	conn, exists := r.connections[socketID]
	if !exists {
		conn = &Connection{
			SocketID:     socketID,
			ConnectedAt:  now,
			LastActivity: now,
			Rooms:        make(map[types.RoomNameType]struct{}),
		}
		r.connections[socketID] = conn
		r.senders[socketID] = sender
		metrics.IncConnection()
	}

	// Re-registering under a different user moves the index entry.
	if conn.Authenticated && conn.UserID != userID {
		r.removeFromUserIndexLocked(conn.UserID, socketID)
	}

	wasAuthenticated := conn.Authenticated
	conn.UserID = userID
	conn.Authenticated = true
	conn.Token = token
	conn.LastActivity = now

	if _, ok := r.users[userID]; !ok {
		r.users[userID] = make(map[types.SocketIDType]struct{})
	}
	r.users[userID][socketID] = struct{}{}

	if !wasAuthenticated {
		metrics.AuthenticatedConnections.Inc()
	}

	logging.Info(context.Background(), "Socket registered",
		zap.String("socket_id", string(socketID)),
		zap.String("user_id", string(userID)),
		zap.Bool("with_token", token != ""))
	return nil
}

// RemoveUser drops a connection record. Idempotent: removing an unknown
// socket is a no-op. Room membership is the room manager's job; the
// dispatcher calls LeaveAllRooms before this.
func (r *Registry) RemoveUser(socketID types.SocketIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(socketID)
}

func (r *Registry) removeLocked(socketID types.SocketIDType) {
	conn, exists := r.connections[socketID]
	if !exists {
		return
	}

	if conn.Authenticated {
		r.removeFromUserIndexLocked(conn.UserID, socketID)
		metrics.AuthenticatedConnections.Dec()
	}

	delete(r.connections, socketID)
	delete(r.senders, socketID)
	metrics.DecConnection()
}

// removeFromUserIndexLocked shrinks the user index entry, deleting it when
// it becomes empty so the index never holds empty sets.
func (r *Registry) removeFromUserIndexLocked(userID types.UserIDType, socketID types.SocketIDType) {
	sockets, ok := r.users[userID]
	if !ok {
		return
	}
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(r.users, userID)
	}
}

// UpdateActivity stamps a connection's last-activity time.
func (r *Registry) UpdateActivity(socketID types.SocketIDType) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[socketID]; ok {
		conn.LastActivity = now
	}
}

// GetConnection returns a snapshot of one connection record.
func (r *Registry) GetConnection(socketID types.SocketIDType) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[socketID]
	if !ok {
		return nil, false
	}
	return conn.snapshot(), true
}

// GetSender resolves a socket id to its live sender.
func (r *Registry) GetSender(socketID types.SocketIDType) (types.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.senders[socketID]
	return s, ok
}

// GetSocketsForUser returns the live senders for every socket a user holds
// on this instance.
func (r *Registry) GetSocketsForUser(userID types.UserIDType) []types.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sockets, ok := r.users[userID]
	if !ok {
		return nil
	}

	out := make([]types.Sender, 0, len(sockets))
	for socketID := range sockets {
		if s, ok := r.senders[socketID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// AllSenders returns every live sender. Used by the state sync loop and the
// shutdown path.
func (r *Registry) AllSenders() []types.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Sender, 0, len(r.senders))
	for _, s := range r.senders {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// TrackRoom records the weak membership back-reference on a connection.
func (r *Registry) TrackRoom(socketID types.SocketIDType, room types.RoomNameType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[socketID]; ok {
		conn.Rooms[room] = struct{}{}
	}
}

// UntrackRoom drops the back-reference.
func (r *Registry) UntrackRoom(socketID types.SocketIDType, room types.RoomNameType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[socketID]; ok {
		delete(conn.Rooms, room)
	}
}

// GetInactiveConnections returns snapshots of connections idle for longer
// than the given number of minutes.
func (r *Registry) GetInactiveConnections(minutes int) []*Connection {
	cutoff := r.clk.Now().Add(-time.Duration(minutes) * time.Minute)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.connections {
		if conn.LastActivity.Before(cutoff) {
			out = append(out, conn.snapshot())
		}
	}
	return out
}

// DisconnectInactive closes every connection idle for longer than the given
// number of minutes and returns how many were closed.
func (r *Registry) DisconnectInactive(minutes int) int {
	inactive := r.GetInactiveConnections(minutes)

	for _, conn := range inactive {
		if sender, ok := r.GetSender(conn.SocketID); ok {
			logging.Info(context.Background(), "Disconnecting inactive socket",
				zap.String("socket_id", string(conn.SocketID)),
				zap.String("user_id", string(conn.UserID)),
				zap.Time("last_activity", conn.LastActivity))
			sender.Close("inactivity timeout")
		}
	}
	return len(inactive)
}

// Run sweeps for inactive connections until the context is cancelled.
func (r *Registry) Run(ctx context.Context, inactivityMinutes int) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.DisconnectInactive(inactivityMinutes); n > 0 {
				logging.Info(ctx, "Swept inactive connections", zap.Int("count", n))
			}
		}
	}
}
