// Package transport owns the socket lifecycle: the HTTP upgrade path, the
// per-socket read/write pumps, the inbound event dispatcher, and the bridge
// between local sockets and the cross-instance bus.
package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/auth"
	"github.com/signalmesh/gateway/internal/v1/backend"
	"github.com/signalmesh/gateway/internal/v1/batch"
	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/instance"
	"github.com/signalmesh/gateway/internal/v1/load"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/ratelimit"
	"github.com/signalmesh/gateway/internal/v1/registry"
	"github.com/signalmesh/gateway/internal/v1/rooms"
	"github.com/signalmesh/gateway/internal/v1/types"
)

// Options carries the Hub's dependencies and tuning.
type Options struct {
	Registry    *registry.Registry
	Rooms       *rooms.Manager
	Store       *bus.Service
	Load        *load.Manager
	Instance    *instance.Manager
	Validator   types.TokenValidator
	RateLimiter *ratelimit.RateLimiter
	Backend     *backend.Client
	Batcher     *batch.Batcher
	Clock       clock.Clock

	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	StateTTL       time.Duration
	StateSync      time.Duration
	SendBuffer     int
}

// Hub is the central coordinator: it accepts sockets, routes their events,
// and replays cross-instance envelopes against local state.
type Hub struct {
	registry  *registry.Registry
	rooms     *rooms.Manager
	store     *bus.Service
	load      *load.Manager
	inst      *instance.Manager
	validator types.TokenValidator
	limiter   *ratelimit.RateLimiter
	backend   *backend.Client
	batcher   *batch.Batcher
	clk       clock.Clock

	allowedOrigins []string
	pingInterval   time.Duration
	pongTimeout    time.Duration
	stateTTL       time.Duration
	stateSync      time.Duration
	sendBuffer     int

	crossMu       sync.RWMutex
	crossHandlers map[string]func(bus.Envelope)
	crossDefault  func(event string, env bus.Envelope)

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewHub wires a Hub and installs the room membership hook that mirrors
// membership changes into shared connection state.
func NewHub(opts Options) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 60 * time.Second
	}
	if opts.StateSync <= 0 {
		opts.StateSync = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	h := &Hub{
		registry:       opts.Registry,
		rooms:          opts.Rooms,
		store:          opts.Store,
		load:           opts.Load,
		inst:           opts.Instance,
		validator:      opts.Validator,
		limiter:        opts.RateLimiter,
		backend:        opts.Backend,
		batcher:        opts.Batcher,
		clk:            clk,
		allowedOrigins: opts.AllowedOrigins,
		pingInterval:   opts.PingInterval,
		pongTimeout:    opts.PongTimeout,
		stateTTL:       opts.StateTTL,
		stateSync:      opts.StateSync,
		sendBuffer:     opts.SendBuffer,
		crossHandlers:  make(map[string]func(bus.Envelope)),
	}

	h.rooms.SetMembershipHook(h.onMembershipChange)
	return h
}

// ServeWs authenticates the handshake and upgrades to a WebSocket.
func (h *Hub) ServeWs(c *gin.Context) {
	// Rate limiting check before anything else to save resources.
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is draining"})
		return
	}

	// Admission: per-instance cap and load-manager throttle.
	if (h.inst != nil && !h.inst.CanAcceptConnections()) || (h.load != nil && !h.load.ShouldAllowConnection()) {
		appErr := apperrors.Admission("connection rejected under load")
		c.JSON(appErr.Status(), gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	// A missing credential admits the socket as anonymous; malformed
	// credentials are rejected; cryptographic failures downgrade to
	// anonymous so the client can still authenticate later.
	var claims *types.Claims
	var token string
	if cred, ok := auth.ExtractCredential(c.Request); ok {
		token = cred.Token
		parsed, err := h.validator.ValidateToken(cred.Token)
		switch {
		case err == nil:
			claims = parsed
		case isMalformedToken(err):
			appErr := apperrors.InvalidTokenFormat()
			c.JSON(appErr.Status(), gin.H{"error": appErr.Message, "code": appErr.Code})
			return
		default:
			logging.Warn(c.Request.Context(), "Handshake credential rejected, admitting as anonymous",
				zap.String("source", cred.Source), zap.Error(err))
			token = ""
		}
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims, token)
}

// HandleConnection takes an established WebSocket and sets up the client.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *types.Claims, token string) {
	client := &Client{
		conn:         conn,
		hub:          h,
		id:           types.SocketIDType(clock.NewID("sock")),
		send:         make(chan []byte, h.sendBuffer),
		pingInterval: h.pingInterval,
		pongTimeout:  h.pongTimeout,
	}

	h.registry.Add(client, c.Request.UserAgent(), c.ClientIP())

	logging.Info(c.Request.Context(), "Socket connected",
		zap.String("socket_id", string(client.id)),
		zap.Bool("authenticated", claims != nil))

	// Start message pumps before the welcome so writes have a consumer.
	go client.writePump()
	go client.readPump()

	h.sendWelcome(client)

	if claims != nil {
		if err := h.bindUser(client, claims.Principal(), token); err != nil {
			logging.Warn(c.Request.Context(), "Handshake bind failed", zap.Error(err))
		}
	}
}

func (h *Hub) sendWelcome(client *Client) {
	frame, err := types.NewFrame("system:welcome", map[string]any{
		"message":  "connected to gateway",
		"socketId": string(client.id),
	})
	if err != nil {
		return
	}
	client.Send(frame)
}

// bindUser records the socket-user binding and joins the per-user room.
func (h *Hub) bindUser(client *Client, userID types.UserIDType, token string) error {
	if err := h.registry.RegisterUser(client, userID, token); err != nil {
		return err
	}
	h.rooms.AddToRoom(client.id, rooms.UserRoom(userID), types.RoomTypeUser)
	h.syncConnectionState(context.Background(), client.id)
	return nil
}

// userFor resolves a socket's bound user, empty when anonymous.
func (h *Hub) userFor(socketID types.SocketIDType) (types.UserIDType, bool) {
	conn, ok := h.registry.GetConnection(socketID)
	if !ok || !conn.Authenticated {
		return "", false
	}
	return conn.UserID, true
}

// handleDisconnect runs when a socket's read pump exits: leave every room,
// announce the departures, drop the registry record and shared state.
func (h *Hub) handleDisconnect(client *Client) {
	ctx := context.Background()

	userID, authenticated := h.userFor(client.id)

	left := h.rooms.LeaveAllRooms(client.id)
	if authenticated {
		for _, room := range left {
			h.rooms.BroadcastToRoom(ctx, room, "user_left", map[string]any{
				"userId": string(userID),
				"room":   string(room),
			}, true)
		}
	}

	h.registry.RemoveUser(client.id)

	if err := h.store.Delete(ctx, h.store.ConnectionKey(string(client.id))); err != nil {
		logging.Warn(ctx, "Failed to delete shared connection state", zap.Error(err))
	}

	client.Close("connection closed")

	logging.Info(ctx, "Socket disconnected",
		zap.String("socket_id", string(client.id)),
		zap.String("user_id", string(userID)),
		zap.Int("rooms_left", len(left)))
}

// Run starts the Hub's background work: bus subscriptions, the shared-state
// sync loop, and the membership hook side effects run against ctx.
func (h *Hub) Run(ctx context.Context) {
	h.startBus(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.syncLoop(ctx)
	}()
}

// syncLoop periodically refreshes shared connection state TTLs.
func (h *Hub) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(h.stateSync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sender := range h.registry.AllSenders() {
				h.syncConnectionState(ctx, sender.SocketID())
			}
		}
	}
}

// onMembershipChange mirrors every join/leave into the registry's weak
// back-reference and the shared store.
func (h *Hub) onMembershipChange(socketID types.SocketIDType, room types.RoomNameType, joined bool) {
	if joined {
		h.registry.TrackRoom(socketID, room)
	} else {
		h.registry.UntrackRoom(socketID, room)
	}
	h.syncConnectionState(context.Background(), socketID)
}

// sharedConnectionState is the per-connection record in the shared store.
type sharedConnectionState struct {
	SocketID    string   `json:"socketId"`
	UserID      string   `json:"userId,omitempty"`
	Rooms       []string `json:"rooms"`
	InstanceID  string   `json:"instanceId"`
	LastUpdated int64    `json:"lastUpdated"`
}

// syncConnectionState writes one socket's record with a fresh TTL.
func (h *Hub) syncConnectionState(ctx context.Context, socketID types.SocketIDType) {
	conn, ok := h.registry.GetConnection(socketID)
	if !ok {
		return
	}

	roomNames := make([]string, 0, len(conn.Rooms))
	for room := range conn.Rooms {
		roomNames = append(roomNames, string(room))
	}

	state := sharedConnectionState{
		SocketID:    string(socketID),
		UserID:      string(conn.UserID),
		Rooms:       roomNames,
		InstanceID:  clock.InstanceID(),
		LastUpdated: h.clk.NowMillis(),
	}

	if err := h.store.SetJSON(ctx, h.store.ConnectionKey(string(socketID)), state, h.stateTTL); err != nil {
		logging.Warn(ctx, "Failed to sync shared connection state",
			zap.String("socket_id", string(socketID)), zap.Error(err))
	}
}

// Shutdown drains the Hub: stop accepting sockets, deregister from the
// fleet, close every socket, flush the batcher.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.draining.Store(true)
	logging.Info(ctx, "Shutting down hub - closing all sockets...")

	if h.inst != nil {
		h.inst.Deregister(ctx)
	}

	senders := h.registry.AllSenders()
	for _, sender := range senders {
		sender.Close("server shutting down")
	}
	logging.Info(ctx, "All sockets closed", zap.Int("count", len(senders)))

	if h.batcher != nil {
		h.batcher.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// isMalformedToken distinguishes shape errors from cryptographic failures.
func isMalformedToken(err error) bool {
	appErr, ok := apperrors.As(err)
	return ok && appErr.Code == "INVALID_TOKEN_FORMAT"
}
