// Package instance owns this process's identity record in the shared store:
// it heartbeats InstanceInfo under a TTL so peers can discover live
// gateways, and gates admission against the per-instance connection cap.
package instance

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
)

// Info describes one live gateway process.
type Info struct {
	InstanceID    string `json:"instanceId"`
	Hostname      string `json:"hostname"`
	PID           int    `json:"pid"`
	Group         string `json:"group"`
	StartTime     int64  `json:"startTime"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptime"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// Options configures a Manager.
type Options struct {
	Store             *bus.Service
	Clock             clock.Clock
	Group             string
	MaxConnections    int
	LoadBalancing     bool
	HeartbeatInterval time.Duration
	TTL               time.Duration
	ConnectionCount   func() int
}

// Manager heartbeats the local InstanceInfo and answers admission queries.
type Manager struct {
	store *bus.Service
	clk   clock.Clock

	id        string
	hostname  string
	pid       int
	group     string
	startTime time.Time

	maxConnections    int
	loadBalancing     bool
	heartbeatInterval time.Duration
	ttl               time.Duration
	connectionCount   func() int
}

// New creates a Manager for this process. ConnectionCount must be non-nil.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 4 * interval
	}
	return &Manager{
		store:             opts.Store,
		clk:               clk,
		id:                clock.InstanceID(),
		hostname:          hostname,
		pid:               os.Getpid(),
		group:             opts.Group,
		startTime:         clk.Now(),
		maxConnections:    opts.MaxConnections,
		loadBalancing:     opts.LoadBalancing,
		heartbeatInterval: interval,
		ttl:               ttl,
		connectionCount:   opts.ConnectionCount,
	}
}

// ID returns the process-stable instance id.
func (m *Manager) ID() string {
	return m.id
}

// Info builds the current InstanceInfo.
func (m *Manager) Info() Info {
	now := m.clk.Now()
	return Info{
		InstanceID:    m.id,
		Hostname:      m.hostname,
		PID:           m.pid,
		Group:         m.group,
		StartTime:     m.startTime.UnixMilli(),
		Connections:   m.connectionCount(),
		UptimeSeconds: int64(now.Sub(m.startTime).Seconds()),
		LastHeartbeat: now.UnixMilli(),
	}
}

// Run writes the instance record immediately, then refreshes it on the
// heartbeat interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.heartbeat(ctx)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes the instance hash and its TTL.
func (m *Manager) heartbeat(ctx context.Context) {
	info := m.Info()
	fields := map[string]any{
		"instanceId":    info.InstanceID,
		"hostname":      info.Hostname,
		"pid":           strconv.Itoa(info.PID),
		"group":         info.Group,
		"startTime":     strconv.FormatInt(info.StartTime, 10),
		"connections":   strconv.Itoa(info.Connections),
		"uptime":        strconv.FormatInt(info.UptimeSeconds, 10),
		"lastHeartbeat": strconv.FormatInt(info.LastHeartbeat, 10),
	}
	if err := m.store.HSet(ctx, m.store.InstanceKey(m.id), fields, m.ttl); err != nil {
		logging.Warn(ctx, "Instance heartbeat failed", zap.Error(err))
	}
}

// Deregister deletes this instance's record. Called on graceful shutdown.
func (m *Manager) Deregister(ctx context.Context) {
	if err := m.store.Delete(ctx, m.store.InstanceKey(m.id)); err != nil {
		logging.Warn(ctx, "Instance deregistration failed", zap.Error(err))
		return
	}
	logging.Info(ctx, "Instance deregistered", zap.String("instance_id", m.id))
}

// CanAcceptConnections reports whether this instance is below its connection
// cap. Always true when load balancing is disabled.
func (m *Manager) CanAcceptConnections() bool {
	if !m.loadBalancing {
		return true
	}
	return m.connectionCount() < m.maxConnections
}

// AllInstances enumerates live peers via the shared store.
func (m *Manager) AllInstances(ctx context.Context) ([]Info, error) {
	keys, err := m.store.Keys(ctx, m.store.InstanceKey("*"))
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(keys))
	for _, key := range keys {
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, infoFromFields(fields))
	}
	return out, nil
}

func infoFromFields(fields map[string]string) Info {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	atoi64 := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return Info{
		InstanceID:    fields["instanceId"],
		Hostname:      fields["hostname"],
		PID:           atoi(fields["pid"]),
		Group:         fields["group"],
		StartTime:     atoi64(fields["startTime"]),
		Connections:   atoi(fields["connections"]),
		UptimeSeconds: atoi64(fields["uptime"]),
		LastHeartbeat: atoi64(fields["lastHeartbeat"]),
	}
}
