// Package bus wraps the shared Redis store behind a circuit breaker. It
// provides the cross-instance pub/sub channels and the key/value state used
// for connection records, instance heartbeats, and distributed retry locks.
//
// A nil *Service is valid and means single-instance mode: every operation
// becomes a no-op so the rest of the gateway never branches on Redis being
// configured.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
)

// Envelope is the standardized container for moving messages between
// instances. SourceInstanceID prevents echo: receivers drop their own
// envelopes.
type Envelope struct {
	Event            string          `json:"event"`
	Data             json.RawMessage `json:"data"`
	SourceInstanceID string          `json:"sourceInstanceId"`
	Timestamp        int64           `json:"timestamp"`
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	prefix     string
	instanceID string
}

// Options configures a Service.
type Options struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	InstanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(opts Options) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", opts.Addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		prefix:     opts.Prefix,
		instanceID: opts.InstanceID,
	}, nil
}

// BroadcastChannel is the channel every instance subscribes to.
func (s *Service) BroadcastChannel() string {
	if s == nil {
		return ""
	}
	return s.prefix + ":cross-instance:broadcast"
}

// DirectChannel is the channel only the named instance subscribes to.
func (s *Service) DirectChannel(instanceID string) string {
	if s == nil {
		return ""
	}
	return s.prefix + ":cross-instance:direct:" + instanceID
}

// InstanceKey is the shared-store key holding one instance's heartbeat hash.
func (s *Service) InstanceKey(instanceID string) string {
	if s == nil {
		return ""
	}
	return s.prefix + ":instances:" + instanceID
}

// ConnectionKey is the shared-store key holding one socket's state document.
func (s *Service) ConnectionKey(socketID string) string {
	if s == nil {
		return ""
	}
	return s.prefix + ":connections:" + socketID
}

// newEnvelope wraps data for the wire, stamping source and time.
func (s *Service) newEnvelope(event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	return &Envelope{
		Event:            event,
		Data:             raw,
		SourceInstanceID: s.instanceID,
		Timestamp:        time.Now().UnixMilli(),
	}, nil
}

// PublishBroadcast sends an envelope to every instance in the fleet.
func (s *Service) PublishBroadcast(ctx context.Context, event string, data any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.publish(ctx, s.BroadcastChannel(), "broadcast", event, data)
}

// PublishDirect sends an envelope to one specific peer instance.
func (s *Service) PublishDirect(ctx context.Context, targetInstanceID, event string, data any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.publish(ctx, s.DirectChannel(targetInstanceID), "direct", event, data)
}

func (s *Service) publish(ctx context.Context, channel, kind, event string, data any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		env, err := s.newEnvelope(event, data)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, payload).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusPublishes.WithLabelValues(kind, "dropped").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("channel", channel), zap.String("event", event))
			return nil // Graceful degradation: drop message, don't crash caller
		}
		metrics.BusPublishes.WithLabelValues(kind, "error").Inc()
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues(kind, "ok").Inc()
	return nil
}

// SubscribeBroadcast listens on the fleet-wide channel. Envelopes published
// by this instance are dropped before the handler sees them.
func (s *Service) SubscribeBroadcast(ctx context.Context, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}
	s.subscribe(ctx, s.BroadcastChannel(), wg, func(env Envelope) {
		if env.SourceInstanceID == s.instanceID {
			return
		}
		handler(env)
	})
}

// SubscribeDirect listens on this instance's private channel.
func (s *Service) SubscribeDirect(ctx context.Context, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}
	s.subscribe(ctx, s.DirectChannel(s.instanceID), wg, handler)
}

// subscribe starts a background goroutine that reads envelopes until the
// context is cancelled or the connection dies.
func (s *Service) subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Envelope)) {
	// Subscriptions are long-lived and don't fit a request/response circuit
	// breaker; the redis client reconnects on its own.
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal Redis envelope", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				metrics.BusReceives.WithLabelValues(env.Event).Inc()
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity; used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
