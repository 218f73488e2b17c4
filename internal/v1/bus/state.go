package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
)

// Key/value state operations. Every method degrades gracefully when the
// circuit is open or the service is nil: writes are dropped, reads come back
// empty. The instance stays authoritative for its own sockets either way.

// SetJSON stores a JSON-encoded document under key with a TTL.
func (s *Service) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for %s: %w", key, err)
		}
		return nil, s.client.Set(ctx, key, data, ttl).Err()
	})

	return s.degrade(ctx, "SetJSON", key, err)
}

// GetJSON loads a JSON document into out. Returns false when the key is
// absent or the store is unavailable.
func (s *Service) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// A missing key is not a store failure; don't feed the breaker.
			return nil, nil
		}
		return val, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: GetJSON unavailable", zap.String("key", key))
			return false, nil
		}
		logging.Error(ctx, "Redis GetJSON failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if res == nil {
		return false, nil
	}

	if err := json.Unmarshal([]byte(res.(string)), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	return s.degrade(ctx, "Delete", key, err)
}

// Expire refreshes a key's TTL.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return s.degrade(ctx, "Expire", key, err)
}

// HSet writes hash fields under key and applies a TTL.
func (s *Service) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return s.degrade(ctx, "HSet", key, err)
}

// HGetAll reads every field of a hash. Returns an empty map when the key is
// absent or the store is unavailable.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: HGetAll unavailable", zap.String("key", key))
			return nil, nil
		}
		logging.Error(ctx, "Redis HGetAll failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return res.(map[string]string), nil
}

// Keys enumerates keys matching pattern. Intended for low-cardinality
// patterns like instance discovery, not hot paths.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Keys(ctx, pattern).Result()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: Keys unavailable", zap.String("pattern", pattern))
			return nil, nil
		}
		logging.Error(ctx, "Redis Keys failed", zap.String("pattern", pattern), zap.Error(err))
		return nil, fmt.Errorf("failed to list keys %s: %w", pattern, err)
	}
	return res.([]string), nil
}

// SetNX acquires a short-lived lock: it sets key only if absent and reports
// whether this caller won. Used for distributed retry coordination.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return res.(bool), nil
}

// degrade converts breaker-open errors into logged no-ops and wraps real
// store errors.
func (s *Service) degrade(ctx context.Context, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		logging.Warn(ctx, "Redis circuit breaker open: skipping "+op, zap.String("key", key))
		return nil
	}
	logging.Error(ctx, "Redis "+op+" failed", zap.String("key", key), zap.Error(err))
	return fmt.Errorf("redis %s %s: %w", op, key, err)
}
