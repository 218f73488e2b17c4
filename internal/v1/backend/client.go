// Package backend is the gateway's resilient HTTP client for upstream
// services: pooled keep-alive connections, bounded exponential-backoff retry
// (optionally coordinated through the shared store), and a circuit breaker
// that fails fast while the upstream is down.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/metrics"
)

// Response is a decoded backend reply.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	JitterFactor float64

	FailureThreshold uint32
	ResetTimeout     time.Duration

	DistributedRetry bool
	Locker           Locker
	LockTTL          time.Duration
	InstanceID       string

	// HTTPClient overrides the pooled default; used by tests.
	HTTPClient *http.Client
}

// Client performs upstream requests with retry and circuit breaking.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	backoff    *backoffPolicy
	maxRetries int
}

// attemptResult carries a response through the breaker. Responses below 500
// pass through as successes so 4xx never count as breaker failures.
type attemptResult struct {
	resp *Response
}

// New creates a Client with a tuned connection pool.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 100 * time.Millisecond
	}
	if opts.Factor <= 0 {
		opts.Factor = 2
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.JitterFactor <= 0 {
		opts.JitterFactor = 0.1
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
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
			metrics.CircuitBreakerState.WithLabelValues("backend").Set(stateVal)
			logging.Info(context.Background(), "Backend circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		cb:         gobreaker.NewCircuitBreaker(st),
		maxRetries: opts.MaxRetries,
		backoff: &backoffPolicy{
			initial:      opts.InitialDelay,
			factor:       opts.Factor,
			cap:          opts.MaxDelay,
			jitterFactor: opts.JitterFactor,
			distributed:  opts.DistributedRetry,
			locker:       opts.Locker,
			lockTTL:      opts.LockTTL,
			instanceID:   opts.InstanceID,
			rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		},
	}
}

// Do performs a request with retry and circuit breaking. It retries only
// network errors, timeouts and 5xx replies; 4xx replies fail immediately.
// The context deadline bounds the whole call including backoff waits.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, apperrors.Validation("request body is not serializable").WithCause(err)
		}
	}

	start := time.Now()
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	key := requestKey(method, path)
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.BackendRetries.Inc()
			if !c.deadlineAllowsRetry(ctx, attempt) {
				metrics.BackendRequests.WithLabelValues(method, "timeout").Inc()
				return nil, apperrors.Timeout("deadline exhausted during retry").WithCause(lastErr)
			}
			if err := c.backoff.wait(ctx, key, attempt-1); err != nil {
				metrics.BackendRequests.WithLabelValues(method, "timeout").Inc()
				return nil, apperrors.Timeout("cancelled while waiting to retry").WithCause(err)
			}
		}

		resp, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			if resp.Status >= 400 {
				// 4xx: immediate failure, never retried, never a breaker failure.
				metrics.BackendRequests.WithLabelValues(method, "client_error").Inc()
				return resp, apperrors.BackendService(fmt.Sprintf("backend returned %d", resp.Status)).
					WithDetails(map[string]any{"status": resp.Status})
			}
			metrics.BackendRequests.WithLabelValues(method, "ok").Inc()
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BackendRequests.WithLabelValues(method, "circuit_open").Inc()
			metrics.CircuitBreakerFailures.WithLabelValues("backend").Inc()
			return nil, apperrors.CircuitOpen()
		}

		lastErr = err
		logging.Warn(ctx, "Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	metrics.BackendRequests.WithLabelValues(method, "error").Inc()
	if isTimeout(lastErr) {
		return nil, apperrors.Timeout("backend request timed out").WithCause(lastErr)
	}
	return nil, apperrors.BackendService("backend request failed after retries").WithCause(lastErr)
}

// attempt performs one request through the circuit breaker.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		bodyBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
		if err != nil {
			return nil, err
		}

		result := attemptResult{resp: &Response{Status: httpResp.StatusCode, Body: bodyBytes}}
		if httpResp.StatusCode >= 500 {
			// 5xx feeds the breaker but still surfaces the status upstream.
			return result, fmt.Errorf("backend returned %d", httpResp.StatusCode)
		}
		return result, nil
	})

	if err != nil {
		return nil, err
	}
	return res.(attemptResult).resp, nil
}

// deadlineAllowsRetry reports whether the context deadline leaves room for
// the next backoff wait plus a minimal request.
func (c *Client) deadlineAllowsRetry(ctx context.Context, attempt int) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > c.backoff.delay(attempt-1)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
