package backend

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/gateway/internal/v1/apperrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := Options{
		BaseURL:      srv.URL,
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func TestDo_Success(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, nil)

	resp, err := client.Do(context.Background(), http.MethodPost, "/api/events", map[string]string{"type": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "x", gotBody["type"])
}

func TestDo_ClientError_NoRetry(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad shape"}`))
	}, nil)

	resp, err := client.Do(context.Background(), http.MethodPost, "/api/events", nil)
	require.Error(t, err)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "BACKEND_SERVICE_ERROR", appErr.Code)
	assert.Equal(t, 422, appErr.Details["status"])

	// The reply body is still surfaced alongside the error.
	require.NotNil(t, resp)
	assert.Equal(t, 422, resp.Status)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_ServerError_Retries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}, nil)

	resp, err := client.Do(context.Background(), http.MethodGet, "/api/events", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_ExhaustedRetries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(o *Options) {
		o.MaxRetries = 2
		o.FailureThreshold = 10 // keep the breaker out of this test
	})

	_, err := client.Do(context.Background(), http.MethodGet, "/api/events", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindBackendService))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls)) // initial + 2 retries
}

func TestDo_CircuitOpens(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(o *Options) {
		o.MaxRetries = 0
		o.FailureThreshold = 2
		o.ResetTimeout = time.Hour
	})
	ctx := context.Background()

	// Two consecutive 5xx failures trip the breaker.
	_, err := client.Do(ctx, http.MethodGet, "/api/events", nil)
	require.Error(t, err)
	_, err = client.Do(ctx, http.MethodGet, "/api/events", nil)
	require.Error(t, err)

	// The third call fails fast without reaching the backend.
	_, err = client.Do(ctx, http.MethodGet, "/api/events", nil)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "CIRCUIT_OPEN", appErr.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_FourXXDoesNotTripBreaker(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}, func(o *Options) {
		o.MaxRetries = 0
		o.FailureThreshold = 2
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.Do(ctx, http.MethodGet, "/api/events", nil)
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, "BACKEND_SERVICE_ERROR", appErr.Code)
	}

	// Every call reached the backend: the circuit never opened.
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, func(o *Options) {
		o.MaxRetries = 3
		o.InitialDelay = 500 * time.Millisecond
		o.MaxDelay = time.Second
		o.FailureThreshold = 100
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Do(ctx, http.MethodGet, "/api/events", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))
}

func TestDo_UnserializableBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	_, err := client.Do(context.Background(), http.MethodPost, "/api/events", func() {})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func newTestBackoff() *backoffPolicy {
	return &backoffPolicy{
		initial:      100 * time.Millisecond,
		factor:       2,
		cap:          10 * time.Second,
		jitterFactor: 0.1,
		rng:          rand.New(rand.NewSource(1)),
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	b := newTestBackoff()

	for attempt := 0; attempt < 10; attempt++ {
		base := float64(100*time.Millisecond) * float64(int(1)<<attempt)
		if base > float64(b.cap) {
			base = float64(b.cap)
		}
		for i := 0; i < 100; i++ {
			d := b.delay(attempt)
			assert.GreaterOrEqual(t, float64(d), base*0.9, "attempt %d", attempt)
			assert.LessOrEqual(t, d, b.cap, "attempt %d", attempt)
			assert.LessOrEqual(t, float64(d), base*1.1, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelay_ConcurrentDraws(t *testing.T) {
	b := newTestBackoff()

	// All Do calls on a client share one policy, so jitter draws must be
	// safe under the race detector.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d := b.delay(i % 5)
				assert.GreaterOrEqual(t, d, time.Duration(0))
				assert.LessOrEqual(t, d, b.cap)
			}
		}()
	}
	wg.Wait()
}

func TestDo_ConcurrentRetries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, func(o *Options) {
		o.MaxRetries = 2
		o.FailureThreshold = 1000
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Do(context.Background(), http.MethodGet, "/api/events", nil)
			assert.True(t, apperrors.IsKind(err, apperrors.KindBackendService))
		}()
	}
	wg.Wait()
}

func TestBackoffDelay_InstanceBias(t *testing.T) {
	b := newTestBackoff()
	b.instanceID = "host-1-12345-abcdef01"

	bias := b.instanceBias()
	assert.GreaterOrEqual(t, bias, 0.95)
	assert.LessOrEqual(t, bias, 1.05)

	// Deterministic for a given id.
	assert.Equal(t, bias, b.instanceBias())

	b.instanceID = ""
	assert.Equal(t, 1.0, b.instanceBias())
}

type stubLocker struct {
	won bool
	err error
}

func (s *stubLocker) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return s.won, s.err
}

func TestBackoffWait_DistributedLoserShortens(t *testing.T) {
	b := newTestBackoff()
	b.initial = 200 * time.Millisecond
	b.jitterFactor = 0.0001
	b.distributed = true
	b.locker = &stubLocker{won: false}

	start := time.Now()
	require.NoError(t, b.wait(context.Background(), "GET:_api_events", 0))
	elapsed := time.Since(start)

	// Losers wait 0.5*d + U[0, 0.3*d]: strictly less than the full delay.
	assert.Less(t, elapsed, 190*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestBackoffWait_StoreFailureFallsBack(t *testing.T) {
	b := newTestBackoff()
	b.initial = 20 * time.Millisecond
	b.jitterFactor = 0.0001
	b.distributed = true
	b.locker = &stubLocker{err: context.DeadlineExceeded}

	start := time.Now()
	require.NoError(t, b.wait(context.Background(), "GET:_api_events", 0))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "POST:api_events", requestKey(http.MethodPost, "/api/events"))
	assert.Equal(t, "GET:api_messages_batch", requestKey(http.MethodGet, "/api/messages/batch/"))
}
