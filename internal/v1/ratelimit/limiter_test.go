package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/gateway/internal/v1/config"
)

func testConfig(global, push, ws string) *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: global,
		RateLimitAPIPush:   push,
		RateLimitWsIP:      ws,
	}
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	_, err := NewRateLimiter(testConfig("not-a-rate", "500-M", "100-M"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API global rate")
}

func TestGlobalMiddleware_AllowsWithinLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(testConfig("1000-M", "500-M", "100-M"), nil)
	require.NoError(t, err)

	router := gin.New()
	router.Use(rl.GlobalMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestGlobalMiddleware_RejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(testConfig("2-M", "500-M", "100-M"), nil)
	require.NoError(t, err)

	router := gin.New()
	router.Use(rl.GlobalMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/ping", nil))
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Contains(t, last.Body.String(), "RATE_LIMITED")
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestPushMiddleware_IndependentBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(testConfig("1-M", "1000-M", "100-M"), nil)
	require.NoError(t, err)

	router := gin.New()
	router.POST("/push", rl.PushMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	// The tight global budget does not apply to the push limiter.
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCheckWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(testConfig("1000-M", "500-M", "2-M"), nil)
	require.NoError(t, err)

	allowed := 0
	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		if rl.CheckWebSocket(c) {
			allowed++
			c.Status(http.StatusOK)
		}
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/ws", nil))
	}

	assert.Equal(t, 2, allowed)
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
}
