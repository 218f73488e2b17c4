package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "this-is-a-test-secret-of-32-chars!!")
	t.Setenv("PORT", "8080")
}

func TestValidateEnv_MissingRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PORT", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnv_ShortSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")
	t.Setenv("PORT", "8080")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "gateway", cfg.StatePrefix)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.PongTimeout)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 30, cfg.InactivityMinutes)
	assert.Equal(t, 3, cfg.BackendMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.BackendInitialDelay)
	assert.Equal(t, 5, cfg.BackendFailureThreshold)
	assert.Equal(t, 50, cfg.BatchMaxSize)
	assert.Equal(t, 1048576, cfg.BatchMaxPayload)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.Equal(t, "500-M", cfg.RateLimitAPIPush)
}

func TestValidateEnv_DefaultThresholds(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, Thresholds{70, 85, 95}, cfg.CPUThresholds)
	assert.Equal(t, Thresholds{70, 85, 95}, cfg.MemoryThresholds)
	assert.Equal(t, Thresholds{1000, 5000, 10000}, cfg.ConnectionThresholds)
	assert.Equal(t, Thresholds{100, 500, 1000}, cfg.LagThresholds)
}

func TestValidateEnv_ThresholdsMustIncrease(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOAD_CPU_ELEVATED", "90")
	t.Setenv("LOAD_CPU_HIGH", "85")
	t.Setenv("LOAD_CPU_CRITICAL", "95")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidateEnv_PongMustExceedPing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PING_INTERVAL", "30s")
	t.Setenv("PONG_TIMEOUT", "20s")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PONG_TIMEOUT")
}

func TestValidateEnv_RedisDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidateEnv_BadRedisAddr(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-an-addr")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateEnv_JWKSRequiresAudience(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AUTH_JWKS_DOMAIN", "tenant.example.com")
	t.Setenv("AUTH_JWKS_AUDIENCE", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWKS_AUDIENCE")
}

func TestValidateEnv_InvalidDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKEND_TIMEOUT", "banana")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKEND_TIMEOUT")
}

func TestValidateEnv_RateOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_OVERRIDES", "client:message:20, typing:5")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"client:message": 20, "typing": 5}, cfg.RateOverrides)
}

func TestValidateEnv_RateOverridesDefaultEmpty(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Nil(t, cfg.RateOverrides)
}

func TestValidateEnv_RateOverridesInvalid(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_OVERRIDES", "no-limit")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_OVERRIDES")

	t.Setenv("RATE_OVERRIDES", "typing:0")
	_, err = ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive integer")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:notaport"))
	assert.False(t, isValidHostPort("host:70000"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "12345678***", redactSecret("1234567890abcdef"))
}
