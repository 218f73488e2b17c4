package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Thresholds holds the elevated/high/critical cutoffs for one load metric.
type Thresholds struct {
	Elevated float64
	High     float64
	Critical float64
}

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Socket keepalive
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Redis / shared state
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatePrefix   string
	StateTTL      time.Duration
	StateSync     time.Duration

	// Instance identity and admission
	InstanceGroup     string
	MaxConnections    int
	LoadBalancing     bool
	HeartbeatInterval time.Duration
	InactivityMinutes int

	// Auth (optional asymmetric mode)
	JWKSDomain   string
	JWKSAudience string

	// Load thresholds
	CPUThresholds        Thresholds
	MemoryThresholds     Thresholds
	ConnectionThresholds Thresholds
	LagThresholds        Thresholds
	LoadCheckInterval    time.Duration
	MaxConnsUnderLoad    int
	MaxMsgRateUnderLoad  int
	RateOverrides        map[string]int

	// Backend client
	BackendBaseURL          string
	BackendTimeout          time.Duration
	BackendMaxRetries       int
	BackendInitialDelay     time.Duration
	BackendFailureThreshold int
	BackendResetTimeout     time.Duration
	DistributedRetry        bool

	// Batcher
	BatchMaxSize      int
	BatchMaxDelay     time.Duration
	BatchMaxPayload   int

	// Rate Limits (Defaults: S = Second, M = Minute, H = Hour)
	RateLimitAPIGlobal string
	RateLimitAPIPush   string
	RateLimitWsIP      string

	// Push API auth
	PushAPIKey string

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.RedisDB = getEnvInt("REDIS_DB", 0, &errors)
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Socket keepalive
	cfg.PingInterval = getEnvDuration("PING_INTERVAL", 25*time.Second, &errors)
	cfg.PongTimeout = getEnvDuration("PONG_TIMEOUT", 60*time.Second, &errors)
	if cfg.PongTimeout <= cfg.PingInterval {
		errors = append(errors, fmt.Sprintf("PONG_TIMEOUT (%s) must be greater than PING_INTERVAL (%s)", cfg.PongTimeout, cfg.PingInterval))
	}

	// Shared state
	cfg.StatePrefix = getEnvOrDefault("STATE_PREFIX", "gateway")
	cfg.StateTTL = getEnvDuration("STATE_TTL", 60*time.Second, &errors)
	cfg.StateSync = getEnvDuration("STATE_SYNC_INTERVAL", 30*time.Second, &errors)

	// Instance identity and admission
	cfg.InstanceGroup = getEnvOrDefault("INSTANCE_GROUP", "default")
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 10000, &errors)
	cfg.LoadBalancing = getEnvOrDefault("LOAD_BALANCING", "true") == "true"
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second, &errors)
	cfg.InactivityMinutes = getEnvInt("INACTIVITY_MINUTES", 30, &errors)

	// Optional asymmetric auth
	cfg.JWKSDomain = os.Getenv("AUTH_JWKS_DOMAIN")
	cfg.JWKSAudience = os.Getenv("AUTH_JWKS_AUDIENCE")
	if cfg.JWKSDomain != "" && cfg.JWKSAudience == "" {
		errors = append(errors, "AUTH_JWKS_AUDIENCE is required when AUTH_JWKS_DOMAIN is set")
	}

	// Load thresholds
	cfg.CPUThresholds = getEnvThresholds("LOAD_CPU", Thresholds{70, 85, 95}, &errors)
	cfg.MemoryThresholds = getEnvThresholds("LOAD_MEMORY", Thresholds{70, 85, 95}, &errors)
	cfg.ConnectionThresholds = getEnvThresholds("LOAD_CONNECTIONS", Thresholds{1000, 5000, 10000}, &errors)
	cfg.LagThresholds = getEnvThresholds("LOAD_LAG_MS", Thresholds{100, 500, 1000}, &errors)
	cfg.LoadCheckInterval = getEnvDuration("LOAD_CHECK_INTERVAL", 10*time.Second, &errors)
	cfg.MaxConnsUnderLoad = getEnvInt("MAX_CONNECTIONS_UNDER_LOAD", 8000, &errors)
	cfg.MaxMsgRateUnderLoad = getEnvInt("MAX_MESSAGE_RATE_UNDER_LOAD", 10, &errors)
	cfg.RateOverrides = getEnvRateOverrides("RATE_OVERRIDES", &errors)

	// Backend client
	cfg.BackendBaseURL = getEnvOrDefault("BACKEND_BASE_URL", "http://localhost:8081")
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 30*time.Second, &errors)
	cfg.BackendMaxRetries = getEnvInt("BACKEND_MAX_RETRIES", 3, &errors)
	cfg.BackendInitialDelay = getEnvDuration("BACKEND_INITIAL_DELAY", 100*time.Millisecond, &errors)
	cfg.BackendFailureThreshold = getEnvInt("BACKEND_FAILURE_THRESHOLD", 5, &errors)
	cfg.BackendResetTimeout = getEnvDuration("BACKEND_RESET_TIMEOUT", 30*time.Second, &errors)
	cfg.DistributedRetry = os.Getenv("DISTRIBUTED_RETRY") == "true"

	// Batcher
	cfg.BatchMaxSize = getEnvInt("BATCH_MAX_SIZE", 50, &errors)
	cfg.BatchMaxDelay = getEnvDuration("BATCH_MAX_DELAY", 100*time.Millisecond, &errors)
	cfg.BatchMaxPayload = getEnvInt("BATCH_MAX_PAYLOAD_BYTES", 1048576, &errors)

	// Rate Limits
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPush = getEnvOrDefault("RATE_LIMIT_API_PUSH", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.PushAPIKey = os.Getenv("PUSH_API_KEY")

	// Tracing
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPEndpoint = getEnvOrDefault("OTLP_ENDPOINT", "localhost:4317")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"state_prefix", cfg.StatePrefix,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"max_connections", cfg.MaxConnections,
		"backend_base_url", cfg.BackendBaseURL,
		"distributed_retry", cfg.DistributedRetry,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, appending to errs on failure
func getEnvInt(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// getEnvDuration parses a duration environment variable ("100ms", "10s"),
// appending to errs on failure
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration (got '%s')", key, value))
		return defaultValue
	}
	return d
}

// getEnvThresholds parses <key>_ELEVATED / _HIGH / _CRITICAL, requiring a
// strictly increasing sequence
func getEnvThresholds(key string, defaults Thresholds, errs *[]string) Thresholds {
	t := Thresholds{
		Elevated: getEnvFloat(key+"_ELEVATED", defaults.Elevated, errs),
		High:     getEnvFloat(key+"_HIGH", defaults.High, errs),
		Critical: getEnvFloat(key+"_CRITICAL", defaults.Critical, errs),
	}
	if !(t.Elevated < t.High && t.High < t.Critical) {
		*errs = append(*errs, fmt.Sprintf("%s thresholds must be strictly increasing (got %.0f/%.0f/%.0f)", key, t.Elevated, t.High, t.Critical))
	}
	return t
}

// getEnvRateOverrides parses per-event message rate limits from a
// comma-separated "event:limit" list, e.g. "client:message:20,typing:5".
// The limit is the segment after the last colon so event names may contain
// colons themselves.
func getEnvRateOverrides(key string, errs *[]string) map[string]int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return nil
	}

	overrides := make(map[string]int)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 || idx == len(entry)-1 {
			*errs = append(*errs, fmt.Sprintf("%s entries must be 'event:limit' (got '%s')", key, entry))
			continue
		}
		limit, err := strconv.Atoi(entry[idx+1:])
		if err != nil || limit < 1 {
			*errs = append(*errs, fmt.Sprintf("%s limit must be a positive integer (got '%s')", key, entry))
			continue
		}
		overrides[entry[:idx]] = limit
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative number (got '%s')", key, value))
		return defaultValue
	}
	return f
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
