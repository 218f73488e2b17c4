package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/signalmesh/gateway/internal/v1/auth"
	"github.com/signalmesh/gateway/internal/v1/backend"
	"github.com/signalmesh/gateway/internal/v1/batch"
	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/config"
	"github.com/signalmesh/gateway/internal/v1/health"
	"github.com/signalmesh/gateway/internal/v1/instance"
	"github.com/signalmesh/gateway/internal/v1/load"
	"github.com/signalmesh/gateway/internal/v1/logging"
	"github.com/signalmesh/gateway/internal/v1/middleware"
	"github.com/signalmesh/gateway/internal/v1/push"
	"github.com/signalmesh/gateway/internal/v1/ratelimit"
	"github.com/signalmesh/gateway/internal/v1/registry"
	"github.com/signalmesh/gateway/internal/v1/rooms"
	"github.com/signalmesh/gateway/internal/v1/tracing"
	"github.com/signalmesh/gateway/internal/v1/transport"
	"github.com/signalmesh/gateway/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(rootCtx, "gateway", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without", "error", err)
		} else {
			slog.Info("✅ Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Token Validator ---
	// JWKS when a domain is configured, HS256 otherwise; development mode
	// without a secret falls back to the unverified decoder.
	var validator types.TokenValidator
	switch {
	case cfg.JWKSDomain != "":
		jwksValidator, err := auth.NewJWKSValidator(rootCtx, cfg.JWKSDomain, cfg.JWKSAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		validator = jwksValidator
		slog.Info("✅ JWKS validator initialized", "domain", cfg.JWKSDomain)
	case cfg.DevelopmentMode && cfg.JWTSecret == "":
		slog.Warn("⚠️ Token verification DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	default:
		validator = auth.NewVerifier(cfg.JWTSecret)
	}

	// --- Redis Bus Initialization (Optional) ---
	var store *bus.Service
	if cfg.RedisEnabled {
		store, err = bus.NewService(bus.Options{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Prefix:     cfg.StatePrefix,
			InstanceID: clock.InstanceID(),
		})
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			store = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis initialized for cross-instance messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Core Components ---
	reg := registry.New(validator, nil)

	// A nil *bus.Service inside the Publisher interface would still compare
	// non-nil, so only hand rooms a publisher when the bus is really up.
	var publisher rooms.Publisher
	if store != nil {
		publisher = store
	}
	roomMgr := rooms.New(reg.GetSender, publisher, nil)

	loadMgr := load.New(load.Options{
		CPU:                 cfg.CPUThresholds,
		Memory:              cfg.MemoryThresholds,
		Connections:         cfg.ConnectionThresholds,
		LagMs:               cfg.LagThresholds,
		CheckInterval:       cfg.LoadCheckInterval,
		MaxConnsUnderLoad:   cfg.MaxConnsUnderLoad,
		MaxMsgRateUnderLoad: cfg.MaxMsgRateUnderLoad,
		RateOverrides:       cfg.RateOverrides,
		ConnectionCount:     reg.Count,
	})

	inst := instance.New(instance.Options{
		Store:             store,
		Group:             cfg.InstanceGroup,
		MaxConnections:    cfg.MaxConnections,
		LoadBalancing:     cfg.LoadBalancing,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionCount:   reg.Count,
	})

	backendClient := backend.New(backend.Options{
		BaseURL:          cfg.BackendBaseURL,
		Timeout:          cfg.BackendTimeout,
		MaxRetries:       cfg.BackendMaxRetries,
		InitialDelay:     cfg.BackendInitialDelay,
		FailureThreshold: uint32(cfg.BackendFailureThreshold),
		ResetTimeout:     cfg.BackendResetTimeout,
		DistributedRetry: cfg.DistributedRetry,
		Locker:           store,
		InstanceID:       inst.ID(),
	})

	batcher := batch.New(batch.Options{
		MaxBatchSize:    cfg.BatchMaxSize,
		MaxDelay:        cfg.BatchMaxDelay,
		MaxPayloadBytes: cfg.BatchMaxPayload,
	}, func(target string, msgs []json.RawMessage) error {
		_, err := backendClient.Do(context.Background(), http.MethodPost, "/api/messages/batch", map[string]any{
			"target":   target,
			"messages": msgs,
		})
		return err
	})

	limiter, err := ratelimit.NewRateLimiter(cfg, store.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	hub := transport.NewHub(transport.Options{
		Registry:       reg,
		Rooms:          roomMgr,
		Store:          store,
		Load:           loadMgr,
		Instance:       inst,
		Validator:      validator,
		RateLimiter:    limiter,
		Backend:        backendClient,
		Batcher:        batcher,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"}),
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		StateTTL:       cfg.StateTTL,
		StateSync:      cfg.StateSync,
	})

	pushAPI := push.New(push.Options{
		Registry: reg,
		Rooms:    roomMgr,
		Store:    store,
	})

	// --- Background Loops ---
	hub.Run(rootCtx)
	go loadMgr.Run(rootCtx)
	go inst.Run(rootCtx)
	go reg.Run(rootCtx, cfg.InactivityMinutes)

	// --- HTTP Surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("gateway"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-API-Key", "X-Request-ID")
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	apiGroup := router.Group("/api/v1")
	apiGroup.Use(limiter.GlobalMiddleware())

	pushGroup := apiGroup.Group("")
	pushGroup.Use(limiter.PushMiddleware())
	push.NewHandler(pushAPI, cfg.PushAPIKey).RegisterRoutes(pushGroup)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Gateway starting", "port", cfg.Port, "instance_id", inst.ID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain sockets, deregister the instance, flush the batcher.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	// Stop background loops after the hub has drained.
	rootCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if store != nil {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Gateway exiting")
}
