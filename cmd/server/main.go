package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-collab/internal/api"
	"realtime-collab/internal/auth"
	"realtime-collab/internal/config"
	"realtime-collab/internal/db"
	"realtime-collab/internal/logger"
	"realtime-collab/internal/metrics"
	"realtime-collab/internal/repository"
	"realtime-collab/internal/services"
	"realtime-collab/internal/services/collaboration"
	"realtime-collab/internal/services/realtime"
	"realtime-collab/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serviceVersion = "0.1.0"

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Background sweeps bound to a cancellable context
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order

Shutdown order matters here. The HTTP server stops accepting first, then
every realtime connection is closed (which empties the sessions through the
disconnect hook), and only then is the recorder drained, so no change that
was broadcast is lost before it reaches the database.
*/

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	zapLogger.Info("starting realtime collaboration server", zap.String("version", serviceVersion))

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("realtime-collab", serviceVersion, cfg.JaegerEndpoint, cfg.TraceSampleRatio, zapLogger)
	if err != nil {
		zapLogger.Warn("failed to initialize jaeger, continuing without tracing", zap.Error(err))
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			zapLogger.Warn("failed to shutdown jaeger", zap.Error(err))
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Initialize repositories
	changeRepo := repository.NewChangeRepository(database.DB)
	snapshotRepo := repository.NewSnapshotRepository(database.DB)

	// Learning: The recorder persists broadcast changes off the hot path
	recorder := services.NewChangeRecorder(changeRepo, cfg.RecorderWorkers, cfg.RecorderQueueSize, zapLogger)
	recorder.Start()

	collectors := metrics.New()
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	connections := realtime.NewRegistry(verifier,
		realtime.WithLogger(zapLogger),
		realtime.WithMetrics(collectors),
	)

	sessions := collaboration.NewSessionRegistry(connections,
		collaboration.WithRecorder(recorder),
		collaboration.WithSequenceSource(changeRepo),
		collaboration.WithContentStore(snapshotRepo),
		collaboration.WithLogger(zapLogger),
		collaboration.WithMetrics(collectors),
	)

	// Learning: A closed socket must also leave every session it joined
	connections.OnDisconnect(func(conn *realtime.Connection) {
		sessions.HandleDisconnect(conn.ID)
	})

	dispatcher := realtime.NewDispatcher(connections, collaboration.NewHandler(sessions, zapLogger),
		realtime.WithHeartbeatInterval(cfg.HeartbeatInterval),
		realtime.WithDispatcherLogger(zapLogger),
	)

	upgrader := realtime.NewUpgrader(cfg.Origins())

	router := api.SetupRoutes(api.Routes{
		API:           api.NewHandler(connections, sessions, changeRepo, snapshotRepo, recorder, zapLogger),
		Realtime:      realtime.NewWebSocketHandler(connections, dispatcher, upgrader, cfg.MaxMessageSize, zapLogger),
		Collaboration: collaboration.NewWebSocketHandler(connections, dispatcher, sessions, upgrader, cfg.MaxMessageSize, zapLogger).HandleSessionConnection,
		Metrics:       promhttp.Handler(),
	}, zapLogger, cfg.Origins())

	// Background sweeps stop when sweepCtx is cancelled
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()

	if cfg.IdleTimeout > 0 && cfg.IdleSweepInterval > 0 {
		go connections.RunIdleSweep(sweepCtx, cfg.IdleSweepInterval, cfg.IdleTimeout)
	}
	if cfg.SessionTTL > 0 && cfg.SessionSweepInterval > 0 {
		go sessions.RunCleanup(sweepCtx, cfg.SessionSweepInterval, cfg.SessionTTL)
	}

	// Configure HTTP server
	// Learning: No read/write timeouts, websocket connections are long-lived
	// and the dispatcher enforces liveness with heartbeats instead
	addr := cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		zapLogger.Info("server listening",
			zap.String("addr", addr),
			zap.String("realtime", "/ws"),
			zap.String("collaboration", "/ws/collab/{session_id}"),
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Warn("server forced to shutdown", zap.Error(err))
	}

	stopSweeps()

	// Learning: Hijacked websocket connections are not tracked by
	// server.Shutdown, so they are closed explicitly
	closed := connections.CloseAll()
	zapLogger.Info("realtime connections closed", zap.Int("count", closed))

	if err := recorder.Shutdown(ctx); err != nil {
		zapLogger.Warn("change recorder did not drain", zap.Error(err))
	}

	zapLogger.Info("server shutdown complete",
		zap.Int64("changes_stored", recorder.Stored()),
	)
}
