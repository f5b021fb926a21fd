package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringmesh/internal/core/services"
	httphandlers "ringmesh/internal/handlers/http"
	"ringmesh/internal/infrastructure/discovery"
	"ringmesh/internal/infrastructure/middleware"
	"ringmesh/internal/infrastructure/monitoring"
	repositories "ringmesh/internal/infrastructure/repositories"
	relayserver "ringmesh/internal/infrastructure/signal"
	"ringmesh/pkg/config"
	"ringmesh/pkg/logger"
	"ringmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/ringmesh/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "ringmesh-discovery",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	sessionRepo := repoFactory.CreateSessionRepository()

	// Initialize monitoring
	collector := monitoring.NewCollector()

	// Consensus plumbing: migration monitor, session service, relay, and
	// the round orchestrator.
	migrations := discovery.NewMigrationMonitor(log)
	sessionService := services.NewSessionService(sessionRepo, migrations, log)
	tokenService := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	relay := relayserver.NewRelayServer(sessionService, collector, log)
	relay.SetPingInterval(cfg.Relay.PingInterval)

	orchestrator := discovery.NewOrchestrator(sessionRepo, sessionService, relay, migrations, collector, discovery.OrchestratorConfig{
		RoundInterval:      cfg.Consensus.RoundInterval,
		CollectionDeadline: cfg.Consensus.CollectionDeadline,
		MigrationTimeout:   cfg.Migration.Timeout,
		SessionIdleTimeout: cfg.Migration.SessionIdleTimeout,
	}, log)
	relay.SetPacketHandler(orchestrator)

	// Host loss anywhere in the API or relay now re-elects immediately
	// instead of waiting out the round interval.
	sessionService.SetFailoverDriver(orchestrator)

	// ICE configuration handed to clients
	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		for _, s := range cfg.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	} else {
		// Fallback STUN server if not configured
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	sessionHandler := httphandlers.NewSessionHandler(sessionService, migrations, iceServers)
	tokenHandler := httphandlers.NewTokenHandler(tokenService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.RequestLoggingMiddleware(zapLogger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg, log))

	// Token issuance is public; the session API requires a bearer token.
	tokenHandler.SetupRoutes(router)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(tokenService))
	{
		api.POST("/sessions", sessionHandler.CreateSession)
		api.GET("/sessions", sessionHandler.ListSessions)
		api.GET("/sessions/:id", sessionHandler.GetSession)
		api.POST("/sessions/:id/join", sessionHandler.JoinSession)
		api.POST("/sessions/:id/leave", sessionHandler.LeaveSession)
		api.GET("/sessions/:id/hosts", sessionHandler.GetHosts)
		api.POST("/sessions/:id/host-lost", sessionHandler.ReportHostLost)
		api.GET("/ice-config", sessionHandler.GetICEConfig)
		api.GET("/migrations", sessionHandler.GetMigrations)
	}

	// Relay endpoint for consensus packets
	router.GET("/ws", gin.WrapF(relay.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	// Readiness endpoint (can be extended with real dependency checks)
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Drive collection rounds, migration sweeps, and idle-session cleanup.
	tickCtx, tickCancel := context.WithCancel(context.Background())
	defer tickCancel()
	go func() {
		ticker := time.NewTicker(cfg.Consensus.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				orchestrator.Tick(tickCtx)
			case <-tickCtx.Done():
				return
			}
		}
	}()

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RingMesh discovery server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down RingMesh discovery server...")
	tickCancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	// Close repository factory
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("RingMesh discovery server stopped")
}
