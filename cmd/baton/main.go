// Package main is the baton server entry point: one binary wiring the event
// bus, the session store, the sandbox, the process manager, the session
// registry, and the RPC gateway behind a single HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/auth"
	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/httpmw"
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/common/tracing"
	"github.com/batondev/baton/internal/events"
	gateways "github.com/batondev/baton/internal/gateway/websocket"
	"github.com/batondev/baton/internal/mcp"
	"github.com/batondev/baton/internal/sandbox"
	"github.com/batondev/baton/internal/session"
	"github.com/batondev/baton/internal/session/handlers"
	"github.com/batondev/baton/internal/session/process"
	"github.com/batondev/baton/internal/session/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting baton...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory, or NATS if configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 4. Session store
	sessionStore, err := store.Provide(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer sessionStore.Close()
	log.Info("Session store ready", zap.String("driver", cfg.Database.Driver))

	// 5. Sandbox backend
	sb, err := sandbox.Provide(ctx, cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox", zap.Error(err))
	}
	defer sb.Close()
	log.Info("Sandbox ready", zap.String("backend", cfg.Sandbox.Backend))

	// 6. Process manager + MCP prober + session registry
	procs := process.NewManager(sb, eventBus, cfg.Agent, log)
	prober := mcp.NewProber(log)

	registry, err := session.NewRegistry(cfg.Registry, sessionStore, eventBus, procs, sb, prober, log)
	if err != nil {
		log.Fatal("Failed to initialize session registry", zap.Error(err))
	}
	defer registry.Close(context.Background())

	// 7. RPC gateway and facade
	gateway, err := gateways.Provide(eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway", zap.Error(err))
	}
	go gateway.Hub.Run(ctx)
	handlers.NewFacade(registry, eventBus, cfg.RPC, gateway.Dispatcher, log)

	// 8. HTTP server (websocket + batch RPC + health)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "baton"))
	router.Use(httpmw.OtelTracing("baton"))
	router.Use(corsMiddleware())

	authenticator := auth.NewAuthenticator(cfg.Auth)
	var limiter *auth.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = auth.NewRateLimiter(cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
	}
	router.Use(auth.Middleware(authenticator, limiter, cfg.Auth, log))

	gateway.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "baton",
		})
	})
	router.GET("/stats", func(c *gin.Context) {
		stats, err := registry.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.Int("port", port),
			zap.String("websocket", "/ws"),
			zap.String("rpc", "/rpc"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down baton...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	procs.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}
	log.Info("Baton stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
