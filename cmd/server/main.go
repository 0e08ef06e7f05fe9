package main

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/skillswap/swapcore/internal/api"
	"github.com/skillswap/swapcore/internal/auth"
	"github.com/skillswap/swapcore/internal/config"
	"github.com/skillswap/swapcore/internal/conversation"
	"github.com/skillswap/swapcore/internal/database"
	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/maintenance"
	"github.com/skillswap/swapcore/internal/notify"
	"github.com/skillswap/swapcore/internal/presence"
	"github.com/skillswap/swapcore/internal/ratelimit"
	"github.com/skillswap/swapcore/internal/storage"
	"github.com/skillswap/swapcore/internal/swap"
	"github.com/skillswap/swapcore/internal/websocket"
)

var log = logger.New("server")

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	// Mirror logs to the console and the log file
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			stdlog.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logger.Init(io.MultiWriter(os.Stdout, logFile))
	}
	log.Info("Server logging initialized")

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	auth.InitJWTKey([]byte(cfg.JWTSecret))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(database.DatabaseType(cfg.Database.Type), cfg.Database.URL)
	if err != nil {
		stdlog.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if pg, ok := db.(*database.PostgresDB); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			stdlog.Fatalf("Failed to apply schema: %v", err)
		}
	}
	log.Info("Connected to %s database successfully", cfg.Database.Type)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			stdlog.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	messageLimiter, swapLimiter, frameLimiter := limiters(ctx, cfg, rdb)
	var unreachable events.Unreachable = notify.LogHook()
	if rdb != nil {
		unreachable = notify.NewQueue(rdb)
	}

	conv := conversation.NewService(db, conversation.WithLimiter(messageLimiter))
	swaps, err := swap.NewService(db, conv,
		swap.WithLimiter(swapLimiter),
		swap.WithCancelPolicy(swap.CancelPolicy(cfg.Swap.CancelPolicy)),
		swap.WithParticipantCache(cfg.Swap.ParticipantCacheSize),
	)
	if err != nil {
		stdlog.Fatalf("Failed to create swap service: %v", err)
	}

	registry := presence.NewRegistry(db)
	hub := websocket.NewHub(registry, swaps, conv,
		websocket.WithUnreachable(unreachable),
		websocket.WithFrameLimiter(frameLimiter),
		websocket.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)
	// The hub outlives the signal so shutdown can still notify sockets
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	runner := maintenance.NewRunner(db, registry, hub, cfg.Sweep)
	go runner.Run(ctx)

	router := api.NewRouter(api.Server{
		Auth:           api.NewAuthHandler(db, registry, hub),
		Swaps:          api.NewSwapHandler(swaps, hub),
		Messages:       api.NewMessageHandler(conv, hub),
		WebSocket:      hub.HandleWebSocket,
		Activity:       registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("Server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// Give the server 5 seconds to finish processing remaining requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.BroadcastSystem(shutdownCtx, "Server is restarting, reconnect shortly")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown: %v", err)
	}
	stopHub()

	log.Info("Server exited properly")
}

// limiters builds the message, swap creation and websocket frame limiters.
// Redis makes the first two shared across instances.
func limiters(ctx context.Context, cfg *config.Config, rdb *redis.Client) (ratelimit.Limiter, ratelimit.Limiter, ratelimit.Limiter) {
	window := cfg.RateLimit.Window
	frames := ratelimit.NewMemory(cfg.RateLimit.Messages*2, window)
	go frames.Run(ctx, window)

	if rdb != nil {
		return ratelimit.NewRedis(rdb, cfg.RateLimit.Messages, window),
			ratelimit.NewRedis(rdb, cfg.RateLimit.Swaps, window),
			frames
	}

	messages := ratelimit.NewMemory(cfg.RateLimit.Messages, window)
	swaps := ratelimit.NewMemory(cfg.RateLimit.Swaps, window)
	go messages.Run(ctx, window)
	go swaps.Run(ctx, window)
	return messages, swaps, frames
}
