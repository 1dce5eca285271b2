package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/covechat/cove/internal/agent"
	"github.com/covechat/cove/internal/auth"
	"github.com/covechat/cove/internal/chat"
	"github.com/covechat/cove/internal/config"
	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/jobs"
	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/presence"
	"github.com/covechat/cove/internal/queue"
	"github.com/covechat/cove/internal/realtime"
	"github.com/covechat/cove/internal/scheduler"
	"github.com/covechat/cove/internal/server"
)

var version = "dev"

func main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println("cove " + version)
		os.Exit(0)
	}

	cfg := config.Load()
	logger.Banner(cfg.ServerID)

	db, err := database.New(cfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Resolve JWT secret: env var > database > generate and persist
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		if stored := db.GetSetting("jwt_secret"); stored != "" {
			jwtSecret = stored
		} else {
			jwtSecret, err = generateSecret()
			if err != nil {
				logger.Fatal("Failed to generate JWT secret: %v", err)
			}
			if err := db.SetSetting("jwt-secret-key", "jwt_secret", jwtSecret); err != nil {
				logger.Error("Failed to persist JWT secret: %v", err)
			}
			logger.Success("Generated and persisted JWT secret")
		}
	}
	authService := auth.NewService(jwtSecret)

	// Presence store: Redis when configured, otherwise single-process
	// in-memory mode.
	var store presence.Store
	if cfg.RedisAddr != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		store = redisStore
		logger.Success("Presence store: Redis at %s", cfg.RedisAddr)
	} else {
		store = presence.NewMemoryStore()
		logger.Warn("Presence store: in-memory (single process only, set COVE_REDIS_ADDR for clustering)")
	}
	defer store.Close()

	hub := realtime.NewHub(authService, store, cfg.ServerID, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	router := realtime.NewRouter(cfg.ServerID, hub, store)
	hub.SetRouter(router)

	ctx, cancelSubscriber := context.WithCancel(context.Background())
	defer cancelSubscriber()
	if err := router.Start(ctx); err != nil {
		logger.Fatal("Failed to start event router: %v", err)
	}

	jobQueue := queue.NewSQLiteQueue(db)
	controller := jobs.NewController(jobQueue)

	chatStore := chat.NewStore(db)
	chatService := chat.NewService(chatStore, router, controller)

	var runner *agent.Runner
	if cfg.OpenAIKey != "" {
		responder := agent.NewOpenAIResponder(cfg.OpenAIKey, cfg.OpenAIModel)
		runner = agent.NewRunner(jobQueue, chatService, responder, 2)
		runner.Start()
	} else {
		logger.Warn("OPENAI_API_KEY not set, agent replies disabled")
	}

	sched := scheduler.New(hub, jobQueue, cfg.JobStuckAfter)
	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start scheduler: %v", err)
	}

	srv := server.New(server.Config{
		Cfg:      cfg,
		DB:       db,
		Auth:     authService,
		Hub:      hub,
		Presence: store,
		Chat:     chatService,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	if cfg.BindAddress != "127.0.0.1" && cfg.BindAddress != "localhost" {
		logger.Warn("Binding to %s — accessible from the network. Use COVE_BIND=127.0.0.1 for localhost-only.", cfg.BindAddress)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // intentionally zero for WebSocket support
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Listen(addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	<-done
	logger.Shutdown("Shutting down server...")

	// Stop intake first so nothing new arrives, then drain workers,
	// then tear down the realtime layer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}

	sched.Stop()
	if runner != nil {
		runner.Stop()
	}
	controller.Close()
	router.Stop()
	hub.Stop()

	logger.Bye()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
