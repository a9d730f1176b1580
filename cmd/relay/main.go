// Command relay runs the development collaborators for chatsync clients: the
// websocket relay at /ws and the REST API over an in-memory store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/umar/chatsync/internal/config"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/handlers"
	"github.com/umar/chatsync/internal/logging"
	"github.com/umar/chatsync/internal/metrics"
	"github.com/umar/chatsync/internal/middleware"
	redisc "github.com/umar/chatsync/internal/redis"
	"github.com/umar/chatsync/internal/relay"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHATSYNC_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := database.NewStore()

	var fanout *redisc.Fanout
	if cfg.Relay.UseRedis {
		redisClient, err := redisc.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to init Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		fanout = redisc.NewFanout(redisClient, logger)
		slog.Info("connected to Redis", "origin", fanout.Origin())
	}

	reg := metrics.NewRegistry()
	var hub *relay.Hub
	relayMetrics := metrics.NewRelay(reg, func() int { return hub.ClientCount() })
	hub = relay.NewHub(store, relay.Options{
		Logger:         logger,
		Fanout:         fanout,
		Metrics:        relayMetrics,
		RateLimit:      rate.Limit(cfg.Relay.RateLimit.RPS),
		Burst:          cfg.Relay.RateLimit.Burst,
		MaxMessageSize: cfg.Relay.MaxMessageSize.Int64(),
	})
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	router := mux.NewRouter()
	router.Use(middleware.Logging(logger))
	router.HandleFunc("/health", handlers.Health(hub.ClientCount)).Methods("GET")
	router.Handle("/metrics", metrics.Handler(reg)).Methods("GET")
	router.HandleFunc("/ws", relay.ServeWS(hub, cfg.Relay.JWTSecret)).Methods("GET")
	handlers.Mount(router, store, cfg.Relay.JWTSecret, cfg.Relay.MaxUploadSize.Int64())

	srv := &http.Server{
		Addr:         cfg.Relay.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Relay.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	<-hubDone

	slog.Info("server stopped gracefully")
}
