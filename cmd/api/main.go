// Command api serves the public /v1 HTTP surface.
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

	"github.com/davidx345/openride-backend-sub002/internal/api"
	"github.com/davidx345/openride-backend-sub002/internal/app"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/pkg/config"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/middleware"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:       logLevel(cfg),
		ServiceName: cfg.App.Name + "-api",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
	}); err != nil {
		log.Error("Failed to init telemetry, continuing without traces", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	if err := metrics.Init(); err != nil {
		log.Error("Failed to init metrics", "error", err)
	}

	c, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to wire services", "error", err)
	}
	defer c.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.Burst > 0 {
		rl.Burst = cfg.RateLimit.Burst
	}
	rl.UseRedis = true
	rl.RedisClient = c.Redis

	router := api.NewRouter(
		api.Config{
			ServiceName: cfg.App.Name + "-api",
			JWTSecret:   cfg.JWT.Secret,
			RateLimit:   rl,
		},
		api.Deps{
			Bookings: c.Bookings,
			Payments: c.Payments,
			Matches:  c.Matches,
			Tickets:  c.Tickets,
		},
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr, "env", cfg.App.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced shutdown", "error", err)
	}

	log.Info("Server exited gracefully")
}

func logLevel(cfg *config.Config) string {
	if cfg.App.Debug {
		return "debug"
	}
	return "info"
}
