// Command worker runs the background jobs: hold expiry, payment expiry,
// reconciliation, ticket batch sealing and chain anchor polling. It also
// consumes booking.confirmed events and issues tickets for them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidx345/openride-backend-sub002/internal/app"
	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/metrics"
	"github.com/davidx345/openride-backend-sub002/internal/scheduler"
	"github.com/davidx345/openride-backend-sub002/pkg/config"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:       "info",
		ServiceName: cfg.App.Name + "-worker",
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
		ServiceName:    cfg.OTel.ServiceName + "-worker",
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

	sched := scheduler.New(c.Locks)
	if err := registerJobs(sched, c, cfg); err != nil {
		log.Fatal("Failed to register jobs", "error", err)
	}

	consumer, err := startConsumer(ctx, c, cfg)
	if err != nil {
		log.Fatal("Failed to start event consumer", "error", err)
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	sched.Stop()
	if consumer != nil {
		consumer.Stop()
	}

	log.Info("Worker exited gracefully")
}

func registerJobs(sched *scheduler.Scheduler, c *app.Container, cfg *config.Config) error {
	log := logger.Get()

	jobs := []scheduler.Job{
		{
			Name:      "booking-hold-expiry",
			Every:     5 * time.Minute,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Bookings.ExpireHolds(ctx, 100)
				if n > 0 {
					log.Info("Expired booking holds", "count", n)
				}
				return err
			},
		},
		{
			Name:      "hold-orphan-cleanup",
			Every:     15 * time.Minute,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Bookings.CleanupOrphanedHolds(ctx)
				if n > 0 {
					log.Info("Released orphaned holds", "count", n)
				}
				return err
			},
		},
		{
			Name:      "payment-expiry",
			Every:     15 * time.Minute,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Payments.ExpirePayments(ctx, 100)
				if n > 0 {
					log.Info("Expired stale payments", "count", n)
				}
				return err
			},
		},
		{
			Name:        "payment-reconciliation",
			Daily:       true,
			DailyAtHour: 2,
			Singleton:   true,
			LockLease:   15 * time.Minute,
			Run: func(ctx context.Context) error {
				date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
				record, err := c.Payments.RunReconciliation(ctx, date)
				if err != nil {
					return err
				}
				log.Info("Reconciliation finished", "date", date, "status", record.Status)
				return nil
			},
		},
		{
			Name:      "ticket-batch-seal",
			Every:     cfg.Ticketing.BatchInterval,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Tickets.SealStaleBatches(ctx, cfg.Ticketing.BatchInterval)
				if n > 0 {
					log.Info("Sealed stale ticket batches", "count", n)
				}
				return err
			},
		},
		{
			Name:      "ticket-batch-build",
			Every:     time.Minute,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Tickets.BuildBatches(ctx, 10)
				if n > 0 {
					log.Info("Built ticket batches", "count", n)
				}
				return err
			},
		},
		{
			Name:      "ticket-anchor-poll",
			Every:     15 * time.Minute,
			Singleton: true,
			Run: func(ctx context.Context) error {
				n, err := c.Tickets.PollAnchors(ctx, 20)
				if n > 0 {
					log.Info("Advanced chain anchors", "count", n)
				}
				return err
			},
		},
	}

	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// startConsumer subscribes the ticketing handlers to booking.confirmed.
// Without Kafka the in-process bus carries events published by this
// process only, which covers single-binary deployments.
func startConsumer(ctx context.Context, c *app.Container, cfg *config.Config) (*eventbus.Consumer, error) {
	if c.Producer == nil {
		if bus, ok := c.Publisher.(*eventbus.MemoryBus); ok {
			c.Tickets.RegisterHandlers(bus)
			logger.Get().Warn("Kafka disabled, ticket issuance rides the in-process bus")
		}
		return nil, nil
	}

	consumer, err := eventbus.NewConsumer(ctx, &eventbus.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.ConsumerGroup,
		Topics:        []string{eventbus.TopicBookingConfirmed},
		ClientID:      cfg.Kafka.ClientID + "-worker",
		WorkerCount:   10,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}, c.Producer)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	c.Tickets.RegisterHandlers(consumer)

	if err := consumer.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start event consumer: %w", err)
	}
	return consumer, nil
}
