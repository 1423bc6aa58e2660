// Package app wires the domain cores from configuration. Both binaries
// build the same container, so the API and the worker agree on
// repositories, locks and event topics.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/davidx345/openride-backend-sub002/internal/audit"
	"github.com/davidx345/openride-backend-sub002/internal/booking"
	"github.com/davidx345/openride-backend-sub002/internal/eventbus"
	"github.com/davidx345/openride-backend-sub002/internal/idempotency"
	"github.com/davidx345/openride-backend-sub002/internal/integrator"
	"github.com/davidx345/openride-backend-sub002/internal/inventory"
	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/internal/matchmaking"
	"github.com/davidx345/openride-backend-sub002/internal/payment"
	"github.com/davidx345/openride-backend-sub002/internal/ticketing"
	"github.com/davidx345/openride-backend-sub002/pkg/config"
	"github.com/davidx345/openride-backend-sub002/pkg/database"
	"github.com/davidx345/openride-backend-sub002/pkg/kafka"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	pkgredis "github.com/davidx345/openride-backend-sub002/pkg/redis"
)

// Container holds the wired services and their infrastructure handles
type Container struct {
	Config *config.Config

	DB    *database.PostgresDB
	Redis *pkgredis.Client
	// Producer is nil when the brokers are unreachable and the in-process
	// bus took over
	Producer  *kafka.Producer
	Publisher eventbus.Publisher

	Locks lock.Service
	Idem  idempotency.Store
	Audit audit.Log

	Bookings booking.Service
	Payments payment.Service
	Matches  matchmaking.Service
	Tickets  ticketing.Service
}

// Build connects infrastructure and wires the domain cores
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	log := logger.Get()

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     cfg.OTel.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: time.Second,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Kafka is optional in development; a single node runs fine on the
	// in-process bus
	var publisher eventbus.Publisher
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		log.Warn("Kafka unavailable, falling back to in-process event bus", "error", err)
		producer = nil
		publisher = eventbus.NewMemoryBus()
	} else {
		publisher = eventbus.NewKafkaPublisher(producer, cfg.App.Name)
	}

	locks := lock.NewService(redisClient)
	idem := idempotency.NewStore(redisClient)
	auditLog := audit.NewLog(db)

	matchCfg := matchmaking.DefaultServiceConfig()
	if cfg.Matching.DefaultRadiusKm > 0 {
		matchCfg.DefaultRadiusKm = cfg.Matching.DefaultRadiusKm
	}
	if cfg.Matching.MaxCandidates > 0 {
		matchCfg.MaxCandidates = cfg.Matching.MaxCandidates
	}
	matches, err := matchmaking.NewService(
		matchmaking.NewRouteRepository(db),
		matchmaking.NewRedisCache(redisClient, cfg.Matching.CacheTTL),
		matchCfg,
	)
	if err != nil {
		closeInfra(db, redisClient, publisher)
		return nil, fmt.Errorf("failed to wire matchmaking: %w", err)
	}

	bookingRepo := booking.NewRepository(db)
	seats := inventory.NewEngine(redisClient, matches, bookingRepo)
	bookings := booking.NewService(bookingRepo, seats, locks, idem, publisher, matches, auditLog,
		booking.ServiceConfig{
			HoldTTL:        cfg.Booking.HoldTTL,
			MaxSeats:       cfg.Booking.MaxSeatsPerBooking,
			PlatformFeePct: cfg.Booking.PlatformFeePercent,
			Refunds:        booking.DefaultRefundPolicy(),
		})

	gateway, err := buildGateway(cfg)
	if err != nil {
		closeInfra(db, redisClient, publisher)
		return nil, err
	}

	var confirmer payment.BookingConfirmer = payment.NewLocalBookingClient(bookings)
	if cfg.Services.BookingServiceURL != "" {
		confirmer = payment.NewHTTPBookingClient(
			integrator.New(integrator.Config{Timeout: cfg.Gateway.Timeout}),
			cfg.Services.BookingServiceURL,
		)
	}

	payments := payment.NewService(payment.NewRepository(db), gateway, locks, idem, publisher, confirmer, auditLog,
		payment.ServiceConfig{
			Expiry:        cfg.Payment.Expiry,
			WebhookSecret: cfg.Gateway.WebhookSecret,
		})

	signer, err := buildSigner(cfg)
	if err != nil {
		closeInfra(db, redisClient, publisher)
		return nil, err
	}
	anchorer, err := buildAnchor(cfg)
	if err != nil {
		closeInfra(db, redisClient, publisher)
		return nil, err
	}
	tickets := ticketing.NewService(ticketing.NewRepository(db), signer, anchorer, locks, publisher,
		ticketing.ServiceConfig{
			BatchSize:     cfg.Ticketing.BatchSize,
			Confirmations: cfg.Chain.Confirmations,
		})

	return &Container{
		Config:    cfg,
		DB:        db,
		Redis:     redisClient,
		Producer:  producer,
		Publisher: publisher,
		Locks:     locks,
		Idem:      idem,
		Audit:     auditLog,
		Bookings:  bookings,
		Payments:  payments,
		Matches:   matches,
		Tickets:   tickets,
	}, nil
}

// Close releases infrastructure handles in reverse dependency order
func (c *Container) Close() {
	closeInfra(c.DB, c.Redis, c.Publisher)
}

func closeInfra(db *database.PostgresDB, redisClient *pkgredis.Client, publisher eventbus.Publisher) {
	if publisher != nil {
		publisher.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		db.Close()
	}
}

func buildGateway(cfg *config.Config) (payment.Gateway, error) {
	switch cfg.Gateway.Provider {
	case "stripe":
		return payment.NewStripeGateway(cfg.Gateway.SecretKey, cfg.Gateway.CallbackURL)
	case "", "mock":
		return payment.NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unknown payment gateway provider: %s", cfg.Gateway.Provider)
	}
}

func buildSigner(cfg *config.Config) (*ticketing.Signer, error) {
	if cfg.Ticketing.SigningKey == "" {
		// tickets signed with an ephemeral key do not verify across restarts
		logger.Get().Warn("No ticket signing key configured, generating an ephemeral one")
		return ticketing.GenerateSigner()
	}
	return ticketing.NewSigner(cfg.Ticketing.SigningKey)
}

func buildAnchor(cfg *config.Config) (ticketing.ChainAnchor, error) {
	if !cfg.Chain.Enabled {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(cfg.Chain.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chain private key: %w", err)
	}
	anchor, err := ticketing.NewEthAnchor(cfg.Chain, key)
	if err != nil {
		return nil, err
	}
	return anchor, nil
}
