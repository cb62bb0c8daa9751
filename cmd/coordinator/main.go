package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/api"
	"github.com/sarihammad/sagaflow/internal/config"
	"github.com/sarihammad/sagaflow/internal/eventbus"
	"github.com/sarihammad/sagaflow/internal/inventory"
	"github.com/sarihammad/sagaflow/internal/order"
	"github.com/sarihammad/sagaflow/internal/outbox"
	"github.com/sarihammad/sagaflow/internal/participant"
	"github.com/sarihammad/sagaflow/internal/payment"
	"github.com/sarihammad/sagaflow/internal/saga"
	"github.com/sarihammad/sagaflow/pkg/database"
	"github.com/sarihammad/sagaflow/pkg/kafka"
	"github.com/sarihammad/sagaflow/pkg/logger"
	"github.com/sarihammad/sagaflow/pkg/redis"
	"github.com/sarihammad/sagaflow/pkg/retry"
	"github.com/sarihammad/sagaflow/pkg/telemetry"
)

// DefinitionPlaceOrder is the built-in order fulfillment saga
const DefinitionPlaceOrder = "place_order"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logLevel := "info"
	if cfg.App.Debug {
		logLevel = "debug"
	}
	if err := logger.Init(&logger.Config{
		Level:       logLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.App.Environment == "development",
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("starting saga coordinator",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("owner_id", cfg.Coordinator.OwnerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		log.Fatal("failed to init telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	// Postgres
	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MinIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      5,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
	})
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	// Redis (submit idempotency guard)
	redisClient, err := redis.NewClient(ctx, &redis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    5,
		RetryInterval: time.Second,
	})
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Kafka
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:        cfg.Kafka.Brokers,
		ClientID:       cfg.Kafka.ClientID,
		Acks:           "all",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		ProduceTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatal("failed to connect to kafka", zap.Error(err))
	}
	defer producer.Close()

	publisher := eventbus.NewKafkaPublisher(producer)

	// Participant repositories share the pool; outbox rows commit with the
	// business rows they announce
	outboxRepo := outbox.NewPostgresRepository(db.Pool())
	orderRepo := order.NewPostgresRepository(db.Pool(), outboxRepo)
	inventoryRepo := inventory.NewPostgresRepository(db.Pool(), outboxRepo)
	paymentRepo := payment.NewPostgresRepository(db.Pool(), outboxRepo)

	adapterConfig := &participant.AdapterConfig{
		CallTimeout: cfg.Adapter.CallTimeout,
		Retry: &retry.Config{
			MaxAttempts:  cfg.Adapter.RetryMaxAttempts,
			BaseInterval: cfg.Adapter.RetryBaseInterval,
			MaxInterval:  cfg.Adapter.RetryMaxInterval,
			Multiplier:   cfg.Adapter.RetryMultiplier,
			JitterFactor: cfg.Adapter.RetryJitterFactor,
		},
		Breaker: &participant.BreakerConfig{
			FailureRate:  cfg.Adapter.BreakerFailureRate,
			MinSamples:   cfg.Adapter.BreakerMinSamples,
			OpenDuration: cfg.Adapter.BreakerOpenDuration,
		},
		MaxConcurrent: cfg.Adapter.BulkheadMaxConc,
	}

	// Coordinator
	coordinator, err := saga.NewCoordinator(saga.NewPostgresStore(db.Pool()), &saga.Config{
		OwnerID:              cfg.Coordinator.OwnerID,
		LeaseTTL:             cfg.Coordinator.LeaseTTL,
		HeartbeatInterval:    cfg.Coordinator.HeartbeatInterval,
		RecoveryScanInterval: cfg.Coordinator.RecoveryScanInterval,
		RecoveryBatchSize:    cfg.Coordinator.RecoveryBatchSize,
	})
	if err != nil {
		log.Fatal("failed to create coordinator", zap.Error(err))
	}

	coordinator.RegisterParticipant(participant.NewAdapter("order",
		order.NewService(orderRepo), adapterConfig))
	coordinator.RegisterParticipant(participant.NewAdapter("inventory",
		inventory.NewService(inventoryRepo), adapterConfig))
	coordinator.RegisterParticipant(participant.NewAdapter("payment",
		payment.NewService(paymentRepo, &payment.LimitGateway{Limit: cfg.Payment.GatewayLimit}),
		adapterConfig))

	if err := coordinator.RegisterDefinition(&saga.Definition{
		ID:      DefinitionPlaceOrder,
		Timeout: cfg.Coordinator.SagaTimeout,
		Steps: []*saga.StepDefinition{
			{Name: "create_order", Participant: "order", Compensable: true},
			{Name: "reserve_inventory", Participant: "inventory", Compensable: true},
			{Name: "process_payment", Participant: "payment", Compensable: true},
		},
	}); err != nil {
		log.Fatal("failed to register saga definition", zap.Error(err))
	}

	coordinator.Start()

	// Outbox relay
	relay := outbox.NewRelay("participants", outboxRepo, publisher, &outbox.RelayConfig{
		PollInterval:     cfg.Outbox.PollInterval,
		BatchSize:        cfg.Outbox.BatchSize,
		DeadAttempts:     cfg.Outbox.DeadAttempts,
		CleanupInterval:  cfg.Outbox.CleanupInterval,
		CleanupRetention: cfg.Outbox.CleanupRetention,
	})
	relay.Start()

	// HTTP API
	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Debug:        cfg.App.Debug,
	}, coordinator, &api.IdempotencyConfig{Redis: redisClient.Redis()})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	relay.Stop()
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Error("coordinator shutdown failed", zap.Error(err))
	}

	log.Info("saga coordinator stopped")
}
