package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"vending-service/internal/client"
	"vending-service/internal/config"
	"vending-service/internal/counter"
	"vending-service/internal/events"
	"vending-service/internal/gateway"
	"vending-service/internal/handler"
	"vending-service/internal/limiter"
	"vending-service/internal/repository/redisstore"
	"vending-service/internal/service"
	"vending-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Core components
	sessionService   *service.SessionService
	reconcileService *service.ReconcileService

	sweeperCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
		util.Int("machine_ceiling", cfg.Session.MachineCeiling))
	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Redis is required: it holds the session store.
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	// Kafka and ClickHouse are optional; the payment flow works without
	// the event stream and the audit archive.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without audit archive", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
		}
	}
	return nil
}

func (f *Factory) initializeServices() {
	cfg := f.config
	logger := util.Get()

	store := redisstore.NewSessionStore(f.redisClient)

	var guard limiter.Guard
	var machineCounter counter.MachineCounter
	if cfg.RateLimit.UseRedis {
		// Multi-instance deployment: shared counters in Redis.
		guard = redisstore.NewRateLimitCache(f.redisClient, cfg.RateLimit)
		machineCounter = redisstore.NewMachineCounter(f.redisClient)
	} else {
		guard = limiter.NewSlidingWindowGuard(cfg.RateLimit)
		machineCounter = counter.NewShardedCounter()
	}

	var publisher *events.Publisher
	if f.kafkaProducer != nil {
		publisher = events.NewPublisher(f.kafkaProducer, cfg.Kafka.SessionEventsTopic, logger)
	}

	f.sessionService = service.NewSessionService(
		store, machineCounter, guard, publisher, cfg.Session, service.SystemClock, logger)

	var audit service.AuditSink
	if f.clickhouseClient != nil {
		audit = f.clickhouseClient
	}
	manufacturerAPI := gateway.NewClient(cfg.Manufacturer, logger)
	f.reconcileService = service.NewReconcileService(
		f.sessionService, manufacturerAPI, cfg.Reconcile, cfg.Manufacturer.PayType,
		audit, publisher, service.SystemClock, logger)

	sweeperCtx, cancel := context.WithCancel(context.Background())
	f.sweeperCancel = cancel
	go f.sessionService.RunSweeper(sweeperCtx)
}

func (f *Factory) Config() *config.Config { return f.config }

// Router builds the HTTP handler tree.
func (f *Factory) Router() chi.Router {
	sessionHandler := handler.NewSessionHandler(
		f.sessionService, f.reconcileService,
		f.config.Session.MaxOrderPayloadBytes, util.Get())
	adminHandler := handler.NewAdminHandler(f.sessionService, sessionHandler, util.Get())
	return handler.NewRouter(sessionHandler, adminHandler, util.Get())
}

func (f *Factory) SessionService() *service.SessionService     { return f.sessionService }
func (f *Factory) ReconcileService() *service.ReconcileService { return f.reconcileService }

// Poller builds the kiosk-side status wait loop on the default schedule,
// with the manufacturer query as the recovery check. It is a library
// surface for embedding frontends, not mounted on the HTTP router.
func (f *Factory) Poller() *service.Poller {
	return service.NewPoller(
		f.sessionService, f.reconcileService.VerifyPayment,
		service.DefaultPollerConfig(), service.SystemClock, util.Get())
}

// Close shuts all clients down. Safe to call more than once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.sweeperCancel != nil {
			f.sweeperCancel()
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		util.Sync()
	})
}
