package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/analytics"
	"github.com/drfirst/go-rxcollect/internal/api/handlers"
	"github.com/drfirst/go-rxcollect/internal/api/middleware"
	"github.com/drfirst/go-rxcollect/internal/config"
	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/internal/infrastructure/mongo"
	"github.com/drfirst/go-rxcollect/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcollect/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/auth"
	"github.com/drfirst/go-rxcollect/internal/platform/qr"
	"github.com/drfirst/go-rxcollect/internal/platform/websocket"
	"github.com/drfirst/go-rxcollect/internal/reminder"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/internal/store/memory"
	"github.com/drfirst/go-rxcollect/pkg/circuitbreaker"
	"github.com/drfirst/go-rxcollect/pkg/idempotency"
	"github.com/drfirst/go-rxcollect/pkg/workerpool"
)

// app is the wired service graph
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    store.Store
	conns    *websocket.Registry

	fanout   *redpanda.Fanout
	consumer *redpanda.Consumer

	identity      *identity.Service
	prescriptions *prescription.Service
	delegations   *delegation.Service
	notifications *notification.Dispatcher
	audit         *audit.Recorder
	analytics     *analytics.Aggregator
	scheduler     *reminder.Scheduler

	checks  []handlers.Check
	closers []func()
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)
	a.checks = append(a.checks, handlers.Check{Name: "store", Probe: st.Ping})

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		a.close()
		return nil, err
	}

	a.audit = audit.NewRecorder(st, a.metrics, logger)
	a.conns = websocket.NewRegistry(a.metrics, logger)

	var pusher notification.Pusher = a.conns
	if cfg.KafkaEnabled() {
		if pusher, err = a.wireFanout(); err != nil {
			a.close()
			return nil, err
		}
	}
	a.notifications = notification.NewDispatcher(st, pusher, a.metrics, logger)

	a.identity = identity.NewService(identity.NewRepository(st), auth.NewPasswordManager(), tokens, a.audit, logger)

	renderer := qr.Renderer{}
	a.delegations = delegation.NewService(delegation.NewRepository(st), a.identity, a.notifications, a.audit,
		renderer, delegation.Config{
			Validity:  cfg.DelegationValidity,
			PINSecret: []byte(cfg.JWTSecret),
		}, a.metrics, logger)

	rxRepo := prescription.NewRepository(st)
	a.prescriptions = prescription.NewService(rxRepo, a.identity, a.delegations, a.notifications, a.audit,
		renderer, prescription.Config{Validity: cfg.PrescriptionValidity}, a.metrics, logger)
	a.analytics = analytics.NewAggregator(rxRepo)

	guard, err := a.reminderGuard(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.scheduler = reminder.New(reminder.Config{
		Interval:       cfg.ReminderInterval,
		Timeout:        cfg.ReminderTimeout,
		RequestedAfter: cfg.ReminderRequestedAfter,
		ApprovedAfter:  cfg.ReminderApprovedAfter,
		BatchSize:      reminder.DefaultConfig().BatchSize,
	}, rxRepo, a.identity, a.notifications, guard, a.prescriptions, a.delegations, a.metrics, logger)

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("connected to database")
		st := postgres.NewDocStore(pool, logger.Named("postgres"),
			postgres.WithOutbox(store.AuditLogs, redpanda.TopicAuditTrail))
		return st, pool.Close, nil

	case config.DriverMongo:
		st, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoDB, logger.Named("mongo"))
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = st.Close(ctx)
		}, nil

	default:
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.New(), func() {}, nil
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func migrateStore(ctx context.Context, st store.Store) error {
	m, ok := st.(migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

func (a *app) migrate(ctx context.Context) error {
	return migrateStore(ctx, a.store)
}

func (a *app) wireFanout() (notification.Pusher, error) {
	brokers := a.cfg.KafkaBrokers

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = brokers
	producer, err := redpanda.NewProducer(pcfg, a.metrics, a.logger.Named("producer"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, producer.Close)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("notification-fanout"),
		a.metrics.CircuitBreakerState, a.logger)
	fanout, err := redpanda.NewFanout(producer, breaker, a.conns, workerpool.Config{
		Workers:    8,
		QueueSize:  1024,
		MaxRetries: 0,
	}, a.logger.Named("fanout"))
	if err != nil {
		return nil, err
	}

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = brokers
	ccfg.Topics = []string{redpanda.TopicNotificationPush}
	consumer, err := redpanda.NewConsumer(ccfg, fanout.Handle, a.metrics, a.logger.Named("consumer"))
	if err != nil {
		return nil, err
	}

	a.fanout = fanout
	a.consumer = consumer
	a.checks = append(a.checks, handlers.Check{Name: "kafka", Probe: func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, brokers)
	}})
	return fanout, nil
}

func (a *app) reminderGuard(ctx context.Context) (idempotency.Guard, error) {
	if a.cfg.RedisURL == "" {
		return idempotency.NewMemoryGuard(), nil
	}
	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.checks = append(a.checks, handlers.Check{Name: "redis", Probe: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}})
	return idempotency.NewRedisGuard(client, "rxcollect"), nil
}

func (a *app) services() handlers.Services {
	return handlers.Services{
		Identity:      a.identity,
		Prescriptions: a.prescriptions,
		Delegations:   a.delegations,
		Notifications: a.notifications,
		Audit:         a.audit,
		Analytics:     a.analytics,
	}
}

func (a *app) websocketHandler() http.Handler {
	allowed := middleware.OriginAllowed(a.cfg.CORSOrigins)
	return websocket.NewHandler(a.conns,
		func(r *http.Request) (string, error) {
			u := middleware.UserFrom(r.Context())
			if u == nil {
				return "", errors.New("unauthenticated")
			}
			return u.ID, nil
		},
		func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed(origin)
		},
		a.logger.Named("websocket"))
}

// start launches background workers
func (a *app) start() {
	if a.fanout != nil {
		a.fanout.Start()
		a.consumer.Start()
	}
	a.scheduler.Start()
}

// stop halts background workers in reverse order
func (a *app) stop() {
	a.scheduler.Stop()
	if a.fanout != nil {
		a.consumer.Stop()
		a.fanout.Stop()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
