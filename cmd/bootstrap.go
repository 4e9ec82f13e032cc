package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/customerclient"
	rmrabbit "github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/regulator"
)

const regulatorUpstream = "regulator"

// dependencies is everything the commands share.
type dependencies struct {
	pool       *pgxpool.Pool
	redis      *redis.Client
	producer   rmrabbit.Publisher
	service    *app.TransferService
	reconciler *app.Reconciler
	consumer   *app.FallbackConsumer
	scheduler  *app.Scheduler
}

func (d *dependencies) Close() {
	if d.producer != nil {
		d.producer.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func connectDatabase(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, cfg config.Config) error {
	if err := store.Migrate(ctx, pool, cfg.DatabaseSeed); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Printf("level=info component=bootstrap msg=\"schema applied\" seed=%t", cfg.DatabaseSeed)
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the fast tier
// is optional.
func connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; fast tier disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; fast tier disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; fast tier disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func connectProducer(cfg config.Config) rmrabbit.Publisher {
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		return &rmrabbit.EventProducerFallback{}
	}
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	return producer
}

func newNotifier(cfg config.Config) regulator.Notifier {
	var upstream regulator.Notifier
	if cfg.RegulatorAPIBaseURL != "" {
		upstream = regulator.NewHTTPClient(cfg.RegulatorAPIBaseURL, cfg.RegulatorAPIKey)
		log.Printf("level=info component=bootstrap msg=\"regulator http client configured\" base_url=%s", cfg.RegulatorAPIBaseURL)
	} else {
		upstream = regulator.NewMockClient(regulator.MockSettings{
			RateLimitRate: cfg.RegulatorMockRateLimitRate,
			TimeoutRate:   cfg.RegulatorMockTimeoutRate,
			FailureRate:   cfg.RegulatorMockFailureRate,
			Latency:       time.Duration(cfg.RegulatorMockLatencyMS) * time.Millisecond,
		}, time.Now().UnixNano())
		log.Println("level=warn component=bootstrap msg=\"regulator api not configured; using mock regulator\" env=REGULATOR_API_BASE_URL")
	}

	clock := regulator.SystemClock()
	breakers := regulator.NewBreakerRegistry(regulator.BreakerSettings{
		FailureRateThreshold: cfg.RegulatorCBFailureRate,
		WindowSize:           cfg.RegulatorCBWindowSize,
		MinimumCalls:         cfg.RegulatorCBMinimumCalls,
		OpenDuration:         time.Duration(cfg.RegulatorCBOpenSeconds) * time.Second,
		HalfOpenTrials:       cfg.RegulatorCBHalfOpenTrials,
	}, clock)

	policy := regulator.DefaultPolicySettings()
	policy.MaxAttempts = cfg.RegulatorRetryMaxAttempts
	policy.InitialBackoff = time.Duration(cfg.RegulatorRetryBackoffMS) * time.Millisecond
	policy.CallTimeout = time.Duration(cfg.RegulatorCallTimeoutMS) * time.Millisecond
	return regulator.NewPolicy(regulatorUpstream, upstream, breakers, policy, clock)
}

func newCustomerDirectory(cfg config.Config, redisClient *redis.Client) customerclient.Directory {
	var directory customerclient.Directory
	if cfg.CustomerServiceURL != "" {
		directory = customerclient.NewClient(cfg.CustomerServiceURL, cfg.CustomerServiceAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"customer service not configured; using fixture directory\" env=CUSTOMER_SERVICE_URL")
		directory = customerclient.NewFixtureDirectory(customerclient.DefaultFixtures()...)
	}
	if redisClient != nil {
		directory = customerclient.NewCachedDirectory(directory, redisClient, cfg.CustomerCachePrefix, cfg.CustomerCacheTTL())
	}
	return directory
}

func bootstrap(ctx context.Context, cfg config.Config) (*dependencies, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := connectDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps := &dependencies{pool: pool}
	if err := migrate(ctx, pool, cfg); err != nil {
		deps.Close()
		return nil, err
	}

	deps.redis = connectRedis(ctx, cfg)
	deps.producer = connectProducer(cfg)

	var fast app.FastCache
	if deps.redis != nil {
		fast = app.NewRedisFastCache(deps.redis)
	}

	repository := store.NewPostgresRepository(pool)
	guard := app.NewIdempotencyGuard(fast, repository, cfg.IdempotencyKeyPrefix, cfg.IdempotencyTTL(), logger.With("component", "idempotency"))
	limits := app.NewDailyLimitCache(fast, repository, cfg.DailyLimitCachePrefix, cfg.Location(), logger.With("component", "daily_limit"))
	outbox := app.NewNotificationOutbox(repository, newNotifier(cfg), cfg.NotificationMaxFailedAttempts, logger.With("component", "outbox"))

	deps.service = app.NewTransferService(
		repository,
		guard,
		limits,
		outbox,
		newCustomerDirectory(cfg, deps.redis),
		deps.producer,
		app.ServiceConfig{
			MinimumAmount:          cfg.MinimumAmount(),
			NotificationExchange:   cfg.NotificationExchange,
			NotificationRoutingKey: cfg.NotificationRoutingKey,
		},
		logger.With("component", "transfer_service"),
	)
	deps.reconciler = app.NewReconciler(repository, outbox, app.ReconcilerSettings{
		PendingMinAge:     cfg.PendingMinAge(),
		FailedCooldown:    cfg.FailedRetryDelay(),
		BatchSize:         cfg.SweepBatchSize,
		MaxFailedAttempts: cfg.NotificationMaxFailedAttempts,
	}, logger.With("component", "reconciler"))
	deps.consumer = app.NewFallbackConsumer(repository, outbox, cfg.NotificationMaxRetryAttempts, logger.With("component", "fallback_consumer"))
	deps.scheduler = app.NewScheduler(deps.reconciler, logger.With("component", "scheduler"), app.SchedulerConfig{
		PendingSweepSchedule: cfg.PendingSweepSchedule,
		FailedSweepSchedule:  cfg.FailedSweepSchedule,
		SweepTimeout:         cfg.SweepTimeout(),
	})
	return deps, nil
}
