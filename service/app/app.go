// Package app assembles the dependency graph shared by the server and worker
// binaries. Both need the full transaction machine: the worker's sweep
// settles the ledger and publishes events the same way the API does.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/audit"
	"github.com/brojonat/escrowd/service/compliance"
	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/lock"
	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/brojonat/escrowd/service/txn"
	"github.com/brojonat/escrowd/service/vault"
	"github.com/brojonat/escrowd/service/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
	goredislib "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Core is the wired domain graph.
type Core struct {
	Pool      *pgxpool.Pool
	Store     *db.Store
	Ledger    *ledger.Ledger
	Gate      *compliance.Gate
	Router    *provider.Router
	Machine   *txn.Machine
	Webhooks  *webhook.Reconciler
	Publisher natspkg.Publisher
	Metrics   *metrics.Metrics

	queue   *natspkg.WebhookQueue
	closers []func()
	logger  *slog.Logger
}

// Build connects to every configured backend and wires the domain graph.
// Optional backends (Redis, MongoDB, NATS) fall back to in-process
// implementations when their URL is empty. On error everything opened so far
// is closed.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (_ *Core, err error) {
	c := &Core{Metrics: m, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.closers = append(c.closers, c.Pool.Close)
	if err := c.Pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")
	c.Store = db.NewStore(c.Pool)

	v, err := vault.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	locks, err := c.locker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Ledger = ledger.New(c.Store, locks, v, logger, ledger.WithMetrics(m))

	sink, err := c.auditSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sanctions := compliance.NewSanctionsList(cfg.SanctionedUserIDs, cfg.SanctionedNames, cfg.SanctionedCountries)
	c.Gate = compliance.New(sanctions, sink, logger, compliance.WithMetrics(m))

	stripe := provider.NewStripeClient(cfg.StripeAPIURL, cfg.StripeAPIKey, nil, provider.DefaultBreakerConfig(), m, logger)
	plaid := provider.NewPlaidClient(cfg.PlaidAPIURL, cfg.PlaidClientID, cfg.PlaidSecret, nil, provider.DefaultBreakerConfig(), m, logger)
	c.Router, err = provider.NewRouter(cfg.PaymentRoutes, stripe, plaid)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment router: %w", err)
	}

	var queue webhook.Queue
	if cfg.NATSURL != "" {
		pub, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		c.closers = append(c.closers, func() { _ = pub.Close() })
		c.Publisher = pub

		c.queue, err = natspkg.NewWebhookQueue(cfg.NATSURL, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook queue: %w", err)
		}
		c.closers = append(c.closers, func() { _ = c.queue.Close() })
		queue = c.queue
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, events are not published and webhooks are processed in-process")
	}

	c.Machine = txn.New(txn.Config{
		Store:     c.Store,
		Ledger:    c.Ledger,
		Gate:      c.Gate,
		Router:    c.Router,
		BankLink:  plaid,
		Locks:     locks,
		Publisher: c.Publisher,
		Metrics:   m,
		Logger:    logger,
	})

	c.Webhooks = webhook.New(webhook.Config{
		Store:   c.Store,
		Machine: c.Machine,
		Queue:   queue,
		Verifiers: map[domain.Provider]webhook.Verifier{
			domain.ProviderStripe: webhook.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
			domain.ProviderPlaid:  webhook.NewPlaidVerifier(cfg.PlaidWebhookSecret, cfg.WebhookTolerance),
		},
		PlaidBucket: cfg.WebhookPlaidBucket,
		Metrics:     m,
		Logger:      logger,
	})

	return c, nil
}

// ConsumeWebhooks drains the shared NATS webhook queue until ctx is done. It
// returns immediately when webhooks are processed in-process.
func (c *Core) ConsumeWebhooks(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Run(ctx, c.Webhooks.Process)
}

// Close releases every connection Build opened, in reverse order.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Core) locker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		c.logger.Warn("REDIS_URL not set, using in-process locks; run a single replica")
		return lock.NewLocal(), nil
	}
	opts, err := goredislib.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredislib.NewClient(opts)
	c.closers = append(c.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	locks, err := lock.NewRedis(client, lock.DefaultRedisOptions(), c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis locker: %w", err)
	}
	c.logger.Info("connected to redis")
	return locks, nil
}

func (c *Core) auditSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	logSink := audit.NewLogSink(c.logger)
	if cfg.MongoURL == "" {
		return logSink, nil
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	c.closers = append(c.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	c.logger.Info("connected to mongodb", "database", cfg.MongoDatabase)
	return audit.MultiSink{logSink, audit.NewMongoSink(client, cfg.MongoDatabase)}, nil
}

// SweepInput maps configuration onto the reconciliation sweep's bounds.
func SweepInput(cfg *config.Config) temporal.SweepInput {
	return temporal.SweepInput{
		StaleAfter:          cfg.SweepStaleAfter,
		ReviewAfter:         cfg.SweepReviewAfter,
		Limit:               int32(cfg.SweepLimit),
		WebhookMaxAttempts:  int32(cfg.WebhookMaxAttempts),
		WebhookPendingAfter: cfg.WebhookPendingAfter,
	}
}
