package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/transfer-saga/internal/audit"
	"github.com/congo-pay/transfer-saga/internal/config"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/infra"
	"github.com/congo-pay/transfer-saga/internal/ledger"
	"github.com/congo-pay/transfer-saga/internal/logging"
	"github.com/congo-pay/transfer-saga/internal/notification"
	"github.com/congo-pay/transfer-saga/internal/outbox"
	"github.com/congo-pay/transfer-saga/internal/payments"
	"github.com/congo-pay/transfer-saga/internal/routes"
	"github.com/congo-pay/transfer-saga/internal/saga"
	"github.com/congo-pay/transfer-saga/internal/server"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

const auditBuffer = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With(slog.String("app", cfg.AppName), slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		db    *pgxpool.Pool
		cache *redis.Client
		err   error
	)

	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory ledger store")
	}

	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", slog.Any("error", err))
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set; using in-memory event bus")
	}

	// Stores.
	var store ledger.Store
	sinks := audit.Tee{audit.NewLoggerSink(logger)}
	if db != nil {
		pg := ledger.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		pgAudit := audit.NewPostgresSink(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate audit: %w", err)
		}
		store = pg
		sinks = append(sinks, pgAudit)
	} else {
		store = ledger.NewInMemory()
	}

	var bus events.Bus
	if cache != nil {
		bus = events.NewRedisBus(cache, logger)
	} else {
		bus = events.NewMemoryBus(logger)
	}

	// Services.
	auditSink := audit.NewAsync(sinks, auditBuffer, logger)
	ledgerSvc := ledger.NewService(store, cfg.LedgerRetry, logger)
	walletSvc := wallet.NewService(store)
	paymentSvc := payments.NewService(ledgerSvc, walletSvc)
	orchestrator := saga.NewOrchestrator(ledgerSvc, auditSink, logger)

	relay := outbox.NewRelay(store, bus, outbox.Options{
		Interval:       cfg.OutboxPollInterval,
		BatchSize:      cfg.OutboxBatchSize,
		PublishTimeout: cfg.PublishTimeout,
		Retry:          cfg.PublishRetry,
	}, logger)
	requests := saga.NewListener(orchestrator, logger)
	reaper := saga.NewReaper(orchestrator, ledgerSvc, cfg.SagaStaleAfter, cfg.SagaReapInterval, logger)
	notifier := notification.NewListener(ledgerSvc, walletSvc, notification.NewLoggerNotifier(logger), logger)

	srv := server.New(routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Wallets:  walletSvc,
		Payments: paymentSvc,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.Address()))
		return srv.Listen()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return auditSink.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		return requests.Run(gctx, bus, cfg.ConsumerGroup, cfg.ConsumerName, cfg.ConsumerWorkers)
	})
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx, bus, cfg.ConsumerName, cfg.ConsumerWorkers) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
