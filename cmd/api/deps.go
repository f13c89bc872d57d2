package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"famledger/internal/domain/account"
	"famledger/internal/domain/reconciliation"
	"famledger/internal/infrastructure/locking"
	"famledger/internal/infrastructure/postgres"
	"famledger/internal/infrastructure/postgres/listener"
	httphandlers "famledger/internal/interfaces/http"
	"famledger/internal/shared/auth"
	"famledger/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB       *postgres.DB
	Redis    *redis.Client
	Listener *listener.LedgerListener

	// Handlers
	HealthHandler         *httphandlers.HealthHandler
	AccountHandler        *httphandlers.AccountHandler
	ReconciliationHandler *httphandlers.ReconciliationHandler
	TransferHandler       *httphandlers.TransferHandler

	// Auth
	JWT *auth.JWT

	logger logrus.FieldLogger
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Dependencies, error) {
	connStr := cfg.Database.ConnectionString()

	if err := postgres.RunMigrations(connStr, cfg.Database.MigrationsPath); err != nil {
		return nil, err
	}
	logger.Info("Database migrations applied")

	db, err := postgres.New(connStr, postgres.PoolConfig{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to database")

	deps := &Dependencies{DB: db, logger: logger}

	// Initialize repositories
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	settingsRepo := postgres.NewSettingsRepository(db)
	categoryRepo := postgres.NewCategoryRepository(db)

	// Initialize domain services
	accountService := account.NewService(accountRepo)

	opts := []reconciliation.Option{
		reconciliation.WithNotifier(postgres.NewNotifier(db)),
		reconciliation.WithWorkers(cfg.Reconciliation.Workers),
		reconciliation.WithLogger(logger.WithField("component", "reconciliation")),
	}

	// Distributed confirmation locks are only needed with more than one instance
	if cfg.Redis.Addr != "" {
		rdb, err := locking.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.Redis = rdb
		opts = append(opts, reconciliation.WithLocker(locking.NewRedisLocker(rdb, cfg.Redis.LockTTL, logger)))
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis batch locking enabled")
	} else {
		logger.Warn("REDIS_ADDR not set, confirmation batches are not serialized across instances")
	}

	reconService := reconciliation.NewService(transactionRepo, accountRepo, settingsRepo, categoryRepo, opts...)

	if cfg.Database.ListenerEnabled {
		deps.Listener = listener.NewLedgerListener(connStr, reconService, logger)
		deps.Listener.Start(ctx)
	}

	// Initialize auth components
	deps.JWT = auth.NewJWT(cfg.JWT.Secret)

	// Initialize handlers
	deps.HealthHandler = httphandlers.NewHealthHandler(db)
	deps.AccountHandler = httphandlers.NewAccountHandler(accountService, logger)
	deps.ReconciliationHandler = httphandlers.NewReconciliationHandler(reconService, logger)
	deps.TransferHandler = httphandlers.NewTransferHandler(reconService, logger)

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Listener != nil {
		d.Listener.Stop()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.logger.WithError(err).Warn("Error closing redis client")
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.logger.WithError(err).Warn("Error closing database")
		}
	}
}
