package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/advisor"
	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/internal/config"
	"github.com/MarkoPoloResearchLab/points/internal/httpapi"
	"github.com/MarkoPoloResearchLab/points/internal/observability"
	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/MarkoPoloResearchLab/points/pkg/grant"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/MarkoPoloResearchLab/points/pkg/transfer"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type runtime struct {
	cfg           config.Config
	logger        *zap.Logger
	metrics       *observability.Metrics
	db            *gorm.DB
	driver        string
	pool          *pgxpool.Pool
	closers       []func() error
	ledger        *ledger.Service
	grants        *grant.Service
	reserves      *reserve.Service
	billing       *billing.Service
	transfers     *transfer.Service
	authenticator *auth.Authenticator
	stepUp        *transfer.JWTVerifier
}

func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	app := &runtime{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}
	if err := app.open(ctx); err != nil {
		app.close()
		return nil, err
	}
	if err := app.wire(); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *runtime) open(ctx context.Context) error {
	db, cleanup, driver, err := gormstore.Open(ctx, app.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.db, app.driver = db, driver
	app.closers = append(app.closers, cleanup)
	if err := gormstore.Migrate(ctx, db); err != nil {
		return err
	}
	if app.cfg.LedgerStore == config.LedgerStorePgx {
		pool, err := pgstore.Open(ctx, app.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		app.pool = pool
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
	}
	return nil
}

func (app *runtime) wire() error {
	clock := func() time.Time { return time.Now().UTC() }
	store := gormstore.New(app.db)
	operationLogger := observability.NewOperationLogger(app.logger, app.metrics)

	var ledgerStore ledger.Store = store
	if app.pool != nil {
		ledgerStore = pgstore.New(app.pool)
	}
	var err error
	app.ledger, err = ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithApplyAttempts(app.cfg.ApplyAttempts),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	app.grants, err = grant.NewService(store.Grants(), clock, grant.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("grant service init: %w", err)
	}
	app.reserves, err = reserve.NewService(store.Reserves(), clock, reserve.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("reserve service init: %w", err)
	}
	costAdvisor, err := app.newAdvisor()
	if err != nil {
		return err
	}
	app.billing, err = billing.NewService(store.Billing(), costAdvisor, clock,
		billing.WithOperationLogger(operationLogger),
		billing.WithAdvisoryTimeout(app.cfg.AdvisoryTimeout),
		billing.WithReserveDirectory(app.reserves),
	)
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}
	app.stepUp, err = transfer.NewJWTVerifier([]byte(app.cfg.StepUpSigningKey), app.cfg.StepUpIssuer, clock)
	if err != nil {
		return fmt.Errorf("step-up verifier init: %w", err)
	}
	app.transfers, err = transfer.NewService(store.Transfers(), app.stepUp, clock,
		transfer.WithOperationLogger(operationLogger),
		transfer.WithStepUpThreshold(ledger.Points(app.cfg.StepUpThreshold)),
	)
	if err != nil {
		return fmt.Errorf("transfer service init: %w", err)
	}
	app.authenticator, err = auth.NewAuthenticator(store, app.cfg.AdminKey, clock, auth.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("authenticator init: %w", err)
	}
	return nil
}

func (app *runtime) newAdvisor() (*advisor.Advisor, error) {
	if !app.cfg.AdvisoryEnabled() {
		app.logger.Info("cost advisory disabled; billing uses the neutral factor")
		return advisor.New(nil), nil
	}
	client, err := advisor.NewGeminiClient(advisor.GeminiConfig{
		APIKey: app.cfg.AdvisoryAPIKey,
		APIURL: app.cfg.AdvisoryURL,
		Model:  app.cfg.AdvisoryModel,
	})
	if err != nil {
		return nil, fmt.Errorf("advisory client init: %w", err)
	}
	return advisor.New(client), nil
}

func (app *runtime) services() httpapi.Services {
	return httpapi.Services{
		Ledger:    app.ledger,
		Grants:    app.grants,
		Reserves:  app.reserves,
		Billing:   app.billing,
		Transfers: app.transfers,
		Auth:      app.authenticator,
		StepUp:    app.stepUp,
	}
}

func (app *runtime) ping(ctx context.Context) error {
	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if app.pool != nil {
		return app.pool.Ping(ctx)
	}
	return nil
}

func (app *runtime) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			app.logger.Warn("close failed", zap.Error(err))
		}
	}
	app.closers = nil
}
