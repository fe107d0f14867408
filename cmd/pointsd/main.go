package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/points/internal/auth"
	"github.com/MarkoPoloResearchLab/points/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/points/internal/httpapi"
	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Developer points economy server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerConfigFlags(cmd)
	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newIssueKeyCommand(),
		newReleaseCommand(),
		newReconcileCommand(),
	)
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, cmd, func(ctx context.Context, app *runtime) error {
				return serve(ctx, app)
			})
		},
	}
}

func serve(ctx context.Context, app *runtime) error {
	server, err := httpapi.NewServer(app.services(), httpapi.Config{
		AllowedOrigins: app.cfg.AllowedOrigins,
		Logger:         app.logger,
		Metrics:        app.metrics,
	})
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, app.cfg.ListenAddr, server.Handler(), app.logger)
	})
	if addr := strings.TrimSpace(app.cfg.GRPCHealthAddr); addr != "" {
		healthServer, err := grpcserver.NewHealthServer(app.ping, grpcserver.WithLogger(app.logger))
		if err != nil {
			return err
		}
		group.Go(func() error {
			return grpcserver.Serve(groupCtx, addr, healthServer, app.logger)
		})
	}
	return group.Wait()
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and seed reserve categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cmd, func(ctx context.Context, app *runtime) error {
				app.logger.Info("schema up to date", zap.String("driver", app.driver))
				return nil
			})
		},
	}
}

func newIssueKeyCommand() *cobra.Command {
	var developer string
	var permissions []string
	cmd := &cobra.Command{
		Use:   "issue-key",
		Short: "Issue an API key for a developer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cmd, func(ctx context.Context, app *runtime) error {
				developerID, err := ledger.NewDeveloperID(developer)
				if err != nil {
					return err
				}
				parsed := make([]auth.Permission, 0, len(permissions))
				for _, raw := range permissions {
					permission, err := auth.ParsePermission(raw)
					if err != nil {
						return err
					}
					parsed = append(parsed, permission)
				}
				rawKey, _, err := app.authenticator.IssueKey(ctx, developerID, parsed)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&developer, "developer", "", "developer id")
	cmd.Flags().StringSliceVar(&permissions, "permission", []string{"economy", "reserves", "billing"}, "granted permissions")
	_ = cmd.MarkFlagRequired("developer")
	return cmd
}

func newReleaseCommand() *cobra.Command {
	var grantID string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release vested grant installments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cmd, func(ctx context.Context, app *runtime) error {
				if strings.TrimSpace(grantID) != "" {
					release, err := app.grants.ReleaseVested(ctx, grantID)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "released %d from %s, balance %d\n", release.Amount.Int64(), grantID, release.BalanceAfter.Int64())
					return nil
				}
				report, err := app.grants.ReleaseDue(ctx)
				if err != nil {
					return err
				}
				for _, release := range report.Releases {
					fmt.Fprintf(cmd.OutOrStdout(), "released %d from %s\n", release.Amount.Int64(), release.Grant.ID)
				}
				for _, failure := range report.Failures {
					app.logger.Warn("release failed", zap.String("detail", failure))
				}
				if len(report.Failures) > 0 {
					return fmt.Errorf("%d grant releases failed", len(report.Failures))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grantID, "grant-id", "", "release a single grant; empty releases every due grant")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	var developer string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare a cached balance against its ledger sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cmd, func(ctx context.Context, app *runtime) error {
				developerID, err := ledger.NewDeveloperID(developer)
				if err != nil {
					return err
				}
				report, err := app.ledger.Reconcile(ctx, developerID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance=%d ledger_sum=%d consistent=%t\n", report.Balance.Int64(), report.LedgerSum.Int64(), report.Consistent)
				if !report.Consistent {
					return fmt.Errorf("balance drift for %s", developerID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&developer, "developer", "", "developer id")
	_ = cmd.MarkFlagRequired("developer")
	return cmd
}

func withRuntime(ctx context.Context, cmd *cobra.Command, fn func(ctx context.Context, app *runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.DevelopmentLogger)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()
	return fn(ctx, app)
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
