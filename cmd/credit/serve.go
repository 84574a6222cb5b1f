package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"creditcore/internal/credit"
	"creditcore/internal/membership"
	"creditcore/internal/server"
	"creditcore/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the credit HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	cfg, logger, err := setup("credit")
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: "creditcore", Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := migrateSchema(ctx, a); err != nil {
			return err
		}
	}

	router := server.NewRouter(server.Options{
		Credit:    credit.NewHandler(a.credit, logger.Named("http")).Routes(),
		Members:   membership.NewHandler(a.members).Routes(),
		Logger:    logger.Named("http"),
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
	})

	srv := server.New(cfg.HTTPAddr, router, cfg.ShutdownTimeout, logger)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("credit service stopped")
	return nil
}
