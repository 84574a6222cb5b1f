package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"creditcore/internal/eventstore"
	"creditcore/internal/ledger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger and journal schema to CREDIT_DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup("credit-migrate")
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.DatabaseURL == "" {
				return errors.New("CREDIT_DATABASE_URL is required for migrate")
			}

			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := migrateSchema(cmd.Context(), a); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

// migrateSchema applies the schema of every Postgres-backed component.
func migrateSchema(ctx context.Context, a *app) error {
	if pg, ok := a.base.(*ledger.PostgresStore); ok {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate ledger: %w", err)
		}
	}
	if es, ok := a.journal.(*eventstore.EventStore); ok {
		if err := es.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate journal: %w", err)
		}
	}
	return nil
}
