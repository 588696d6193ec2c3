package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zari-lab/labdata/config"
	"github.com/zari-lab/labdata/repositories/postgres"
	"go.uber.org/zap"
)

func migrateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfg.Store.Backend != config.StoreBackendPostgres {
				rt.logger.Info("store backend has no schema, nothing to migrate",
					zap.String("store_backend", rt.cfg.Store.Backend))
				return nil
			}

			factory, err := postgres.NewRepositoryFactory(rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer factory.Close()

			if err := factory.InitSchema(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			rt.logger.Info("schema is up to date",
				zap.String("connection", rt.cfg.Database.LogString()))
			return nil
		},
	}
}
