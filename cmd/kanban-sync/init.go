package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-sync/internal/config"
	"kanban-sync/internal/domain"
	"kanban-sync/internal/storage"
)

func initStorageCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "init-storage",
		Short: "Provision tables, queues and indexes for the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runInitStorage(cmd.Context(), cfg, seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "write the sample tasks into an empty store")
	return cmd
}

func runInitStorage(ctx context.Context, cfg config.Config, seed bool) error {
	log.Info("storage init starting")

	if cfg.StorageConnectionString != "" {
		var tables []string
		if cfg.StoreBackend == config.BackendTables {
			tables = append(tables, cfg.TasksTable)
		}
		if err := storage.CreateTables(ctx, cfg.StorageConnectionString, tables); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		if err := storage.CreateQueues(ctx, cfg.StorageConnectionString, []string{cfg.NotificationQueue}); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}

	// Opening the store creates the sqlite schema and the mongo indexes.
	schema := domain.NewSchema(cfg.Statuses)
	store, closeStore, err := openStore(ctx, cfg, schema, nil)
	if err != nil {
		return err
	}
	defer closeStore(ctx)

	if seed {
		n, err := storage.SeedSampleTasks(ctx, store, schema)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.WithField("tasks", n).Info("seeded sample tasks")
	}

	log.Info("storage init complete")
	return nil
}
