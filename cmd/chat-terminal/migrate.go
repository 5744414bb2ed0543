package main

import (
	"github.com/spf13/cobra"

	"github.com/multi-agent/go-chat-core/internal/database"
	"github.com/multi-agent/go-chat-core/migrations"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.PostgresConnStr == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "migrate", "POSTGRES_CONNECTION_STRING not set")
		}
		ctx := cmd.Context()
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, migrations.FS); err != nil {
			return err
		}
		logger.Info("migrate: complete")
		return nil
	},
}
