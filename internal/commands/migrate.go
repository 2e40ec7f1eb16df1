package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"supportchat/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging, os.Stderr)
		driver := cfg.BasicConfig.Database
		db, err := storage.Open(driver, cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, driver); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrated", "driver", driver)
		return nil
	},
}
