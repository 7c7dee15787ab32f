package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema for the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if err := migrate(cmd.Context(), cfg); err != nil {
			return err
		}
		logger.Info("schema applied", "driver", cfg.StoreDriver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
