package main

import (
	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-meter/internal/seeder"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the local development tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.close()
		return seeder.SeedTestTenant(cmd.Context(), st.tenants, logger)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
