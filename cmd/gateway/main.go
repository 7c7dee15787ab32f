// Command gateway runs the metered LLM proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version will be set at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Metered reverse proxy for OpenAI-compatible LLM APIs",
	Long: `gateway authenticates tenants, enforces spend budgets, forwards requests to an
OpenAI or Azure OpenAI upstream and records what every request cost.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("llm-meter gateway version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
