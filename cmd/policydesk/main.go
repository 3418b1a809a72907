package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/policydesk/internal/config"
	"github.com/PabloGalante/policydesk/internal/observability"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "policydesk",
	Short: "Policy assistant chat sessions and drafts",
	Long: `policydesk keeps chat sessions with the policy assistant and the drafts
written alongside them, stored locally (SQLite), in Firestore or in memory.

Configuration comes from defaults, an optional TOML file (--config), a .env
file and POLICYDESK_* environment variables, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := observability.Configure(loaded.Log.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", loaded.Log.Level, err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
