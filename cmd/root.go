package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "firstmover",
	Short: "Platform adoption scoring engine",
	Long:  "Finds when a user joined each platform from mailbox metadata or manual dates, ranks those dates against every other user, and aggregates the percentiles into an early-adopter score.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
