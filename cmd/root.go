package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "storyforge",
	Short: "Asset generation service for personalized storybooks",
	Long:  "Routes image generation calls to sync and polling providers, gates them behind feature flags, records per-call metrics, and fulfills paid orders in batches.",
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
