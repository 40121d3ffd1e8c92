package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "shallow-review",
	Short: "Content acquisition pipeline for shallow literature reviews",
	Long:  "Ingests URLs, renders pages through a content-addressed cache, extracts candidate links from collection sources and classifies content pages via Claude models.",
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
