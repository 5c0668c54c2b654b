package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	// Global flags
	configPath string
	logLevel   string
	walDir     string
)

var rootCmd = &cobra.Command{
	Use:   "gojotx",
	Short: "Pooled kernel transactions over a graph storage engine",
	Long: `gojotx runs the transaction kernel of a graph database: pooled,
reusable transaction instances with termination, locking, constraint checks
and a durable transaction log.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&walDir, "wal-dir", "", "Override the transaction log directory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if walDir != "" {
		cfg.WAL.Dir = walDir
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	log, _, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
