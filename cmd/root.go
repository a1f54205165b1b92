// Package cmd holds the photokeep CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "photokeep",
	Short: "Self-hosted photo ingestion and analysis",
	Long: `PhotoKeep watches a source directory, ingests every photo into a
hash-addressed library and extracts metadata, faces, objects and
locations along the way. Results land in PostgreSQL; originals are
never modified.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the config file, applies env overrides and defaults,
// validates and configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	return cfg, nil
}
