package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Walk the source directory once and index discovered files",
	Long: `Walk the configured source directory and record every supported
image in the file index. Discovery is cheap and does not read file
contents; run "photokeep process" afterwards to ingest the pending
files.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := scanner.New(cfg.Storage.SourceDir, store, cfg.Server.Workers)
	result, err := sc.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan source directory: %w", err)
	}

	fmt.Printf("Scanned %d files in %s\n", result.Scanned, result.Duration.Round(time.Millisecond))
	fmt.Printf("  New/changed: %d\n", result.New)
	fmt.Printf("  Skipped:     %d\n", result.Skipped)
	if result.Errors > 0 {
		fmt.Printf("  Errors:      %d\n", result.Errors)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read file index stats: %w", err)
	}
	fmt.Printf("File index: %d pending, %d completed, %d failed\n",
		stats.Pending, stats.Completed, stats.Failed)
	return nil
}
