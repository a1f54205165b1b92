package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/fingerprint"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show library and file index statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("near-duplicates", false, "Also report visually similar image pairs")
	statsCmd.Flags().Int("distance", fingerprint.NearDuplicateThreshold,
		"Maximum perceptual hash distance in bits for near-duplicate pairs")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	nearDuplicates := mustGetBool(cmd, "near-duplicates")
	distance := mustGetInt(cmd, "distance")

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	images, err := store.CountImages(ctx)
	if err != nil {
		return fmt.Errorf("count images: %w", err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read file index stats: %w", err)
	}
	cities, err := store.CountCities(ctx)
	if err != nil {
		return fmt.Errorf("count cities: %w", err)
	}

	training, err := store.TrainingStats(ctx)
	if err != nil {
		return fmt.Errorf("read training stats: %w", err)
	}

	fmt.Printf("Images:      %d\n", images)
	fmt.Printf("Cities:      %d\n", cities)
	fmt.Printf("File index:  %d tracked\n", stats.Total())
	fmt.Printf("  Pending:    %d\n", stats.Pending)
	fmt.Printf("  Processing: %d\n", stats.Processing)
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("Training runs: %d (%d completed, %d failed)\n",
		training.Total, training.Completed, training.Failed)
	if training.AvgDuration > 0 {
		fmt.Printf("  Avg duration: %s\n", training.AvgDuration.Round(time.Second))
	}

	if nearDuplicates {
		pairs, err := store.NearDuplicates(ctx, distance)
		if err != nil {
			return fmt.Errorf("find near duplicates: %w", err)
		}
		fmt.Printf("Near-duplicate pairs (within %d bits): %d\n", distance, len(pairs))
		for _, pair := range pairs {
			fmt.Printf("  image %d ~ image %d\n", pair[0], pair[1])
		}
	}
	return nil
}
