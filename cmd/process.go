package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/detect"
	"github.com/photokeep/photokeep/internal/layout"
	"github.com/photokeep/photokeep/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending files from the file index",
	Long: `Process files the scanner marked pending: hash, decode, extract
metadata, detect faces and objects, and place each file into the
processed library. Failed files under the retry budget are requeued
first.`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Int("limit", 0, "Maximum number of files to process (0 = all pending)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit := mustGetInt(cmd, "limit")

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recover rows stuck by crashed runs and failures under the budget.
	if n, err := store.ResetStale(ctx, cfg.FileTimeout()); err == nil && n > 0 {
		fmt.Printf("Reset %d stale entries\n", n)
	}
	if n, err := store.Requeue(ctx, cfg.Processing.MaxRetries); err == nil && n > 0 {
		fmt.Printf("Requeued %d failed entries\n", n)
	}

	if limit <= 0 {
		stats, err := store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("read file index stats: %w", err)
		}
		limit = int(stats.Pending)
	}
	if limit == 0 {
		fmt.Println("Nothing pending")
		return nil
	}

	pending, err := store.GetPending(ctx, limit)
	if err != nil {
		return fmt.Errorf("load pending files: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("Nothing pending")
		return nil
	}

	lay := layout.New(cfg.Storage.ProcessedDir)
	faceSvc := compreface.New(cfg.CompreFace)
	detector := detect.New(cfg.Detector, cfg.Processing.ObjectDetection, cfg.Server.Workers)
	pipe := pipeline.New(cfg, store, lay, faceSvc, detector)

	bar := progressbar.NewOptions(len(pending),
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var processed, duplicates, failures int
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		result := pipe.Run(ctx, entry.SourcePath)
		switch result.Outcome {
		case pipeline.OutcomeProcessed:
			processed++
		case pipeline.OutcomeDuplicate:
			duplicates++
		case pipeline.OutcomeFailed:
			failures++
		}
		bar.Add(1)
	}
	fmt.Println()

	fmt.Printf("Processed %d files (%d duplicates, %d failures)\n", processed, duplicates, failures)
	if failures > 0 {
		fmt.Println("Failed files and their errors are in the status endpoint and the file index")
	}
	return ctx.Err()
}
