package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/layout"
	"github.com/photokeep/photokeep/internal/training"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Push reviewed face crops to the recognition service",
	Long: `Upload untrained face crops of named persons to the recognition
service so future ingests can identify them automatically. Without
--person, every person over the configured face threshold is trained.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().Int64("person", 0, "Train a single person by id")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.CompreFace.RecognitionKey == "" {
		return errors.New("compreface.apiKeyRecognize is required for training (or COMPREFACE_RECOGNITION_KEY)")
	}
	personID := mustGetInt64(cmd, "person")

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lay := layout.New(cfg.Storage.ProcessedDir)
	trainer := training.New(cfg, store, compreface.New(cfg.CompreFace), lay)

	var results []training.PersonResult
	if personID != 0 {
		results = []training.PersonResult{trainer.TrainPerson(ctx, personID)}
	} else {
		results, err = trainer.ProcessQueue(ctx)
		if err != nil {
			return fmt.Errorf("train persons: %w", err)
		}
	}

	if len(results) == 0 {
		fmt.Println("No persons need training")
		return nil
	}
	var failed bool
	for _, r := range results {
		if r.Err != nil {
			failed = true
			fmt.Printf("Person %d: FAILED (%v)\n", r.PersonID, r.Err)
			continue
		}
		fmt.Printf("Person %d: %d faces trained, %d failed\n", r.PersonID, r.Trained, r.Failed)
	}
	if failed {
		return errors.New("some persons failed to train")
	}
	return nil
}
