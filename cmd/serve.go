package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/detect"
	"github.com/photokeep/photokeep/internal/jobs"
	"github.com/photokeep/photokeep/internal/layout"
	"github.com/photokeep/photokeep/internal/pipeline"
	"github.com/photokeep/photokeep/internal/scanner"
	"github.com/photokeep/photokeep/internal/training"
	"github.com/photokeep/photokeep/internal/web"
	"github.com/photokeep/photokeep/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion service",
	Long: `Run the full PhotoKeep service: the auto-scanner watches the source
directory, a worker pool processes discovered files and the HTTP API
reports progress and jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	lay := layout.New(cfg.Storage.ProcessedDir)
	faceSvc := compreface.New(cfg.CompreFace)
	detector := detect.New(cfg.Detector, cfg.Processing.ObjectDetection, cfg.Server.Workers)
	pipe := pipeline.New(cfg, store, lay, faceSvc, detector)

	tracker := handlers.NewProgressTracker()
	queue := jobs.NewQueue()
	pool := jobs.NewPool(queue, cfg.Server.Workers)
	pool.Register(jobs.TypeImageProcessing, imageProcessingHandler(pipe, tracker))

	trainer := training.New(cfg, store, faceSvc, lay)
	if cfg.CompreFace.RecognitionKey != "" {
		pool.Register(jobs.TypeTraining, func(ctx context.Context, job *jobs.Job) error {
			_, err := trainer.ProcessQueue(ctx)
			return err
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	if cfg.AutoScan.Enabled {
		sc := scanner.New(cfg.Storage.SourceDir, store, cfg.Server.Workers)
		auto := scanner.NewAutoScanner(cfg, sc, store, queue)
		go auto.Run(ctx)
	} else {
		logrus.Info("auto-scan disabled; submit work with the scan and process commands")
	}

	if cfg.CompreFace.RecognitionKey != "" {
		go trainer.AutoTrain(ctx)
	}

	// Terminal jobs older than the retention window are swept hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := queue.Cleanup(); n > 0 {
					logrus.WithField("removed", n).Debug("swept finished jobs")
				}
			}
		}
	}()

	server := web.NewServer(cfg, store, queue, tracker)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logrus.Info("shutting down")
		cancel()
		queue.Close()
		pool.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("error during shutdown")
		}
	}()

	fmt.Printf("PhotoKeep listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// imageProcessingHandler runs one submitted batch file by file, feeding the
// progress tracker and the job's counters.
func imageProcessingHandler(pipe *pipeline.Pipeline, tracker *handlers.ProgressTracker) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		batch, ok := job.Payload.(scanner.Batch)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}

		total := len(batch.Entries)
		for i, entry := range batch.Entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			tracker.FileStarted(entry.SourcePath)
			result := pipe.Run(ctx, entry.SourcePath)
			tracker.FileFinished(entry.SourcePath)

			if result.Outcome == pipeline.OutcomeFailed {
				job.AddItemError(fmt.Sprintf("%s: %v", entry.SourcePath, result.Err))
			}
			job.SetProgress(i+1, total)
		}
		return nil
	}
}
