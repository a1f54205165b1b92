package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/database/postgres"
	"github.com/photokeep/photokeep/internal/layout"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete images that have been in the trash long enough",
	Long: `Permanently delete soft-deleted images older than the retention
window, removing their database rows and on-disk artifacts (media
file, sidecar, face crops). The source files are never touched; a
purged file reappearing in the source directory is re-ingested.`,
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().Int("older-than-days", 30, "Retention window for trashed images")
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	days := mustGetInt(cmd, "older-than-days")

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	purged, err := store.PurgeTrash(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("purge trash: %w", err)
	}
	if len(purged) == 0 {
		fmt.Println("Trash is empty")
		return nil
	}

	lay := layout.New(cfg.Storage.ProcessedDir)
	for _, img := range purged {
		paths := append([]string{img.RelativeMediaPath, img.RelativeMetaPath}, img.FacePaths...)
		if err := lay.Remove(paths...); err != nil {
			// Rows are already gone; leftover files are harmless and
			// logged for manual cleanup.
			logrus.WithError(err).WithField("image", img.ID).Warn("cannot remove purged artifacts")
		}
	}

	fmt.Printf("Purged %d images\n", len(purged))
	return nil
}
