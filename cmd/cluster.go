package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/clusterer"
	"github.com/photokeep/photokeep/internal/database/postgres"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group unassigned faces by embedding similarity",
	Long: `Rebuild the face clusters from the unassigned faces. Each cluster
gets a representative face and, when a known person's aggregate
embedding is close enough, a suggested identity for review.`,
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)
}

func runCluster(cmd *cobra.Command, args []string) error {
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

	result, err := clusterer.New(cfg.Clustering, store).Run(ctx)
	if err != nil {
		return fmt.Errorf("cluster faces: %w", err)
	}

	fmt.Printf("Clustered %d faces into %d clusters (%d candidate pairs)\n",
		result.Faces, result.Clusters, result.CandidatePairs)
	if result.Suggested > 0 {
		fmt.Printf("%d clusters have a suggested person awaiting review\n", result.Suggested)
	}
	return nil
}
