package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/database/postgres"
)

var citiesCmd = &cobra.Command{
	Use:   "cities <file.csv>",
	Short: "Import the city reference table for geolocation",
	Long: `Import cities from a CSV file with the columns
name,state,country,latitude,longitude,timezone. GPS coordinates in
photos are matched against this table; without it every photo reports
geo-unavailable. A header row is detected and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCities,
}

func init() {
	rootCmd.AddCommand(citiesCmd)
}

func runCities(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open city file: %w", err)
	}
	defer f.Close()

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Importing cities"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("cities"),
	)

	var imported, skipped int
	for line := 1; ; line++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read city file line %d: %w", line, err)
		}

		city, err := parseCity(record)
		if err != nil {
			if line == 1 {
				continue // header row
			}
			skipped++
			continue
		}
		if _, err := store.EnsureCity(ctx, city); err != nil {
			return fmt.Errorf("import %s: %w", city.Name, err)
		}
		imported++
		bar.Add(1)
	}
	fmt.Println()

	total, err := store.CountCities(ctx)
	if err != nil {
		return fmt.Errorf("count cities: %w", err)
	}
	fmt.Printf("Imported %d cities (%d rows skipped), %d total in the database\n", imported, skipped, total)
	return nil
}

func parseCity(record []string) (*database.GeoCity, error) {
	lat, err := strconv.ParseFloat(record[3], 64)
	if err != nil {
		return nil, fmt.Errorf("latitude %q: %w", record[3], err)
	}
	lon, err := strconv.ParseFloat(record[4], 64)
	if err != nil {
		return nil, fmt.Errorf("longitude %q: %w", record[4], err)
	}
	if record[0] == "" {
		return nil, fmt.Errorf("missing city name")
	}
	return &database.GeoCity{
		Name:      record[0],
		State:     record[1],
		Country:   record[2],
		Latitude:  lat,
		Longitude: lon,
		Timezone:  record[5],
	}, nil
}
