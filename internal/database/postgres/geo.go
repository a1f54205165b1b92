package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/photokeep/photokeep/internal/database"
)

// CitiesInLatBand returns cities whose latitude falls inside the band,
// joined with their state and country names. The latitude index makes this
// the cheap prefilter of the geolocator.
func (s *Store) CitiesInLatBand(ctx context.Context, minLat, maxLat float64) ([]database.GeoCity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, COALESCE(st.name, ''), co.name, c.latitude, c.longitude, c.timezone
		FROM geo_cities c
		JOIN geo_countries co ON co.id = c.country_id
		LEFT JOIN geo_states st ON st.id = c.state_id
		WHERE c.latitude BETWEEN $1 AND $2`, minLat, maxLat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cities []database.GeoCity
	for rows.Next() {
		var c database.GeoCity
		if err := rows.Scan(&c.ID, &c.Name, &c.State, &c.Country, &c.Latitude, &c.Longitude, &c.Timezone); err != nil {
			return nil, fmt.Errorf("scan city: %w", err)
		}
		cities = append(cities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cities: %w", err)
	}
	return cities, nil
}

// EnsureCity inserts a city with its country and state rows, returning the
// existing id when already present. Used by the reference-data importer.
func (s *Store) EnsureCity(ctx context.Context, city *database.GeoCity) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var countryID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO geo_countries (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, city.Country).Scan(&countryID)
		if err != nil {
			return fmt.Errorf("ensure country: %w", err)
		}

		var stateID any
		if city.State != "" {
			var sid int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO geo_states (country_id, name) VALUES ($1, $2)
				ON CONFLICT (country_id, name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, countryID, city.State).Scan(&sid)
			if err != nil {
				return fmt.Errorf("ensure state: %w", err)
			}
			stateID = sid
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO geo_cities (country_id, state_id, name, latitude, longitude, timezone)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (country_id, name, latitude, longitude) DO UPDATE SET
				timezone = EXCLUDED.timezone
			RETURNING id`,
			countryID, stateID, city.Name, city.Latitude, city.Longitude, city.Timezone).Scan(&id)
		if err != nil {
			return fmt.Errorf("ensure city: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	city.ID = id
	return id, nil
}

// CountCities returns the size of the city reference table.
func (s *Store) CountCities(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM geo_cities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cities: %w", err)
	}
	return n, nil
}

// UpsertImageLocation writes the image's city link. Idempotent: a rerun
// updates confidence and distance only.
func (s *Store) UpsertImageLocation(ctx context.Context, loc *database.ImageLocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO image_geolocations (image_id, city_id, detection_method, confidence, distance_miles)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (image_id) DO UPDATE SET
			city_id = EXCLUDED.city_id,
			detection_method = EXCLUDED.detection_method,
			confidence = EXCLUDED.confidence,
			distance_miles = EXCLUDED.distance_miles,
			updated_at = NOW()`,
		loc.ImageID, loc.CityID, loc.DetectionMethod, loc.Confidence, loc.DistanceMiles)
	if err != nil {
		return fmt.Errorf("upsert image location: %w", err)
	}
	return nil
}

// GetImageLocation returns the image's city link, nil when absent.
func (s *Store) GetImageLocation(ctx context.Context, imageID int64) (*database.ImageLocation, error) {
	var loc database.ImageLocation
	err := s.pool.QueryRow(ctx, `
		SELECT image_id, city_id, detection_method, confidence, distance_miles
		FROM image_geolocations WHERE image_id = $1`, imageID).Scan(
		&loc.ImageID, &loc.CityID, &loc.DetectionMethod, &loc.Confidence, &loc.DistanceMiles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image location: %w", err)
	}
	return &loc, nil
}
