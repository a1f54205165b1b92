package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/database"
)

const imageColumns = `id, source_filename, file_hash, file_size, mime_type, width, height,
	dominant_color, date_taken, date_inferred, date_imported, processing_status,
	relative_media_path, relative_meta_path, migration_status, phash, dhash,
	is_screenshot, screenshot_confidence, screenshot_reasons,
	is_astrophotography, astro_confidence, astro_classification,
	deleted_at, deleted_by, delete_reason`

// UpsertImage writes the image and all child rows in one transaction. On a
// file_hash conflict the existing id is returned and nothing is written:
// the duplicate path of the pipeline.
func (s *Store) UpsertImage(ctx context.Context, rec *database.ImageRecord) (int64, bool, error) {
	img := rec.Image
	var id int64
	created := false

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO images (
				source_filename, file_hash, file_size, mime_type, width, height,
				dominant_color, date_taken, date_inferred, processing_status,
				relative_media_path, relative_meta_path, migration_status, phash, dhash,
				is_screenshot, screenshot_confidence, screenshot_reasons,
				is_astrophotography, astro_confidence, astro_classification
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (file_hash) DO NOTHING
			RETURNING id`,
			img.SourceFilename, img.FileHash, img.FileSize, img.MimeType, img.Width, img.Height,
			nullString(img.DominantColor), img.DateTaken, img.DateInferred, img.ProcessingStatus,
			img.RelativeMediaPath, img.RelativeMetaPath, img.MigrationStatus, img.PHash, img.DHash,
			img.IsScreenshot, img.ScreenshotConfidence, pq.Array(img.ScreenshotReasons),
			img.IsAstro, img.AstroConfidence, img.AstroClassification,
		).Scan(&id)

		if errors.Is(err, sql.ErrNoRows) {
			// Hash conflict: surface the existing row, write no children.
			return tx.QueryRowContext(ctx,
				`SELECT id FROM images WHERE file_hash = $1`, img.FileHash).Scan(&id)
		}
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		created = true

		if rec.Metadata != nil {
			if err := insertMetadata(ctx, tx, id, rec.Metadata); err != nil {
				return err
			}
		}
		if err := s.insertFaces(ctx, tx, id, rec.Faces); err != nil {
			return err
		}
		if err := s.insertObjects(ctx, tx, id, rec.Objects); err != nil {
			return err
		}
		if rec.Location != nil {
			loc := rec.Location
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO image_geolocations (image_id, city_id, detection_method, confidence, distance_miles)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (image_id) DO UPDATE SET
					city_id = EXCLUDED.city_id,
					detection_method = EXCLUDED.detection_method,
					confidence = EXCLUDED.confidence,
					distance_miles = EXCLUDED.distance_miles,
					updated_at = NOW()`,
				id, loc.CityID, loc.DetectionMethod, loc.Confidence, loc.DistanceMiles); err != nil {
				return fmt.Errorf("insert geolocation: %w", err)
			}
		}

		return bumpPersonCounts(ctx, tx, id, +1)
	})
	if err != nil {
		return 0, false, err
	}

	if !created {
		logrus.WithFields(logrus.Fields{"hash": img.FileHash, "image_id": id}).Info("duplicate image")
	}
	return id, created, nil
}

func insertMetadata(ctx context.Context, tx *sql.Tx, imageID int64, m *database.ImageMetadata) error {
	rawTags, err := marshalOrNil(m.RawTags)
	if err != nil {
		return fmt.Errorf("marshal raw tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO image_metadata (
			image_id, camera_make, camera_model, software, aperture, shutter_speed,
			iso, focal_length, focal_length_35mm, exposure_program, metering_mode,
			exposure_bias, white_balance, flash, orientation, color_space,
			gps_latitude, gps_longitude, gps_altitude, gps_bearing, gps_speed,
			gps_dop, gps_lat_ref, gps_lon_ref, gps_datum, gps_positioning_error,
			subsec_time, timezone_offset, artist, copyright, description, rating,
			lens_make, lens_model, raw_tags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)`,
		imageID, m.CameraMake, m.CameraModel, m.Software, m.Aperture, m.ShutterSpeed,
		m.ISO, m.FocalLength, m.FocalLength35mm, m.ExposureProgram, m.MeteringMode,
		m.ExposureBias, m.WhiteBalance, m.Flash, m.Orientation, m.ColorSpace,
		m.GPSLatitude, m.GPSLongitude, m.GPSAltitude, m.GPSBearing, m.GPSSpeed,
		m.GPSDOP, m.GPSLatRef, m.GPSLonRef, m.GPSDatum, m.GPSPositionError,
		m.SubSecTime, m.TimezoneOffset, m.Artist, m.Copyright, m.Description, m.Rating,
		m.LensMake, m.LensModel, rawTags)
	if err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	return nil
}

func (s *Store) insertFaces(ctx context.Context, tx *sql.Tx, imageID int64, faces []database.DetectedFace) error {
	for i := range faces {
		f := &faces[i]
		landmarks, err := marshalOrNil(f.Landmarks)
		if err != nil {
			return fmt.Errorf("marshal landmarks: %w", err)
		}

		var embedding any
		if len(f.Embedding) > 0 {
			embedding = pgvector.NewVector(f.Embedding)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO detected_faces (
				image_id, person_id, x_min, y_min, x_max, y_max, probability,
				landmarks, pose_pitch, pose_roll, pose_yaw, age_low, age_high,
				gender, gender_probability, embedding, relative_face_path,
				recognition_confidence, recognition_method, needs_review, external_image_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING id`,
			imageID, f.PersonID, f.XMin, f.YMin, f.XMax, f.YMax, f.Probability,
			landmarks, f.PosePitch, f.PoseRoll, f.PoseYaw, f.AgeLow, f.AgeHigh,
			f.Gender, f.GenderProbability, embedding, f.RelativeFacePath,
			f.RecognitionConfidence, f.RecognitionMethod, f.NeedsReview, f.ExternalImageID,
		).Scan(&f.ID)
		if err != nil {
			return fmt.Errorf("insert face: %w", err)
		}
		f.ImageID = imageID
	}
	return nil
}

func (s *Store) insertObjects(ctx context.Context, tx *sql.Tx, imageID int64, objects []database.DetectedObject) error {
	for start := 0; start < len(objects); start += s.batchSize {
		end := min(start+s.batchSize, len(objects))
		batch := objects[start:end]

		query := `INSERT INTO detected_objects (image_id, class_label, confidence, x, y, width, height) VALUES `
		args := make([]any, 0, len(batch)*7)
		for i, obj := range batch {
			if i > 0 {
				query += ","
			}
			base := i * 7
			query += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args, imageID, obj.ClassLabel, obj.Confidence, obj.X, obj.Y, obj.Width, obj.Height)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert objects: %w", err)
		}
	}
	return nil
}

// bumpPersonCounts adjusts persons.face_count by delta for each person
// referenced by this image's reviewed faces, holding row locks.
func bumpPersonCounts(ctx context.Context, tx *sql.Tx, imageID int64, delta int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE persons SET face_count = face_count + $1 * sub.cnt, updated_at = NOW()
		FROM (
			SELECT person_id, COUNT(*) AS cnt
			FROM detected_faces
			WHERE image_id = $2 AND person_id IS NOT NULL AND needs_review = FALSE
			GROUP BY person_id
		) sub
		WHERE persons.id = sub.person_id`, delta, imageID)
	if err != nil {
		return fmt.Errorf("adjust person face counts: %w", err)
	}
	return nil
}

// GetImage returns an image by id, nil when absent.
func (s *Store) GetImage(ctx context.Context, id int64) (*database.Image, error) {
	return s.scanOneImage(s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
}

// GetImageByHash returns an image by content hash, nil when absent. Soft
// deleted rows are still returned; the hash probe must see them.
func (s *Store) GetImageByHash(ctx context.Context, hash string) (*database.Image, error) {
	return s.scanOneImage(s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE file_hash = $1`, hash))
}

func (s *Store) scanOneImage(row *sql.Row) (*database.Image, error) {
	img, err := scanImageFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return img, err
}

func scanImageRow(rows *sql.Rows) (*database.Image, error) {
	return scanImageFrom(rows)
}

func scanImageFrom(row rowScanner) (*database.Image, error) {
	var img database.Image
	var dominant sql.NullString
	var reasons pq.StringArray

	err := row.Scan(
		&img.ID, &img.SourceFilename, &img.FileHash, &img.FileSize, &img.MimeType,
		&img.Width, &img.Height, &dominant, &img.DateTaken, &img.DateInferred,
		&img.DateImported, &img.ProcessingStatus, &img.RelativeMediaPath,
		&img.RelativeMetaPath, &img.MigrationStatus, &img.PHash, &img.DHash,
		&img.IsScreenshot, &img.ScreenshotConfidence, &reasons,
		&img.IsAstro, &img.AstroConfidence, &img.AstroClassification,
		&img.DeletedAt, &img.DeletedBy, &img.DeleteReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan image: %w", err)
	}
	img.DominantColor = dominant.String
	img.ScreenshotReasons = reasons
	return &img, nil
}

// SoftDeleteImage sets the tombstone and rebalances person face counts.
func (s *Store) SoftDeleteImage(ctx context.Context, id int64, by, reason string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE images SET deleted_at = NOW(), deleted_by = $2, delete_reason = $3
			WHERE id = $1 AND deleted_at IS NULL`, id, by, reason)
		if err != nil {
			return fmt.Errorf("soft delete image: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("image %d not found or already deleted", id)
		}
		return bumpPersonCounts(ctx, tx, id, -1)
	})
}

// RestoreImage clears the tombstone and restores person face counts.
func (s *Store) RestoreImage(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE images SET deleted_at = NULL, deleted_by = NULL, delete_reason = NULL
			WHERE id = $1 AND deleted_at IS NOT NULL`, id)
		if err != nil {
			return fmt.Errorf("restore image: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("image %d not found or not deleted", id)
		}
		return bumpPersonCounts(ctx, tx, id, +1)
	})
}

// PurgeTrash hard-deletes tombstoned images older than the cutoff and
// returns their disk artifacts. Person counts were already adjusted at
// soft-delete time; child rows go via ON DELETE CASCADE.
func (s *Store) PurgeTrash(ctx context.Context, olderThan time.Duration) ([]database.PurgedImage, error) {
	cutoff := time.Now().Add(-olderThan)
	var purged []database.PurgedImage

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, relative_media_path, COALESCE(relative_meta_path, '')
			FROM images WHERE deleted_at IS NOT NULL AND deleted_at <= $1
			FOR UPDATE`, cutoff)
		if err != nil {
			return fmt.Errorf("select trash: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p database.PurgedImage
			if err := rows.Scan(&p.ID, &p.RelativeMediaPath, &p.RelativeMetaPath); err != nil {
				return fmt.Errorf("scan trash row: %w", err)
			}
			purged = append(purged, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(purged) == 0 {
			return nil
		}

		ids := make([]int64, len(purged))
		for i := range purged {
			ids[i] = purged[i].ID
		}

		faceRows, err := tx.QueryContext(ctx, `
			SELECT image_id, relative_face_path FROM detected_faces
			WHERE image_id = ANY($1) AND relative_face_path IS NOT NULL`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("select face paths: %w", err)
		}
		defer faceRows.Close()

		facePaths := make(map[int64][]string)
		for faceRows.Next() {
			var imageID int64
			var path string
			if err := faceRows.Scan(&imageID, &path); err != nil {
				return fmt.Errorf("scan face path: %w", err)
			}
			facePaths[imageID] = append(facePaths[imageID], path)
		}
		if err := faceRows.Err(); err != nil {
			return err
		}
		for i := range purged {
			purged[i].FacePaths = facePaths[purged[i].ID]
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete trash: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

// CountImages counts non-deleted images.
func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return n, nil
}

// NearDuplicates reports image pairs whose perceptual hashes differ by at
// most maxDistance bits. The hashes are loaded and compared in memory; the
// candidate set is every non-deleted image with a hash.
func (s *Store) NearDuplicates(ctx context.Context, maxDistance int) ([][2]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, phash FROM images WHERE deleted_at IS NULL AND phash <> 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type entry struct {
		id    int64
		phash uint64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var signed int64
		if err := rows.Scan(&e.id, &signed); err != nil {
			return nil, fmt.Errorf("scan phash: %w", err)
		}
		e.phash = uint64(signed)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pairs [][2]int64
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if bits.OnesCount64(entries[i].phash^entries[j].phash) <= maxDistance {
				pairs = append(pairs, [2]int64{entries[i].id, entries[j].id})
			}
		}
	}
	return pairs, nil
}

func prefixedImageColumns(alias string) string {
	return alias + `.id, ` + alias + `.source_filename, ` + alias + `.file_hash, ` +
		alias + `.file_size, ` + alias + `.mime_type, ` + alias + `.width, ` + alias + `.height, ` +
		alias + `.dominant_color, ` + alias + `.date_taken, ` + alias + `.date_inferred, ` +
		alias + `.date_imported, ` + alias + `.processing_status, ` + alias + `.relative_media_path, ` +
		alias + `.relative_meta_path, ` + alias + `.migration_status, ` + alias + `.phash, ` +
		alias + `.dhash, ` + alias + `.is_screenshot, ` + alias + `.screenshot_confidence, ` +
		alias + `.screenshot_reasons, ` + alias + `.is_astrophotography, ` + alias + `.astro_confidence, ` +
		alias + `.astro_classification, ` + alias + `.deleted_at, ` + alias + `.deleted_by, ` +
		alias + `.delete_reason`
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOrNil(v any) (any, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case [][]int:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
