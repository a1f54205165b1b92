package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/photokeep/photokeep/internal/database"
)

const faceColumns = `id, image_id, person_id, x_min, y_min, x_max, y_max, probability,
	landmarks, pose_pitch, pose_roll, pose_yaw, age_low, age_high,
	gender, gender_probability, embedding, relative_face_path,
	recognition_confidence, recognition_method, needs_review, external_image_id, created_at`

// GetFace returns one face by id, nil when absent.
func (s *Store) GetFace(ctx context.Context, id int64) (*database.DetectedFace, error) {
	faces, err := s.queryFaces(ctx, `SELECT `+faceColumns+` FROM detected_faces WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}
	return &faces[0], nil
}

// ListUnassignedFaces returns faces with an embedding and no person, from
// non-deleted images. This is the clustering input.
func (s *Store) ListUnassignedFaces(ctx context.Context) ([]database.DetectedFace, error) {
	return s.queryFaces(ctx, `
		SELECT `+prefixedFaceColumns("f")+`
		FROM detected_faces f
		JOIN images i ON i.id = f.image_id
		WHERE f.person_id IS NULL AND f.embedding IS NOT NULL AND i.deleted_at IS NULL
		ORDER BY f.id`)
}

// ListFacesByPerson returns all faces assigned to a person.
func (s *Store) ListFacesByPerson(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return s.queryFaces(ctx,
		`SELECT `+faceColumns+` FROM detected_faces WHERE person_id = $1 ORDER BY id`, personID)
}

// ListUntrainedFaces returns a person's reviewed faces not yet pushed to
// the recognition service.
func (s *Store) ListUntrainedFaces(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return s.queryFaces(ctx, `
		SELECT `+faceColumns+` FROM detected_faces
		WHERE person_id = $1 AND needs_review = FALSE AND external_image_id IS NULL
		ORDER BY id`, personID)
}

// MarkFaceTrained records the recognition service's image id for a face.
func (s *Store) MarkFaceTrained(ctx context.Context, faceID int64, externalImageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detected_faces SET external_image_id = $2 WHERE id = $1`, faceID, externalImageID)
	if err != nil {
		return fmt.Errorf("mark face trained: %w", err)
	}
	return nil
}

// ReassignFace moves a face to a person, rebalancing face counts of both
// the old and new person under row locks. A person moving from untrained
// with auto-training enabled advances to training.
func (s *Store) ReassignFace(ctx context.Context, faceID, toPersonID int64, confidence float64, method string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var oldPerson sql.NullInt64
		var wasReviewed bool
		err := tx.QueryRowContext(ctx, `
			SELECT person_id, NOT needs_review FROM detected_faces
			WHERE id = $1 FOR UPDATE`, faceID).Scan(&oldPerson, &wasReviewed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("face %d not found", faceID)
		}
		if err != nil {
			return fmt.Errorf("lock face: %w", err)
		}

		// Lock touched persons in id order to avoid deadlocks.
		lockIDs := []int64{toPersonID}
		if oldPerson.Valid && oldPerson.Int64 != toPersonID {
			if oldPerson.Int64 < toPersonID {
				lockIDs = []int64{oldPerson.Int64, toPersonID}
			} else {
				lockIDs = append(lockIDs, oldPerson.Int64)
			}
		}
		for _, pid := range lockIDs {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT TRUE FROM persons WHERE id = $1 FOR UPDATE`, pid).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("person %d not found", pid)
				}
				return fmt.Errorf("lock person: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE detected_faces
			SET person_id = $2, recognition_confidence = $3, recognition_method = $4, needs_review = FALSE
			WHERE id = $1`, faceID, toPersonID, confidence, method); err != nil {
			return fmt.Errorf("reassign face: %w", err)
		}

		if oldPerson.Valid && wasReviewed && oldPerson.Int64 != toPersonID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE persons SET face_count = face_count - 1, updated_at = NOW()
				WHERE id = $1`, oldPerson.Int64); err != nil {
				return fmt.Errorf("decrement old person: %w", err)
			}
		}
		if !oldPerson.Valid || !wasReviewed || oldPerson.Int64 != toPersonID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE persons SET face_count = face_count + 1, updated_at = NOW()
				WHERE id = $1`, toPersonID); err != nil {
				return fmt.Errorf("increment new person: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET recognition_status = $2, updated_at = NOW()
			WHERE id = $1 AND recognition_status = $3 AND allow_auto_training = TRUE`,
			toPersonID, database.RecognitionTraining, database.RecognitionUntrained); err != nil {
			return fmt.Errorf("advance recognition status: %w", err)
		}
		return nil
	})
}

// UpsertSimilarities writes scored face pairs, normalizing pair order so
// (a,b) and (b,a) hit the same row.
func (s *Store) UpsertSimilarities(ctx context.Context, sims []database.FaceSimilarity) error {
	if len(sims) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(sims); start += s.batchSize {
			end := min(start+s.batchSize, len(sims))
			batch := sims[start:end]

			query := `INSERT INTO face_similarities (face_a, face_b, score, method) VALUES `
			args := make([]any, 0, len(batch)*4)
			for i, sim := range batch {
				a, b := sim.FaceA, sim.FaceB
				if a > b {
					a, b = b, a
				}
				if i > 0 {
					query += ","
				}
				base := i * 4
				query += fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4)
				args = append(args, a, b, sim.Score, sim.Method)
			}
			query += ` ON CONFLICT (face_a, face_b) DO UPDATE SET
				score = EXCLUDED.score, method = EXCLUDED.method`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert similarities: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) queryFaces(ctx context.Context, query string, args ...any) ([]database.DetectedFace, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var faces []database.DetectedFace
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, *face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

func scanFace(rows *sql.Rows) (*database.DetectedFace, error) {
	var f database.DetectedFace
	var landmarks []byte
	var embedding *pgvector.Vector

	err := rows.Scan(
		&f.ID, &f.ImageID, &f.PersonID, &f.XMin, &f.YMin, &f.XMax, &f.YMax, &f.Probability,
		&landmarks, &f.PosePitch, &f.PoseRoll, &f.PoseYaw, &f.AgeLow, &f.AgeHigh,
		&f.Gender, &f.GenderProbability, &embedding, &f.RelativeFacePath,
		&f.RecognitionConfidence, &f.RecognitionMethod, &f.NeedsReview, &f.ExternalImageID, &f.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan face: %w", err)
	}
	if len(landmarks) > 0 {
		if err := json.Unmarshal(landmarks, &f.Landmarks); err != nil {
			return nil, fmt.Errorf("unmarshal landmarks: %w", err)
		}
	}
	if embedding != nil {
		f.Embedding = embedding.Slice()
	}
	return &f, nil
}

func prefixedFaceColumns(alias string) string {
	return alias + `.id, ` + alias + `.image_id, ` + alias + `.person_id, ` +
		alias + `.x_min, ` + alias + `.y_min, ` + alias + `.x_max, ` + alias + `.y_max, ` +
		alias + `.probability, ` + alias + `.landmarks, ` + alias + `.pose_pitch, ` +
		alias + `.pose_roll, ` + alias + `.pose_yaw, ` + alias + `.age_low, ` + alias + `.age_high, ` +
		alias + `.gender, ` + alias + `.gender_probability, ` + alias + `.embedding, ` +
		alias + `.relative_face_path, ` + alias + `.recognition_confidence, ` +
		alias + `.recognition_method, ` + alias + `.needs_review, ` + alias + `.external_image_id, ` +
		alias + `.created_at`
}
