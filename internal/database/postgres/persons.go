package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/faces"
)

const personColumns = `id, name, normalized_name, notes, external_subject_id,
	representative_face_path, aggregate_embedding, face_count, auto_recognize,
	recognition_status, training_face_count, last_trained_at,
	avg_recognition_confidence, allow_auto_training, created_at, updated_at`

// CreatePerson inserts a person in the untrained state. The normalized name
// makes diacritic-insensitive lookups possible.
func (s *Store) CreatePerson(ctx context.Context, name string) (*database.Person, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO persons (name, normalized_name, recognition_status)
		VALUES ($1, $2, $3)
		RETURNING id`,
		name, faces.NormalizePersonName(name), database.RecognitionUntrained).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	return s.GetPerson(ctx, id)
}

// GetPerson returns a person by id, nil when absent.
func (s *Store) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	return scanPerson(s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = $1`, id))
}

// GetPersonByName matches on the diacritic-insensitive normalized form.
func (s *Store) GetPersonByName(ctx context.Context, name string) (*database.Person, error) {
	return scanPerson(s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE normalized_name = $1`,
		faces.NormalizePersonName(name)))
}

// ListPersons returns all persons ordered by name.
func (s *Store) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+personColumns+` FROM persons ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		p, err := scanPersonRow(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// SetRecognitionStatus updates a person's training state.
func (s *Store) SetRecognitionStatus(ctx context.Context, personID int64, status string) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE persons SET recognition_status = $2, updated_at = NOW() WHERE id = $1`,
		personID, status)
	if err != nil {
		return fmt.Errorf("set recognition status: %w", err)
	}
	return requireRow(res, personID)
}

// SetExternalSubjectID records the recognition service's subject id.
func (s *Store) SetExternalSubjectID(ctx context.Context, personID int64, subjectID string) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE persons SET external_subject_id = $2, updated_at = NOW() WHERE id = $1`,
		personID, subjectID)
	if err != nil {
		return fmt.Errorf("set external subject id: %w", err)
	}
	return requireRow(res, personID)
}

// PersonsNeedingTraining returns auto-training persons with at least
// minFaces reviewed faces not yet pushed to the service. Trained persons
// re-qualify once their last training is older than notTrainedFor, so new
// reviewed faces flow into incremental retraining.
func (s *Store) PersonsNeedingTraining(ctx context.Context, minFaces int, notTrainedFor time.Duration) ([]database.Person, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+personColumns+` FROM persons p
		WHERE p.allow_auto_training = TRUE
		  AND (p.last_trained_at IS NULL OR p.last_trained_at < NOW() - $1 * INTERVAL '1 second')
		  AND (
			SELECT COUNT(*) FROM detected_faces f
			WHERE f.person_id = p.id AND f.needs_review = FALSE AND f.external_image_id IS NULL
		  ) >= $2
		ORDER BY p.id`, notTrainedFor.Seconds(), minFaces)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		p, err := scanPersonRow(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// FinishTraining marks a person trained and records the run outcome.
func (s *Store) FinishTraining(ctx context.Context, personID int64, trainedCount int, avgConfidence float64) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE persons SET
			recognition_status = $2,
			training_face_count = training_face_count + $3,
			avg_recognition_confidence = $4,
			last_trained_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`,
		personID, database.RecognitionTrained, trainedCount, avgConfidence)
	if err != nil {
		return fmt.Errorf("finish training: %w", err)
	}
	return requireRow(res, personID)
}

func requireRow(res sql.Result, personID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("person %d not found", personID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row *sql.Row) (*database.Person, error) {
	p, err := scanPersonFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPersonRow(rows *sql.Rows) (*database.Person, error) {
	return scanPersonFrom(rows)
}

func scanPersonFrom(row rowScanner) (*database.Person, error) {
	var p database.Person
	var embedding *pgvector.Vector

	err := row.Scan(
		&p.ID, &p.Name, &p.NormalizedName, &p.Notes, &p.ExternalSubjectID,
		&p.RepresentativeFacePath, &embedding, &p.FaceCount, &p.AutoRecognize,
		&p.RecognitionStatus, &p.TrainingFaceCount, &p.LastTrainedAt,
		&p.AvgConfidence, &p.AllowAutoTraining, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan person: %w", err)
	}
	if embedding != nil {
		p.AggregateEmbedding = embedding.Slice()
	}
	return &p, nil
}
