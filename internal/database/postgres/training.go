package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/photokeep/photokeep/internal/database"
)

// StartTrainingRun opens an in-progress history row and returns its id.
func (s *Store) StartTrainingRun(ctx context.Context, personID int64, trainingType string, confidenceBefore *float64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recognition_training_history (person_id, training_type, status, confidence_before)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		personID, trainingType, database.TrainingStatusInProgress, confidenceBefore).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start training run: %w", err)
	}
	return id, nil
}

// CompleteTrainingRun closes a run as completed.
func (s *Store) CompleteTrainingRun(ctx context.Context, runID int64, facesTrained int, confidenceAfter float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recognition_training_history SET
			status = $2, faces_trained = $3, confidence_after = $4, completed_at = NOW()
		WHERE id = $1`,
		runID, database.TrainingStatusCompleted, facesTrained, confidenceAfter)
	if err != nil {
		return fmt.Errorf("complete training run: %w", err)
	}
	return nil
}

// FailTrainingRun closes a run as failed with the error message, recording
// how many faces were uploaded before the run gave up.
func (s *Store) FailTrainingRun(ctx context.Context, runID int64, facesTrained int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recognition_training_history SET
			status = $2, faces_trained = $3, error_message = $4, completed_at = NOW()
		WHERE id = $1`,
		runID, database.TrainingStatusFailed, facesTrained, errMsg)
	if err != nil {
		return fmt.Errorf("fail training run: %w", err)
	}
	return nil
}

// TrainingStats aggregates the training history.
func (s *Store) TrainingStats(ctx context.Context) (*database.TrainingStats, error) {
	var stats database.TrainingStats
	var avgSeconds *float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			AVG(EXTRACT(EPOCH FROM completed_at - started_at)) FILTER (WHERE status = $1)
		FROM recognition_training_history`,
		database.TrainingStatusCompleted, database.TrainingStatusFailed,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &avgSeconds)
	if err != nil {
		return nil, fmt.Errorf("training stats: %w", err)
	}
	if avgSeconds != nil {
		stats.AvgDuration = time.Duration(*avgSeconds * float64(time.Second))
	}
	return &stats, nil
}

// ListTrainingRuns returns a person's training history, newest first.
func (s *Store) ListTrainingRuns(ctx context.Context, personID int64) ([]database.TrainingRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, person_id, faces_trained, training_type, status,
			confidence_before, confidence_after, error_message, started_at, completed_at
		FROM recognition_training_history
		WHERE person_id = $1
		ORDER BY started_at DESC`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []database.TrainingRun
	for rows.Next() {
		var r database.TrainingRun
		if err := rows.Scan(
			&r.ID, &r.PersonID, &r.FacesTrained, &r.TrainingType, &r.Status,
			&r.ConfidenceBefore, &r.ConfidenceAfter, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan training run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training runs: %w", err)
	}
	return runs, nil
}
