package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/photokeep/photokeep/internal/database"
)

const fileIndexColumns = `id, source_path, file_size, modified_at, file_hash,
	discovered_at, processing_state, last_processed_at, retry_count, last_error`

// Discover upserts a discovered source path. A new path starts pending; an
// existing completed or failed row whose size or mtime changed is reset to
// pending so the file is reprocessed.
func (s *Store) Discover(ctx context.Context, path string, size int64, modifiedAt time.Time) (bool, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO file_index (source_path, file_size, modified_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_path) DO UPDATE SET
			file_size = EXCLUDED.file_size,
			modified_at = EXCLUDED.modified_at,
			processing_state = CASE
				WHEN file_index.processing_state IN ('completed', 'failed')
				 AND (file_index.file_size <> EXCLUDED.file_size
				   OR file_index.modified_at <> EXCLUDED.modified_at)
				THEN 'pending'
				ELSE file_index.processing_state
			END,
			file_hash = CASE
				WHEN file_index.file_size <> EXCLUDED.file_size
				  OR file_index.modified_at <> EXCLUDED.modified_at
				THEN NULL
				ELSE file_index.file_hash
			END
		RETURNING processing_state`, path, size, modifiedAt).Scan(&state)
	if err != nil {
		return false, fmt.Errorf("discover %s: %w", path, err)
	}
	return state == database.FileStatePending, nil
}

// GetPending returns the oldest pending entries up to limit.
func (s *Store) GetPending(ctx context.Context, limit int) ([]database.FileIndexEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+fileIndexColumns+` FROM file_index
		WHERE processing_state = $1
		ORDER BY discovered_at, id
		LIMIT $2`, database.FileStatePending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []database.FileIndexEntry
	for rows.Next() {
		e, err := scanFileIndex(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending files: %w", err)
	}
	return entries, nil
}

// Claim advances pending -> processing with a single compare-and-set
// UPDATE. Of any number of concurrent claimants for one path, exactly one
// observes an affected row.
func (s *Store) Claim(ctx context.Context, path string) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE file_index SET processing_state = $2
		WHERE source_path = $1 AND processing_state = $3`,
		path, database.FileStateProcessing, database.FileStatePending)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete advances processing -> completed and records the content hash.
func (s *Store) Complete(ctx context.Context, path, hash string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE file_index SET
			processing_state = $2,
			file_hash = $3,
			last_processed_at = NOW(),
			last_error = NULL
		WHERE source_path = $1`,
		path, database.FileStateCompleted, hash)
	if err != nil {
		return fmt.Errorf("complete %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file index entry not found: %s", path)
	}
	return nil
}

// Fail advances to failed, recording the error and bumping the retry count.
func (s *Store) Fail(ctx context.Context, path, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE file_index SET
			processing_state = $2,
			last_error = $3,
			last_processed_at = NOW(),
			retry_count = retry_count + 1
		WHERE source_path = $1`,
		path, database.FileStateFailed, errMsg)
	if err != nil {
		return fmt.Errorf("fail %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file index entry not found: %s", path)
	}
	return nil
}

// Release undoes a claim, returning a processing row to pending without
// counting an attempt.
func (s *Store) Release(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE file_index SET processing_state = $2
		WHERE source_path = $1 AND processing_state = $3`,
		path, database.FileStatePending, database.FileStateProcessing)
	if err != nil {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}

// Requeue reverts failed entries under the retry budget to pending.
func (s *Store) Requeue(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE file_index SET processing_state = $1
		WHERE processing_state = $2 AND retry_count < $3`,
		database.FileStatePending, database.FileStateFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue failed files: %w", err)
	}
	return res.RowsAffected()
}

// ResetStale reverts processing entries untouched for longer than olderThan
// back to pending. Recovers rows claimed by crashed workers.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.pool.Exec(ctx, `
		UPDATE file_index SET processing_state = $1
		WHERE processing_state = $2
		  AND COALESCE(last_processed_at, discovered_at) <= $3`,
		database.FileStatePending, database.FileStateProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale files: %w", err)
	}
	return res.RowsAffected()
}

// GetEntry returns one tracked path, nil when absent.
func (s *Store) GetEntry(ctx context.Context, path string) (*database.FileIndexEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileIndexColumns+` FROM file_index WHERE source_path = $1`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanFileIndex(rows)
}

// ListFailed returns the most recently failed entries, newest attempt
// first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]database.FileIndexEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+fileIndexColumns+` FROM file_index
		WHERE processing_state = $1
		ORDER BY last_processed_at DESC NULLS LAST, id DESC
		LIMIT $2`, database.FileStateFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []database.FileIndexEntry
	for rows.Next() {
		e, err := scanFileIndex(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed files: %w", err)
	}
	return entries, nil
}

// Stats counts entries per processing state.
func (s *Store) Stats(ctx context.Context) (*database.FileIndexStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processing_state, COUNT(*) FROM file_index GROUP BY processing_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats database.FileIndexStats
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan file index stats: %w", err)
		}
		switch state {
		case database.FileStatePending:
			stats.Pending = count
		case database.FileStateProcessing:
			stats.Processing = count
		case database.FileStateCompleted:
			stats.Completed = count
		case database.FileStateFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file index stats: %w", err)
	}
	return &stats, nil
}

func scanFileIndex(rows *sql.Rows) (*database.FileIndexEntry, error) {
	var e database.FileIndexEntry
	err := rows.Scan(
		&e.ID, &e.SourcePath, &e.FileSize, &e.ModifiedAt, &e.FileHash,
		&e.DiscoveredAt, &e.ProcessingState, &e.LastProcessedAt, &e.RetryCount, &e.LastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan file index entry: %w", err)
	}
	return &e, nil
}
