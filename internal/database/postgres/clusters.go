package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/photokeep/photokeep/internal/database"
)

const clusterColumns = `id, cluster_uuid, min_similarity, algorithm, member_count,
	avg_similarity, representative_face_id, needs_review,
	suggested_person_id, suggested_confidence, created_at`

// ReplaceClusters destructively rebuilds the cluster tables in one
// transaction: a rerun over unchanged faces yields equivalent rows.
// members[i] belongs to clusters[i].
func (s *Store) ReplaceClusters(ctx context.Context, clusters []database.FaceCluster, members [][]database.ClusterMember) error {
	if len(clusters) != len(members) {
		return fmt.Errorf("clusters/members length mismatch: %d vs %d", len(clusters), len(members))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM face_clusters`); err != nil {
			return fmt.Errorf("clear clusters: %w", err)
		}

		for i := range clusters {
			c := &clusters[i]
			err := tx.QueryRowContext(ctx, `
				INSERT INTO face_clusters (
					cluster_uuid, min_similarity, algorithm, member_count,
					avg_similarity, representative_face_id, needs_review,
					suggested_person_id, suggested_confidence
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				RETURNING id`,
				c.ClusterUUID, c.MinSimilarity, c.Algorithm, c.MemberCount,
				c.AvgSimilarity, c.RepresentativeFaceID, c.NeedsReview,
				c.SuggestedPersonID, c.SuggestedConfidence).Scan(&c.ID)
			if err != nil {
				return fmt.Errorf("insert cluster: %w", err)
			}

			for start := 0; start < len(members[i]); start += s.batchSize {
				end := min(start+s.batchSize, len(members[i]))
				batch := members[i][start:end]

				query := `INSERT INTO face_cluster_memberships (cluster_id, face_id, fit_score, is_representative) VALUES `
				args := make([]any, 0, len(batch)*4)
				for j, m := range batch {
					if j > 0 {
						query += ","
					}
					base := j * 4
					query += fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4)
					args = append(args, c.ID, m.FaceID, m.FitScore, m.IsRepresentative)
				}
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("insert cluster members: %w", err)
				}
			}
		}
		return nil
	})
}

// ListClusters returns all clusters, largest first.
func (s *Store) ListClusters(ctx context.Context) ([]database.FaceCluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM face_clusters ORDER BY member_count DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []database.FaceCluster
	for rows.Next() {
		var c database.FaceCluster
		if err := rows.Scan(
			&c.ID, &c.ClusterUUID, &c.MinSimilarity, &c.Algorithm, &c.MemberCount,
			&c.AvgSimilarity, &c.RepresentativeFaceID, &c.NeedsReview,
			&c.SuggestedPersonID, &c.SuggestedConfidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

// ListClusterMembers returns a cluster's membership rows.
func (s *Store) ListClusterMembers(ctx context.Context, clusterID int64) ([]database.ClusterMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cluster_id, face_id, fit_score, is_representative
		FROM face_cluster_memberships WHERE cluster_id = $1 ORDER BY face_id`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []database.ClusterMember
	for rows.Next() {
		var m database.ClusterMember
		if err := rows.Scan(&m.ClusterID, &m.FaceID, &m.FitScore, &m.IsRepresentative); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return members, nil
}

// AssignClusterToPerson assigns every member face to the person with the
// clustering method tag, rebalances the person's face count, and records
// the accepted suggestion on the cluster row.
func (s *Store) AssignClusterToPerson(ctx context.Context, clusterUUID string, personID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var clusterID int64
		var avgSimilarity float64
		err := tx.QueryRowContext(ctx, `
			SELECT id, avg_similarity FROM face_clusters
			WHERE cluster_uuid = $1 FOR UPDATE`, clusterUUID).Scan(&clusterID, &avgSimilarity)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cluster %s not found", clusterUUID)
		}
		if err != nil {
			return fmt.Errorf("lock cluster: %w", err)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT TRUE FROM persons WHERE id = $1 FOR UPDATE`, personID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("person %d not found", personID)
			}
			return fmt.Errorf("lock person: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE detected_faces SET
				person_id = $1,
				recognition_method = $2,
				recognition_confidence = m.fit_score,
				needs_review = FALSE
			FROM face_cluster_memberships m
			WHERE m.cluster_id = $3 AND detected_faces.id = m.face_id`,
			personID, database.MethodClustering, clusterID)
		if err != nil {
			return fmt.Errorf("assign cluster faces: %w", err)
		}
		assigned, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET face_count = face_count + $2, updated_at = NOW()
			WHERE id = $1`, personID, assigned); err != nil {
			return fmt.Errorf("update person face count: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE face_clusters SET suggested_person_id = $2, suggested_confidence = $3
			WHERE id = $1`, clusterID, personID, avgSimilarity); err != nil {
			return fmt.Errorf("record cluster suggestion: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET recognition_status = $2, updated_at = NOW()
			WHERE id = $1 AND recognition_status = $3 AND allow_auto_training = TRUE`,
			personID, database.RecognitionTraining, database.RecognitionUntrained); err != nil {
			return fmt.Errorf("advance recognition status: %w", err)
		}
		return nil
	})
}
