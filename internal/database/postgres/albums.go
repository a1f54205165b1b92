package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/photokeep/photokeep/internal/database"
)

// CreateAlbum inserts an album.
func (s *Store) CreateAlbum(ctx context.Context, name, description string) (*database.Album, error) {
	var a database.Album
	var desc any
	if description != "" {
		desc = description
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO albums (name, description) VALUES ($1, $2)
		RETURNING id, name, description, cover_image_id, created_at, updated_at`,
		name, desc).Scan(&a.ID, &a.Name, &a.Description, &a.CoverImageID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create album: %w", err)
	}
	return &a, nil
}

// ListAlbums returns all albums with their image counts.
func (s *Store) ListAlbums(ctx context.Context) ([]database.Album, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.name, a.description, a.cover_image_id,
			(SELECT COUNT(*) FROM album_images WHERE album_id = a.id),
			a.created_at, a.updated_at
		FROM albums a ORDER BY a.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var albums []database.Album
	for rows.Next() {
		var a database.Album
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.CoverImageID,
			&a.ImageCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		albums = append(albums, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate albums: %w", err)
	}
	return albums, nil
}

// AddAlbumImage appends an image to an album; adding twice is a no-op. The
// first image becomes the album cover.
func (s *Store) AddAlbumImage(ctx context.Context, albumID, imageID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO album_images (album_id, image_id, position)
			SELECT $1, $2, COALESCE(MAX(position), 0) + 1
			FROM album_images WHERE album_id = $1
			ON CONFLICT (album_id, image_id) DO NOTHING`, albumID, imageID)
		if err != nil {
			return fmt.Errorf("add album image: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE albums SET cover_image_id = $2, updated_at = NOW()
			WHERE id = $1 AND cover_image_id IS NULL`, albumID, imageID); err != nil {
			return fmt.Errorf("set album cover: %w", err)
		}
		return nil
	})
}

// RemoveAlbumImage removes an image from an album.
func (s *Store) RemoveAlbumImage(ctx context.Context, albumID, imageID int64) error {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM album_images WHERE album_id = $1 AND image_id = $2`, albumID, imageID)
	if err != nil {
		return fmt.Errorf("remove album image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("image not in album")
	}
	return nil
}

// ListAlbumImages returns an album's non-deleted images in position order.
func (s *Store) ListAlbumImages(ctx context.Context, albumID int64) ([]database.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixedImageColumns("i")+`
		FROM images i
		JOIN album_images ai ON ai.image_id = i.id
		WHERE ai.album_id = $1 AND i.deleted_at IS NULL
		ORDER BY ai.position`, albumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []database.Image
	for rows.Next() {
		img, err := scanImageRow(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate album images: %w", err)
	}
	return images, nil
}
