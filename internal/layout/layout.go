// Package layout computes the hash-addressed paths of the processed tree
// and performs atomic file placement into it.
//
//	media/<YYYY>/<MM>/<hash>.<ext>
//	meta/<YYYY>/<MM>/<hash>.json
//	faces/<hash[0:2]>/<hash>_face_<i>.<ext>
//	thumbs/<hash[0:2]>/<hash>_<size>.<ext>
package layout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/hasher"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Migration status of a placed media file.
const (
	StatusPending  = "pending"
	StatusCopied   = "copied"
	StatusVerified = "verified"
)

// Layout resolves relative paths under a single processed root.
type Layout struct {
	root string
}

func New(processedDir string) *Layout {
	return &Layout{root: processedDir}
}

// Root returns the processed tree root.
func (l *Layout) Root() string { return l.root }

// MediaPath is the canonical relative path of the original bytes.
func (l *Layout) MediaPath(hash string, date time.Time, ext string) string {
	return filepath.Join("media", date.Format("2006"), date.Format("01"), hash+NormalizeExt(ext))
}

// MetaPath is the relative path of the optional JSON sidecar.
func (l *Layout) MetaPath(hash string, date time.Time) string {
	return filepath.Join("meta", date.Format("2006"), date.Format("01"), hash+".json")
}

// FaceCropPath is the relative path of face crop i, sharded by hash prefix.
func (l *Layout) FaceCropPath(hash string, i int, ext string) string {
	return filepath.Join("faces", hash[:2], fmt.Sprintf("%s_face_%d%s", hash, i, NormalizeExt(ext)))
}

// ThumbPath is the relative path of the thumbnail at the given max edge.
func (l *Layout) ThumbPath(hash string, size int, ext string) string {
	return filepath.Join("thumbs", hash[:2], fmt.Sprintf("%s_%d%s", hash, size, NormalizeExt(ext)))
}

// Abs joins a relative path onto the processed root.
func (l *Layout) Abs(relPath string) string {
	return filepath.Join(l.root, relPath)
}

// NormalizeExt lowercases an extension and guarantees a leading dot.
// ".JPG" and "jpg" both become ".jpg".
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// PlaceResult reports what Place did.
type PlaceResult struct {
	RelPath string
	Copied  bool // false when the target already existed
}

// Place copies the source file to relPath inside the processed tree. The
// copy goes to a temp file in the target directory, is fsynced, then
// renamed over the final name, so readers never observe a partial file.
// Placing over an existing target is a no-op that still returns the
// canonical path; the source is never modified.
func (l *Layout) Place(sourcePath, relPath string) (*PlaceResult, error) {
	target := l.Abs(relPath)

	if _, err := os.Stat(target); err == nil {
		return &PlaceResult{RelPath: relPath, Copied: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat target: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	if err := atomicWrite(target, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"source": sourcePath, "target": relPath}).Debug("placed media file")
	return &PlaceResult{RelPath: relPath, Copied: true}, nil
}

// WriteFile atomically writes data to relPath, creating parent directories.
// Used for face crops, thumbnails and sidecars.
func (l *Layout) WriteFile(relPath string, data []byte) error {
	target := l.Abs(relPath)
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return atomicWrite(target, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Verify re-hashes the placed file and compares against the expected
// content hash. A match advances migration status to verified.
func (l *Layout) Verify(relPath, wantHash string) error {
	result, err := hasher.HashFile(l.Abs(relPath))
	if err != nil {
		return fmt.Errorf("rehash placed file: %w", err)
	}
	if result.Hex != wantHash {
		return fmt.Errorf("hash mismatch for %s: got %s, want %s", relPath, result.Hex, wantHash)
	}
	return nil
}

// Remove deletes placed files, ignoring already-missing ones. Used by the
// trash purge.
func (l *Layout) Remove(relPaths ...string) error {
	for _, rel := range relPaths {
		if rel == "" {
			continue
		}
		if err := os.Remove(l.Abs(rel)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	return nil
}

func atomicWrite(target string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
