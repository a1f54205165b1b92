// Package scanner walks source directories and feeds discovered files
// into the file index.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/database"
)

// defaultDirWorkers bounds how many directories are read concurrently.
// Spinning disks and NFS mounts do not reward more parallelism than this.
const defaultDirWorkers = 4

// allowedExtensions are the formats the pipeline can process.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Result summarizes one walk of the source tree.
type Result struct {
	Scanned  int // files matching the extension allowlist
	New      int // rows newly pending (first seen or changed on disk)
	Skipped  int // unsupported extensions
	Errors   int // unreadable directories or files
	Duration time.Duration
}

// Scanner discovers media files under a source root.
type Scanner struct {
	root    string
	index   database.FileIndexRepository
	workers int
}

// New builds a scanner over root. Zero workers means the default.
func New(root string, index database.FileIndexRepository, workers int) *Scanner {
	if workers <= 0 {
		workers = defaultDirWorkers
	}
	return &Scanner{root: root, index: index, workers: workers}
}

// Scan walks the source tree and registers every supported file with the
// file index. Directories are processed by a bounded worker group; files
// inside one directory are handled sequentially.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	start := time.Now()

	info, err := os.Stat(s.root)
	if err != nil {
		return nil, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", s.root)
	}

	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.workers)

	var walkDir func(dir string)
	walkDir = func(dir string) {
		defer wg.Done()

		sem <- struct{}{}
		entries, err := os.ReadDir(dir)
		<-sem
		if err != nil {
			logrus.WithError(err).WithField("dir", dir).Warn("skipping unreadable directory")
			mu.Lock()
			result.Errors++
			mu.Unlock()
			return
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(dir, name)

			if entry.IsDir() {
				wg.Add(1)
				go walkDir(path)
				continue
			}

			outcome := s.discoverFile(ctx, path, entry)
			mu.Lock()
			switch outcome {
			case outcomeNew:
				result.Scanned++
				result.New++
			case outcomeKnown:
				result.Scanned++
			case outcomeSkipped:
				result.Skipped++
			case outcomeError:
				result.Errors++
			}
			mu.Unlock()
		}
	}

	wg.Add(1)
	go walkDir(s.root)
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.Duration = time.Since(start)
	logrus.WithFields(logrus.Fields{
		"root":     s.root,
		"scanned":  result.Scanned,
		"new":      result.New,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
		"duration": result.Duration.String(),
	}).Info("source scan finished")
	return &result, nil
}

type discoverOutcome int

const (
	outcomeNew discoverOutcome = iota
	outcomeKnown
	outcomeSkipped
	outcomeError
)

func (s *Scanner) discoverFile(ctx context.Context, path string, entry fs.DirEntry) discoverOutcome {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return outcomeSkipped
	}

	info, err := entry.Info()
	if err != nil {
		logrus.WithError(err).WithField("file", path).Warn("cannot stat file")
		return outcomeError
	}

	changed, err := s.index.Discover(ctx, path, info.Size(), info.ModTime())
	if err != nil {
		logrus.WithError(err).WithField("file", path).Error("cannot register file")
		return outcomeError
	}
	if changed {
		return outcomeNew
	}
	return outcomeKnown
}
