package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photokeep/photokeep/internal/database"
)

type fakeScanIndex struct {
	stats  database.FileIndexStats
	failed []database.FileIndexEntry
}

func (f *fakeScanIndex) Stats(context.Context) (*database.FileIndexStats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeScanIndex) ListFailed(_ context.Context, limit int) ([]database.FileIndexEntry, error) {
	if len(f.failed) > limit {
		return f.failed[:limit], nil
	}
	return f.failed, nil
}

func getStatus(t *testing.T, h *StatusHandler) statusResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestStatusReportsProgress(t *testing.T) {
	errMsg := "decode image: unexpected EOF"
	attempt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	index := &fakeScanIndex{
		stats: database.FileIndexStats{Pending: 3, Processing: 1, Completed: 5, Failed: 1},
		failed: []database.FileIndexEntry{
			{SourcePath: "/photos/broken.jpg", RetryCount: 3, LastError: &errMsg, LastProcessedAt: &attempt},
		},
	}

	tracker := NewProgressTracker()
	tracker.FileStarted("/photos/a.jpg")
	tracker.FileStarted("/photos/b.jpg")
	tracker.FileFinished("/photos/a.jpg")

	resp := getStatus(t, NewStatusHandler(index, tracker))

	assert.Equal(t, int64(10), resp.Total)
	assert.Equal(t, int64(6), resp.Processed)
	assert.InDelta(t, 60.0, resp.Percent, 0.01)
	assert.Equal(t, []string{"/photos/b.jpg"}, resp.CurrentFiles)
	assert.Greater(t, resp.FilesPerMinute, 0.0)
	require.NotNil(t, resp.ETASeconds)

	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "/photos/broken.jpg", resp.Failures[0].Path)
	assert.Equal(t, errMsg, resp.Failures[0].Error)
	assert.Equal(t, 3, resp.Failures[0].Retries)
}

func TestStatusNoRateBeforeFirstFile(t *testing.T) {
	index := &fakeScanIndex{
		stats: database.FileIndexStats{Pending: 4},
	}

	resp := getStatus(t, NewStatusHandler(index, NewProgressTracker()))

	assert.Equal(t, int64(4), resp.Total)
	assert.Zero(t, resp.Processed)
	assert.Zero(t, resp.FilesPerMinute)
	assert.Nil(t, resp.ETASeconds, "no ETA without an observed rate")
	assert.Empty(t, resp.Failures)
}

func TestStatusEmptyIndex(t *testing.T) {
	resp := getStatus(t, NewStatusHandler(&fakeScanIndex{}, NewProgressTracker()))

	assert.Zero(t, resp.Total)
	assert.Zero(t, resp.Percent)
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	HealthCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
