package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/detect"
	"github.com/photokeep/photokeep/internal/layout"
)

type fakeStore struct {
	mu        sync.Mutex
	images    map[string]*database.Image
	records   []*database.ImageRecord
	persons   map[string]*database.Person
	completed map[string]string
	failures  map[string]string
	released  map[string]bool
	denyClaim bool
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		images:    make(map[string]*database.Image),
		persons:   make(map[string]*database.Person),
		completed: make(map[string]string),
		failures:  make(map[string]string),
		released:  make(map[string]bool),
	}
}

func (s *fakeStore) Claim(context.Context, string) (bool, error) {
	return !s.denyClaim, nil
}

func (s *fakeStore) Complete(_ context.Context, path, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[path] = hash
	return nil
}

func (s *fakeStore) Fail(_ context.Context, path, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = errMsg
	return nil
}

func (s *fakeStore) Release(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[path] = true
	return nil
}

func (s *fakeStore) GetImageByHash(_ context.Context, hash string) (*database.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[hash], nil
}

func (s *fakeStore) UpsertImage(_ context.Context, rec *database.ImageRecord) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.images[rec.Image.FileHash]; ok {
		return existing.ID, false, nil
	}
	s.nextID++
	rec.Image.ID = s.nextID
	s.images[rec.Image.FileHash] = rec.Image
	s.records = append(s.records, rec)
	return s.nextID, true, nil
}

func (s *fakeStore) GetPersonByName(_ context.Context, name string) (*database.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persons[name], nil
}

func (s *fakeStore) CitiesInLatBand(context.Context, float64, float64) ([]database.GeoCity, error) {
	return nil, nil
}

type fakeFaceService struct {
	detect       *compreface.DetectResponse
	detectErr    error
	recognize    *compreface.RecognizeResponse
	recognizeErr error
}

func (f *fakeFaceService) Detect(context.Context, []byte, string) (*compreface.DetectResponse, error) {
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	if f.detect == nil {
		return &compreface.DetectResponse{}, nil
	}
	return f.detect, nil
}

func (f *fakeFaceService) Recognize(context.Context, []byte, string) (*compreface.RecognizeResponse, error) {
	if f.recognizeErr != nil {
		return nil, f.recognizeErr
	}
	if f.recognize == nil {
		return &compreface.RecognizeResponse{}, nil
	}
	return f.recognize, nil
}

type fakeDetector struct {
	detections []detect.Detection
	err        error
}

func (f *fakeDetector) Detect(context.Context, image.Image) ([]detect.Detection, error) {
	return f.detections, f.err
}

func testConfig(processedDir string) *config.Config {
	cfg := &config.Config{}
	cfg.Storage.ProcessedDir = processedDir
	cfg.Processing.ScreenshotDetection.Threshold = 0.7
	cfg.Processing.FaceRecognition.Confidence.Review = 0.8
	cfg.Processing.FaceRecognition.Confidence.AutoAssign = 0.95
	cfg.Image.ThumbnailSize = 256
	return cfg
}

func writeTestJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func twoFaces() *compreface.DetectResponse {
	return &compreface.DetectResponse{Result: []compreface.FaceDetection{
		{
			Box:       compreface.BoundingBox{XMin: 10, YMin: 10, XMax: 60, YMax: 60, Probability: 0.99},
			Pose:      compreface.Pose{Pitch: 1, Roll: 2, Yaw: 3},
			Age:       compreface.AgeRange{Low: 25, High: 32, Probability: 0.8},
			Gender:    compreface.Gender{Value: "female", Probability: 0.9},
			Embedding: []float64{0.1, 0.2, 0.3},
		},
		{
			Box:       compreface.BoundingBox{XMin: 100, YMin: 20, XMax: 150, YMax: 70, Probability: 0.97},
			Embedding: []float64{0.4, 0.5, 0.6},
		},
	}}
}

func newTestPipeline(t *testing.T, store *fakeStore, faceSvc FaceService, detector ObjectDetector) (*Pipeline, *layout.Layout) {
	t.Helper()
	processed := t.TempDir()
	cfg := testConfig(processed)
	lay := layout.New(processed)
	return New(cfg, store, lay, faceSvc, detector), lay
}

func TestRun_CleanIngest(t *testing.T) {
	source := filepath.Join(t.TempDir(), "IMG_0001.JPG")
	writeTestJPEG(t, source, 200, 100)

	store := newFakeStore()
	detector := &fakeDetector{detections: []detect.Detection{
		{Label: "person", Confidence: 0.91, X: 20, Y: 5, Width: 80, Height: 90},
	}}
	p, lay := newTestPipeline(t, store, &fakeFaceService{detect: twoFaces()}, detector)

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)
	require.NotEmpty(t, result.Hash)

	require.Len(t, store.records, 1)
	rec := store.records[0]

	assert.Equal(t, "IMG_0001.JPG", rec.Image.SourceFilename)
	assert.Equal(t, "image/jpeg", rec.Image.MimeType)
	assert.Equal(t, 200, rec.Image.Width)
	assert.Equal(t, 100, rec.Image.Height)
	assert.Regexp(t, regexp.MustCompile(`^#[0-9a-f]{6}$`), rec.Image.DominantColor)
	assert.Regexp(t, `^media[/\\]\d{4}[/\\]\d{2}[/\\]`+result.Hash+`\.jpg$`, rec.Image.RelativeMediaPath)
	assert.True(t, rec.Image.DateInferred, "no EXIF date, must fall back to mtime")
	assert.False(t, rec.Image.IsScreenshot)
	assert.Equal(t, layout.StatusVerified, rec.Image.MigrationStatus)

	require.NotNil(t, rec.Metadata)

	require.Len(t, rec.Faces, 2)
	for _, face := range rec.Faces {
		require.NotNil(t, face.RelativeFacePath)
		_, err := os.Stat(lay.Abs(*face.RelativeFacePath))
		require.NoError(t, err, "face crop must exist on disk")
		assert.Len(t, face.Embedding, 3)
	}

	require.Len(t, rec.Objects, 1)
	assert.Equal(t, "person", rec.Objects[0].ClassLabel)

	// Media placed and file index finalized with the hash.
	_, err := os.Stat(lay.Abs(rec.Image.RelativeMediaPath))
	require.NoError(t, err)
	assert.Equal(t, result.Hash, store.completed[source])
	assert.Equal(t, []string{ReasonExifUnavailable}, result.Reasons,
		"synthetic JPEGs have no EXIF block; nothing else may degrade")
}

func TestRun_DuplicateContent(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.jpg")
	writeTestJPEG(t, first, 120, 80)

	store := newFakeStore()
	p, _ := newTestPipeline(t, store, &fakeFaceService{}, &fakeDetector{})

	r1 := p.Run(context.Background(), first)
	require.Equal(t, OutcomeProcessed, r1.Outcome, "err: %v", r1.Err)

	// Same bytes under a different name.
	second := filepath.Join(dir, "copy of a.jpg")
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(second, data, 0o644))

	r2 := p.Run(context.Background(), second)
	assert.Equal(t, OutcomeDuplicate, r2.Outcome)
	assert.Equal(t, r1.ImageID, r2.ImageID)
	assert.Equal(t, r1.Hash, r2.Hash)
	assert.Len(t, store.records, 1, "no second image row")
	assert.Equal(t, r1.Hash, store.completed[second], "new path still completes with the hash")
}

func TestRun_FaceServiceUnavailable(t *testing.T) {
	source := filepath.Join(t.TempDir(), "party.jpg")
	writeTestJPEG(t, source, 100, 100)

	store := newFakeStore()
	faceSvc := &fakeFaceService{detectErr: compreface.ErrUnavailable}
	p, _ := newTestPipeline(t, store, faceSvc, &fakeDetector{})

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)
	assert.Contains(t, result.Reasons, ReasonFaceServiceUnavailable)

	require.Len(t, store.records, 1)
	assert.Empty(t, store.records[0].Faces)
	assert.Equal(t, result.Hash, store.completed[source])
}

func TestRun_DetectorUnavailable(t *testing.T) {
	source := filepath.Join(t.TempDir(), "walk.jpg")
	writeTestJPEG(t, source, 100, 100)

	store := newFakeStore()
	p, _ := newTestPipeline(t, store, &fakeFaceService{}, &fakeDetector{err: detect.ErrUnavailable})

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)
	assert.Contains(t, result.Reasons, ReasonDetectorUnavailable)
	assert.Empty(t, store.records[0].Objects)
}

func TestRun_CorruptFileFails(t *testing.T) {
	source := filepath.Join(t.TempDir(), "corrupt.jpg")
	require.NoError(t, os.WriteFile(source, []byte("not a jpeg at all"), 0o644))

	store := newFakeStore()
	p, _ := newTestPipeline(t, store, &fakeFaceService{}, &fakeDetector{})

	result := p.Run(context.Background(), source)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Error(t, result.Err)
	assert.NotEmpty(t, store.failures[source])
	assert.Empty(t, store.records)
}

func TestRun_LostClaimSkips(t *testing.T) {
	store := newFakeStore()
	store.denyClaim = true
	p, _ := newTestPipeline(t, store, &fakeFaceService{}, &fakeDetector{})

	result := p.Run(context.Background(), "/photos/whatever.jpg")
	assert.Equal(t, OutcomeSkipped, result.Outcome)
}

func TestRun_RecognitionThresholds(t *testing.T) {
	source := filepath.Join(t.TempDir(), "friends.jpg")
	writeTestJPEG(t, source, 200, 100)

	store := newFakeStore()
	store.persons["alice"] = &database.Person{ID: 7, Name: "Alice", NormalizedName: "alice"}
	store.persons["bob"] = &database.Person{ID: 8, Name: "Bob", NormalizedName: "bob"}

	det := twoFaces()
	faceSvc := &fakeFaceService{
		detect: det,
		recognize: &compreface.RecognizeResponse{Result: []compreface.RecognitionResult{
			{
				Box:      det.Result[0].Box,
				Subjects: []compreface.SubjectMatch{{Subject: "alice", Similarity: 0.97}},
			},
			{
				Box:      det.Result[1].Box,
				Subjects: []compreface.SubjectMatch{{Subject: "bob", Similarity: 0.85}},
			},
		}},
	}

	processed := t.TempDir()
	cfg := testConfig(processed)
	cfg.CompreFace.RecognitionKey = "recognize-key"
	p := New(cfg, store, layout.New(processed), faceSvc, &fakeDetector{})

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)

	faces := store.records[0].Faces
	require.Len(t, faces, 2)

	// 0.97 >= autoAssign: assigned without review.
	require.NotNil(t, faces[0].PersonID)
	assert.Equal(t, int64(7), *faces[0].PersonID)
	assert.False(t, faces[0].NeedsReview)
	assert.Equal(t, database.MethodRecognition, *faces[0].RecognitionMethod)
	assert.InDelta(t, 0.97, *faces[0].RecognitionConfidence, 1e-9)

	// 0.85 in the review band: assigned but flagged.
	require.NotNil(t, faces[1].PersonID)
	assert.Equal(t, int64(8), *faces[1].PersonID)
	assert.True(t, faces[1].NeedsReview)
}

func TestRun_SidecarWritten(t *testing.T) {
	source := filepath.Join(t.TempDir(), "hike.jpg")
	writeTestJPEG(t, source, 150, 150)

	store := newFakeStore()
	processed := t.TempDir()
	cfg := testConfig(processed)
	cfg.Storage.WriteSidecar = true
	lay := layout.New(processed)
	detector := &fakeDetector{detections: []detect.Detection{
		{Label: "dog", Confidence: 0.88, X: 10, Y: 10, Width: 50, Height: 50},
	}}
	p := New(cfg, store, lay, &fakeFaceService{detect: twoFaces()}, detector)

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)

	rec := store.records[0]
	require.NotNil(t, rec.Image.RelativeMetaPath)

	data, err := os.ReadFile(lay.Abs(*rec.Image.RelativeMetaPath))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"dominantColor", "people", "objects", "screenshotDetection"} {
		assert.Contains(t, doc, key)
	}

	var people map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["people"], &people))
	assert.Len(t, people, 2)
}

func TestRun_ScreenshotIngest(t *testing.T) {
	// PNG-named screenshot without EXIF: filename + no-camera-tags +
	// missing-exposure push it over the threshold.
	source := filepath.Join(t.TempDir(), "Screenshot 2023-04-01 at 10.11.12 PM.jpg")
	writeTestJPEG(t, source, 828, 1792)

	store := newFakeStore()
	p, _ := newTestPipeline(t, store, &fakeFaceService{}, &fakeDetector{})

	result := p.Run(context.Background(), source)
	require.Equal(t, OutcomeProcessed, result.Outcome, "err: %v", result.Err)

	img := store.records[0].Image
	assert.True(t, img.IsScreenshot)
	assert.GreaterOrEqual(t, img.ScreenshotConfidence, 0.7)
	assert.Contains(t, img.ScreenshotReasons, "filename-pattern")
	assert.Contains(t, img.ScreenshotReasons, "no-camera-tags")
}
