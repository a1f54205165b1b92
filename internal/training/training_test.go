package training

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/layout"
)

type fakeTrainStore struct {
	mu      sync.Mutex
	persons map[int64]*database.Person
	faces   map[int64][]database.DetectedFace

	trainedFaces  map[int64]string
	statuses      map[int64][]string
	subjectIDs    map[int64]string
	finished      map[int64]int
	runs          map[int64]string // runID -> completed|failed
	runFaces      map[int64]int    // runID -> faces_trained recorded at close
	nextRunID     int64
	runsPerPerson map[int64]string // personID -> training type
}

func newFakeTrainStore() *fakeTrainStore {
	return &fakeTrainStore{
		persons:       make(map[int64]*database.Person),
		faces:         make(map[int64][]database.DetectedFace),
		trainedFaces:  make(map[int64]string),
		statuses:      make(map[int64][]string),
		subjectIDs:    make(map[int64]string),
		finished:      make(map[int64]int),
		runs:          make(map[int64]string),
		runFaces:      make(map[int64]int),
		runsPerPerson: make(map[int64]string),
	}
}

func (s *fakeTrainStore) PersonsNeedingTraining(_ context.Context, minFaces int, notTrainedFor time.Duration) ([]database.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-notTrainedFor)
	var out []database.Person
	for id, p := range s.persons {
		if p.LastTrainedAt != nil && p.LastTrainedAt.After(cutoff) {
			continue
		}
		if len(s.faces[id]) >= minFaces {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeTrainStore) GetPerson(_ context.Context, id int64) (*database.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persons[id], nil
}

func (s *fakeTrainStore) ListUntrainedFaces(_ context.Context, personID int64) ([]database.DetectedFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faces[personID], nil
}

func (s *fakeTrainStore) MarkFaceTrained(_ context.Context, faceID int64, externalImageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainedFaces[faceID] = externalImageID
	return nil
}

func (s *fakeTrainStore) SetRecognitionStatus(_ context.Context, personID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[personID] = append(s.statuses[personID], status)
	return nil
}

func (s *fakeTrainStore) SetExternalSubjectID(_ context.Context, personID int64, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjectIDs[personID] = subjectID
	return nil
}

func (s *fakeTrainStore) FinishTraining(_ context.Context, personID int64, trainedCount int, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[personID] = trainedCount
	s.statuses[personID] = append(s.statuses[personID], database.RecognitionTrained)
	return nil
}

func (s *fakeTrainStore) StartTrainingRun(_ context.Context, personID int64, trainingType string, _ *float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	s.runs[s.nextRunID] = "in_progress"
	s.runsPerPerson[personID] = trainingType
	return s.nextRunID, nil
}

func (s *fakeTrainStore) CompleteTrainingRun(_ context.Context, runID int64, facesTrained int, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = database.TrainingStatusCompleted
	s.runFaces[runID] = facesTrained
	return nil
}

func (s *fakeTrainStore) FailTrainingRun(_ context.Context, runID int64, facesTrained int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = database.TrainingStatusFailed
	s.runFaces[runID] = facesTrained
	return nil
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many leading calls
	err      error
}

func (u *fakeUploader) AddSubjectFace(_ context.Context, subject string, _ []byte, filename string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.calls <= u.failures {
		if u.err != nil {
			return "", u.err
		}
		return "", errors.New("upload failed")
	}
	return fmt.Sprintf("ext-%s-%d", subject, u.calls), nil
}

func testCoordinator(t *testing.T, store Store, uploader SubjectUploader) (*Coordinator, *layout.Layout) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Training.MinFacesThreshold = 3
	cfg.Training.MaxRetries = 3
	cfg.Training.IntervalHours = 24
	cfg.Server.Workers = 2
	lay := layout.New(t.TempDir())
	return New(cfg, store, uploader, lay), lay
}

func seedPerson(t *testing.T, store *fakeTrainStore, lay *layout.Layout, personID int64, name string, faceCount int) {
	t.Helper()
	store.persons[personID] = &database.Person{
		ID:                personID,
		Name:              name,
		NormalizedName:    name,
		RecognitionStatus: database.RecognitionUntrained,
	}
	for i := range faceCount {
		rel := filepath.Join("faces", "ab", fmt.Sprintf("hash_face_%d_%d.jpg", personID, i))
		require.NoError(t, lay.WriteFile(rel, []byte("jpeg bytes")))
		store.faces[personID] = append(store.faces[personID], database.DetectedFace{
			ID:               personID*100 + int64(i),
			PersonID:         &personID,
			Probability:      0.9,
			RelativeFacePath: &rel,
		})
	}
}

func TestTrainPerson_UploadsAllFaces(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{}
	c, lay := testCoordinator(t, store, uploader)
	seedPerson(t, store, lay, 1, "alice", 3)

	result := c.TrainPerson(context.Background(), 1)
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Trained)
	assert.Equal(t, 0, result.Failed)

	assert.Len(t, store.trainedFaces, 3)
	assert.Equal(t, "alice", store.subjectIDs[1])
	assert.Equal(t, 3, store.finished[1])
	assert.Equal(t, database.TrainingInitial, store.runsPerPerson[1])
	assert.Equal(t, database.TrainingStatusCompleted, store.runs[1])
	assert.Equal(t,
		[]string{database.RecognitionTraining, database.RecognitionTrained},
		store.statuses[1])
}

func TestTrainPerson_RetriesFlakyUploads(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{failures: 2} // first two calls fail, then recover
	c, lay := testCoordinator(t, store, uploader)
	seedPerson(t, store, lay, 1, "alice", 1)

	result := c.TrainPerson(context.Background(), 1)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Trained)
	assert.Equal(t, 3, uploader.calls, "two failures plus the successful retry")
}

func TestTrainPerson_AllUploadsFail(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{failures: 1 << 30}
	c, lay := testCoordinator(t, store, uploader)
	seedPerson(t, store, lay, 1, "alice", 2)

	result := c.TrainPerson(context.Background(), 1)
	require.Error(t, result.Err)
	assert.Equal(t, 0, result.Trained)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, database.TrainingStatusFailed, store.runs[1])
	assert.Contains(t, store.statuses[1], database.RecognitionFailed)
}

func TestTrainPerson_PartialFailureFailsRun(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{failures: 1} // first face never uploads
	c, lay := testCoordinator(t, store, uploader)
	c.maxRetries = 0
	seedPerson(t, store, lay, 1, "alice", 2)

	result := c.TrainPerson(context.Background(), 1)
	require.Error(t, result.Err)
	assert.Equal(t, 1, result.Trained)
	assert.Equal(t, 1, result.Failed)

	// One exhausted face fails the whole run; the uploaded face is kept
	// and the person is not advanced to trained.
	assert.Equal(t, database.TrainingStatusFailed, store.runs[1])
	assert.Equal(t, 1, store.runFaces[1], "partial upload count recorded on the run")
	assert.Len(t, store.trainedFaces, 1)
	assert.NotContains(t, store.finished, int64(1))
	assert.Contains(t, store.statuses[1], database.RecognitionFailed)
	assert.NotContains(t, store.statuses[1], database.RecognitionTrained)
	assert.Equal(t, "alice", store.subjectIDs[1], "subject exists service-side after the first upload")
}

func TestTrainPerson_ReusesExternalSubject(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{}
	c, lay := testCoordinator(t, store, uploader)
	seedPerson(t, store, lay, 1, "alice", 1)

	existing := "subject-abc"
	now := time.Now()
	store.persons[1].ExternalSubjectID = &existing
	store.persons[1].LastTrainedAt = &now

	result := c.TrainPerson(context.Background(), 1)
	require.NoError(t, result.Err)

	// The known subject is reused and not rewritten.
	assert.Equal(t, "ext-subject-abc-1", store.trainedFaces[100])
	assert.NotContains(t, store.subjectIDs, int64(1))
	assert.Equal(t, database.TrainingIncremental, store.runsPerPerson[1])
}

func TestTrainPerson_MissingCrop(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{}
	c, _ := testCoordinator(t, store, uploader)

	personID := int64(1)
	store.persons[personID] = &database.Person{ID: personID, NormalizedName: "alice"}
	rel := "faces/ab/gone.jpg"
	store.faces[personID] = []database.DetectedFace{
		{ID: 100, PersonID: &personID, RelativeFacePath: &rel},
	}

	result := c.TrainPerson(context.Background(), personID)
	require.Error(t, result.Err)
	assert.Equal(t, 0, result.Trained)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, uploader.calls, "nothing to upload when the crop is gone")
}

func TestProcessQueue_TrainsEligiblePersonsOnly(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{}
	c, lay := testCoordinator(t, store, uploader)
	seedPerson(t, store, lay, 1, "alice", 3)
	seedPerson(t, store, lay, 2, "bob", 1) // below threshold

	results, err := c.ProcessQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].PersonID)
	assert.Equal(t, 3, results[0].Trained)
}

func TestProcessQueue_RetrainsStaleTrainedPersons(t *testing.T) {
	store := newFakeTrainStore()
	uploader := &fakeUploader{}
	c, lay := testCoordinator(t, store, uploader)

	// Alice was trained two days ago and has since accrued new reviewed
	// faces; Bob trained an hour ago and must wait out the interval.
	seedPerson(t, store, lay, 1, "alice", 3)
	stale := time.Now().Add(-48 * time.Hour)
	store.persons[1].LastTrainedAt = &stale
	store.persons[1].RecognitionStatus = database.RecognitionTrained

	seedPerson(t, store, lay, 2, "bob", 3)
	recent := time.Now().Add(-time.Hour)
	store.persons[2].LastTrainedAt = &recent
	store.persons[2].RecognitionStatus = database.RecognitionTrained

	results, err := c.ProcessQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].PersonID)
	assert.Equal(t, 3, results[0].Trained)
	assert.Equal(t, database.TrainingIncremental, store.runsPerPerson[1])
	assert.NotContains(t, store.runsPerPerson, int64(2))
}
