// Package training pushes reviewed face crops to the recognition service
// so it learns to identify the persons in future images.
package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/layout"
)

// retryBaseDelay is the first backoff step for a failed face upload.
const retryBaseDelay = 250 * time.Millisecond

// Store is the persistence surface training needs.
type Store interface {
	PersonsNeedingTraining(ctx context.Context, minFaces int, notTrainedFor time.Duration) ([]database.Person, error)
	GetPerson(ctx context.Context, id int64) (*database.Person, error)
	ListUntrainedFaces(ctx context.Context, personID int64) ([]database.DetectedFace, error)
	MarkFaceTrained(ctx context.Context, faceID int64, externalImageID string) error
	SetRecognitionStatus(ctx context.Context, personID int64, status string) error
	SetExternalSubjectID(ctx context.Context, personID int64, subjectID string) error
	FinishTraining(ctx context.Context, personID int64, trainedCount int, avgConfidence float64) error
	StartTrainingRun(ctx context.Context, personID int64, trainingType string, confidenceBefore *float64) (int64, error)
	CompleteTrainingRun(ctx context.Context, runID int64, facesTrained int, confidenceAfter float64) error
	FailTrainingRun(ctx context.Context, runID int64, facesTrained int, errMsg string) error
}

// SubjectUploader is the face-service surface training needs.
type SubjectUploader interface {
	AddSubjectFace(ctx context.Context, subject string, imageBytes []byte, filename string) (string, error)
}

// PersonResult summarizes one person's training pass.
type PersonResult struct {
	PersonID int64
	Trained  int
	Failed   int
	Err      error
}

// Coordinator uploads untrained faces person by person.
type Coordinator struct {
	store    Store
	uploader SubjectUploader
	layout   *layout.Layout

	minFaces      int
	maxRetries    int
	maxConcurrent int
	interval      time.Duration
}

// New wires a coordinator from configuration. Concurrency across persons is
// bounded by the worker count.
func New(cfg *config.Config, store Store, uploader SubjectUploader, lay *layout.Layout) *Coordinator {
	return &Coordinator{
		store:         store,
		uploader:      uploader,
		layout:        lay,
		minFaces:      cfg.Training.MinFacesThreshold,
		maxRetries:    cfg.Training.MaxRetries,
		maxConcurrent: cfg.Server.Workers,
		interval:      cfg.TrainingInterval(),
	}
}

// AutoTrain runs ProcessQueue on the configured interval until the context
// ends.
func (c *Coordinator) AutoTrain(ctx context.Context) {
	logrus.WithField("interval", c.interval.String()).Info("training loop started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.ProcessQueue(ctx); err != nil {
			logrus.WithError(err).Error("training pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessQueue trains every person currently over the face threshold whose
// last training is older than the configured interval.
func (c *Coordinator) ProcessQueue(ctx context.Context) ([]PersonResult, error) {
	persons, err := c.store.PersonsNeedingTraining(ctx, c.minFaces, c.interval)
	if err != nil {
		return nil, fmt.Errorf("list persons needing training: %w", err)
	}
	if len(persons) == 0 {
		return nil, nil
	}

	workers := c.maxConcurrent
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	results := make([]PersonResult, len(persons))

	var wg sync.WaitGroup
	for i, person := range persons {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.TrainPerson(ctx, person.ID)
		}()
	}
	wg.Wait()
	return results, nil
}

// TrainPerson uploads one person's untrained faces, with per-face retries,
// and finalizes the training history row.
func (c *Coordinator) TrainPerson(ctx context.Context, personID int64) PersonResult {
	result := PersonResult{PersonID: personID}
	log := logrus.WithField("person", personID)

	person, err := c.store.GetPerson(ctx, personID)
	if err != nil {
		result.Err = fmt.Errorf("load person: %w", err)
		return result
	}
	if person == nil {
		result.Err = fmt.Errorf("person %d not found", personID)
		return result
	}

	faces, err := c.store.ListUntrainedFaces(ctx, personID)
	if err != nil {
		result.Err = fmt.Errorf("list untrained faces: %w", err)
		return result
	}
	if len(faces) == 0 {
		return result
	}

	trainingType := database.TrainingIncremental
	if person.LastTrainedAt == nil {
		trainingType = database.TrainingInitial
	}
	runID, err := c.store.StartTrainingRun(ctx, personID, trainingType, person.AvgConfidence)
	if err != nil {
		result.Err = fmt.Errorf("start training run: %w", err)
		return result
	}

	if err := c.store.SetRecognitionStatus(ctx, personID, database.RecognitionTraining); err != nil {
		log.WithError(err).Warn("cannot advance recognition status")
	}

	subject := subjectFor(person)
	var confidenceSum float64
	for _, face := range faces {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}
		externalID, err := c.uploadFace(ctx, subject, &face)
		if err != nil {
			log.WithError(err).WithField("face", face.ID).Warn("face upload failed")
			result.Failed++
			continue
		}
		if err := c.store.MarkFaceTrained(ctx, face.ID, externalID); err != nil {
			log.WithError(err).WithField("face", face.ID).Error("cannot mark face trained")
			result.Failed++
			continue
		}
		result.Trained++
		confidenceSum += face.Probability
	}

	// Faces that survived their retries are recorded either way, but the
	// run only completes when every face made it. Any exhausted retry fails
	// the run; the spilled faces stay untrained and re-queue next pass.
	if result.Trained == 0 || result.Failed > 0 {
		msg := "no faces uploaded"
		switch {
		case result.Err != nil:
			msg = result.Err.Error()
		case result.Trained > 0:
			msg = fmt.Sprintf("%d of %d face uploads failed", result.Failed, len(faces))
		}
		if result.Trained > 0 && person.ExternalSubjectID == nil {
			if err := c.store.SetExternalSubjectID(ctx, personID, subject); err != nil {
				log.WithError(err).Warn("cannot record external subject id")
			}
		}
		if err := c.store.FailTrainingRun(ctx, runID, result.Trained, msg); err != nil {
			log.WithError(err).Error("cannot record failed training run")
		}
		if err := c.store.SetRecognitionStatus(ctx, personID, database.RecognitionFailed); err != nil {
			log.WithError(err).Warn("cannot record failed recognition status")
		}
		if result.Err == nil {
			result.Err = errors.New(msg)
		}
		return result
	}

	avgConfidence := confidenceSum / float64(result.Trained)
	if person.ExternalSubjectID == nil {
		if err := c.store.SetExternalSubjectID(ctx, personID, subject); err != nil {
			log.WithError(err).Warn("cannot record external subject id")
		}
	}
	if err := c.store.FinishTraining(ctx, personID, result.Trained, avgConfidence); err != nil {
		log.WithError(err).Error("cannot finalize person training state")
	}
	if err := c.store.CompleteTrainingRun(ctx, runID, result.Trained, avgConfidence); err != nil {
		log.WithError(err).Error("cannot finalize training run")
	}

	log.WithFields(logrus.Fields{
		"trained": result.Trained,
		"failed":  result.Failed,
		"type":    trainingType,
	}).Info("person trained")
	return result
}

// uploadFace reads the crop from disk and pushes it with exponential
// backoff between attempts.
func (c *Coordinator) uploadFace(ctx context.Context, subject string, face *database.DetectedFace) (string, error) {
	if face.RelativeFacePath == nil {
		return "", fmt.Errorf("face %d has no crop on disk", face.ID)
	}
	data, err := os.ReadFile(c.layout.Abs(*face.RelativeFacePath))
	if err != nil {
		return "", fmt.Errorf("read face crop: %w", err)
	}
	filename := filepath.Base(*face.RelativeFacePath)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		externalID, err := c.uploader.AddSubjectFace(ctx, subject, data, filename)
		if err == nil {
			return externalID, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// subjectFor derives the service-side subject identifier. Existing subjects
// are reused; new persons get their normalized name.
func subjectFor(person *database.Person) string {
	if person.ExternalSubjectID != nil && *person.ExternalSubjectID != "" {
		return *person.ExternalSubjectID
	}
	return person.NormalizedName
}
