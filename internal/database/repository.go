package database

import (
	"context"
	"time"
)

// ImageRecord bundles everything persisted for one ingested file. UpsertImage
// writes it in a single transaction.
type ImageRecord struct {
	Image    *Image
	Metadata *ImageMetadata
	Faces    []DetectedFace
	Objects  []DetectedObject
	Location *ImageLocation // nil when no GPS or no city matched
}

// PurgedImage lists the on-disk artifacts of a hard-deleted image so the
// caller can remove them after the transaction commits.
type PurgedImage struct {
	ID                int64
	RelativeMediaPath string
	RelativeMetaPath  string
	FacePaths         []string
}

// ImageRepository persists images and their child rows.
type ImageRepository interface {
	// UpsertImage writes the record atomically. On a hash conflict it
	// returns the existing image id with created=false and writes nothing.
	UpsertImage(ctx context.Context, rec *ImageRecord) (id int64, created bool, err error)
	GetImage(ctx context.Context, id int64) (*Image, error)
	GetImageByHash(ctx context.Context, hash string) (*Image, error)
	// SoftDeleteImage sets the tombstone and decrements the face counts of
	// persons referenced by this image's faces.
	SoftDeleteImage(ctx context.Context, id int64, by, reason string) error
	RestoreImage(ctx context.Context, id int64) error
	// PurgeTrash hard-deletes images soft-deleted longer than olderThan ago
	// and returns their disk artifacts for removal.
	PurgeTrash(ctx context.Context, olderThan time.Duration) ([]PurgedImage, error)
	CountImages(ctx context.Context) (int64, error)
	// NearDuplicates reports image pairs whose perceptual hashes are within
	// maxDistance bits of each other.
	NearDuplicates(ctx context.Context, maxDistance int) ([][2]int64, error)
}

// FaceRepository reads and mutates detected faces.
type FaceRepository interface {
	GetFace(ctx context.Context, id int64) (*DetectedFace, error)
	// ListUnassignedFaces returns faces with embeddings and no person, the
	// clustering input.
	ListUnassignedFaces(ctx context.Context) ([]DetectedFace, error)
	ListFacesByPerson(ctx context.Context, personID int64) ([]DetectedFace, error)
	// ListUntrainedFaces returns a person's faces not yet pushed to the
	// recognition service.
	ListUntrainedFaces(ctx context.Context, personID int64) ([]DetectedFace, error)
	MarkFaceTrained(ctx context.Context, faceID int64, externalImageID string) error
	// ReassignFace moves a face between persons, rebalancing both persons'
	// face counts in the same transaction.
	ReassignFace(ctx context.Context, faceID, toPersonID int64, confidence float64, method string) error
	UpsertSimilarities(ctx context.Context, sims []FaceSimilarity) error
}

// PersonRepository manages named identities.
type PersonRepository interface {
	CreatePerson(ctx context.Context, name string) (*Person, error)
	GetPerson(ctx context.Context, id int64) (*Person, error)
	GetPersonByName(ctx context.Context, name string) (*Person, error)
	ListPersons(ctx context.Context) ([]Person, error)
	SetRecognitionStatus(ctx context.Context, personID int64, status string) error
	SetExternalSubjectID(ctx context.Context, personID int64, subjectID string) error
	// PersonsNeedingTraining returns auto-training persons with at least
	// minFaces untrained faces whose last training finished more than
	// notTrainedFor ago (or who were never trained).
	PersonsNeedingTraining(ctx context.Context, minFaces int, notTrainedFor time.Duration) ([]Person, error)
	FinishTraining(ctx context.Context, personID int64, trainedCount int, avgConfidence float64) error
}

// FileIndexRepository is the durable file tracker.
type FileIndexRepository interface {
	// Discover upserts a path. A changed size or mtime on a completed or
	// failed row resets it to pending.
	Discover(ctx context.Context, path string, size int64, modifiedAt time.Time) (changed bool, err error)
	GetPending(ctx context.Context, limit int) ([]FileIndexEntry, error)
	// Claim atomically advances pending -> processing. Exactly one of any
	// number of concurrent callers wins.
	Claim(ctx context.Context, path string) (bool, error)
	Complete(ctx context.Context, path, hash string) error
	Fail(ctx context.Context, path, errMsg string) error
	// Release undoes a claim without recording an attempt; the row returns
	// to pending. Used when a worker is cancelled mid-file.
	Release(ctx context.Context, path string) error
	// Requeue reverts failed rows under the retry budget to pending.
	Requeue(ctx context.Context, maxRetries int) (int64, error)
	// ResetStale reverts processing rows older than the timeout to pending,
	// recovering from crashed workers.
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
	GetEntry(ctx context.Context, path string) (*FileIndexEntry, error)
	// ListFailed returns the most recently failed entries with their last
	// errors, newest first.
	ListFailed(ctx context.Context, limit int) ([]FileIndexEntry, error)
	Stats(ctx context.Context) (*FileIndexStats, error)
}

// GeoRepository holds the city reference data and image locations.
type GeoRepository interface {
	CitiesInLatBand(ctx context.Context, minLat, maxLat float64) ([]GeoCity, error)
	EnsureCity(ctx context.Context, city *GeoCity) (int64, error)
	CountCities(ctx context.Context) (int64, error)
	UpsertImageLocation(ctx context.Context, loc *ImageLocation) error
	GetImageLocation(ctx context.Context, imageID int64) (*ImageLocation, error)
}

// ClusterRepository persists face clustering output.
type ClusterRepository interface {
	// ReplaceClusters destructively rebuilds all cluster rows in one
	// transaction. members[i] belongs to clusters[i].
	ReplaceClusters(ctx context.Context, clusters []FaceCluster, members [][]ClusterMember) error
	ListClusters(ctx context.Context) ([]FaceCluster, error)
	ListClusterMembers(ctx context.Context, clusterID int64) ([]ClusterMember, error)
	// AssignClusterToPerson assigns every member face to the person and
	// records the suggestion on the cluster row.
	AssignClusterToPerson(ctx context.Context, clusterUUID string, personID int64) error
}

// TrainingRepository records recognition training runs.
type TrainingRepository interface {
	StartTrainingRun(ctx context.Context, personID int64, trainingType string, confidenceBefore *float64) (int64, error)
	CompleteTrainingRun(ctx context.Context, runID int64, facesTrained int, confidenceAfter float64) error
	// FailTrainingRun closes a run as failed, keeping the count of faces
	// that did upload before the failure.
	FailTrainingRun(ctx context.Context, runID int64, facesTrained int, errMsg string) error
	ListTrainingRuns(ctx context.Context, personID int64) ([]TrainingRun, error)
	TrainingStats(ctx context.Context) (*TrainingStats, error)
}

// AlbumRepository manages curated collections.
type AlbumRepository interface {
	CreateAlbum(ctx context.Context, name, description string) (*Album, error)
	ListAlbums(ctx context.Context) ([]Album, error)
	AddAlbumImage(ctx context.Context, albumID, imageID int64) error
	RemoveAlbumImage(ctx context.Context, albumID, imageID int64) error
	ListAlbumImages(ctx context.Context, albumID int64) ([]Image, error)
}

// GeoCity is a reference-table city with coordinates.
type GeoCity struct {
	ID        int64
	Name      string
	State     string
	Country   string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Store is the full persistence surface of the application.
type Store interface {
	ImageRepository
	FaceRepository
	PersonRepository
	FileIndexRepository
	GeoRepository
	ClusterRepository
	TrainingRepository
	AlbumRepository
	Close() error
}
