// Package database defines the persisted domain model and the repository
// interfaces the rest of the pipeline depends on.
package database

import "time"

// File index processing states.
const (
	FileStatePending    = "pending"
	FileStateProcessing = "processing"
	FileStateCompleted  = "completed"
	FileStateFailed     = "failed"
)

// Person recognition statuses.
const (
	RecognitionUntrained = "untrained"
	RecognitionTraining  = "training"
	RecognitionTrained   = "trained"
	RecognitionFailed    = "failed"
)

// Face assignment methods.
const (
	MethodManual      = "manual"
	MethodClustering  = "clustering"
	MethodRecognition = "recognition"
)

// Training run types and statuses.
const (
	TrainingInitial     = "initial"
	TrainingIncremental = "incremental"
	TrainingRetrain     = "retrain"

	TrainingStatusPending    = "pending"
	TrainingStatusInProgress = "in_progress"
	TrainingStatusCompleted  = "completed"
	TrainingStatusFailed     = "failed"
)

// EmbeddingDim is the face embedding dimensionality of the recognition
// service's model.
const EmbeddingDim = 512

// Image is one ingested media file, keyed by content hash.
type Image struct {
	ID                   int64
	SourceFilename       string
	FileHash             string
	FileSize             int64
	MimeType             string
	Width                int
	Height               int
	DominantColor        string
	DateTaken            *time.Time
	DateInferred         bool
	DateImported         time.Time
	ProcessingStatus     string
	RelativeMediaPath    string
	RelativeMetaPath     *string
	MigrationStatus      string
	PHash                int64
	DHash                int64
	IsScreenshot         bool
	ScreenshotConfidence float64
	ScreenshotReasons    []string
	IsAstro              bool
	AstroConfidence      float64
	AstroClassification  *string
	DeletedAt            *time.Time
	DeletedBy            *string
	DeleteReason         *string
}

// ImageMetadata is the 1:1 EXIF companion row of an Image.
type ImageMetadata struct {
	ImageID          int64
	CameraMake       *string
	CameraModel      *string
	Software         *string
	Aperture         *float64
	ShutterSpeed     *string
	ISO              *int
	FocalLength      *float64
	FocalLength35mm  *int
	ExposureProgram  *string
	MeteringMode     *string
	ExposureBias     *float64
	WhiteBalance     *string
	Flash            *string
	Orientation      int
	ColorSpace       *string
	GPSLatitude      *float64
	GPSLongitude     *float64
	GPSAltitude      *float64
	GPSBearing       *float64
	GPSSpeed         *float64
	GPSDOP           *float64
	GPSLatRef        *string
	GPSLonRef        *string
	GPSDatum         *string
	GPSPositionError *float64
	SubSecTime       *string
	TimezoneOffset   *string
	Artist           *string
	Copyright        *string
	Description      *string
	Rating           *int
	LensMake         *string
	LensModel        *string
	RawTags          map[string]string
}

// DetectedFace is one face box found in an Image, optionally assigned to a
// Person. Box coordinates are in upright (orientation-applied) pixels.
type DetectedFace struct {
	ID                    int64
	ImageID               int64
	PersonID              *int64
	XMin                  int
	YMin                  int
	XMax                  int
	YMax                  int
	Probability           float64
	Landmarks             [][]int
	PosePitch             float64
	PoseRoll              float64
	PoseYaw               float64
	AgeLow                int
	AgeHigh               int
	Gender                string
	GenderProbability     float64
	Embedding             []float32
	RelativeFacePath      *string
	RecognitionConfidence *float64
	RecognitionMethod     *string
	NeedsReview           bool
	ExternalImageID       *string
	CreatedAt             time.Time
}

// DetectedObject is one labeled box from the object detector.
type DetectedObject struct {
	ID         int64
	ImageID    int64
	ClassLabel string
	Confidence float64
	X          int
	Y          int
	Width      int
	Height     int
}

// Person is a named identity faces can be assigned to.
type Person struct {
	ID                     int64
	Name                   string
	NormalizedName         string
	Notes                  *string
	ExternalSubjectID      *string
	RepresentativeFacePath *string
	AggregateEmbedding     []float32
	FaceCount              int
	AutoRecognize          bool
	RecognitionStatus      string
	TrainingFaceCount      int
	LastTrainedAt          *time.Time
	AvgConfidence          *float64
	AllowAutoTraining      bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FaceSimilarity is a scored unordered face pair; FaceA < FaceB.
type FaceSimilarity struct {
	FaceA  int64
	FaceB  int64
	Score  float64
	Method string
}

// FaceCluster is one group of similar unidentified faces.
type FaceCluster struct {
	ID                   int64
	ClusterUUID          string
	MinSimilarity        float64
	Algorithm            string
	MemberCount          int
	AvgSimilarity        float64
	RepresentativeFaceID *int64
	NeedsReview          bool
	SuggestedPersonID    *int64
	SuggestedConfidence  *float64
	CreatedAt            time.Time
}

// ClusterMember joins a face into a cluster with its fit score.
type ClusterMember struct {
	ClusterID        int64
	FaceID           int64
	FitScore         float64
	IsRepresentative bool
}

// TrainingRun records one push of a person's faces to the recognition
// service.
type TrainingRun struct {
	ID               int64
	PersonID         int64
	FacesTrained     int
	TrainingType     string
	Status           string
	ConfidenceBefore *float64
	ConfidenceAfter  *float64
	ErrorMessage     *string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// TrainingStats aggregates the training history across all persons.
type TrainingStats struct {
	Total       int64
	Completed   int64
	Failed      int64
	AvgDuration time.Duration // of completed runs
}

// FileIndexEntry tracks one discovered source file through processing.
type FileIndexEntry struct {
	ID              int64
	SourcePath      string
	FileSize        int64
	ModifiedAt      time.Time
	FileHash        *string
	DiscoveredAt    time.Time
	ProcessingState string
	LastProcessedAt *time.Time
	RetryCount      int
	LastError       *string
}

// FileIndexStats summarizes the file index by state.
type FileIndexStats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}

// Total returns the number of tracked files.
func (s FileIndexStats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// ImageLocation links an Image to its nearest city.
type ImageLocation struct {
	ImageID         int64
	CityID          int64
	DetectionMethod string
	Confidence      float64
	DistanceMiles   float64
}

// Album is a user-curated image collection.
type Album struct {
	ID           int64
	Name         string
	Description  *string
	CoverImageID *int64
	ImageCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
