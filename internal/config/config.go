package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the ingestion pipeline. Values come from an
// optional YAML file, overridden by environment variables for secrets and
// deployment-specific paths.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Processing ProcessingConfig `yaml:"processing"`
	Image      ImageConfig      `yaml:"image"`
	Database   DatabaseConfig   `yaml:"database"`
	CompreFace CompreFaceConfig `yaml:"compreface"`
	Detector   DetectorConfig   `yaml:"detector"`
	AutoScan   AutoScanConfig   `yaml:"autoScan"`
	Training   TrainingConfig   `yaml:"training"`
	Clustering ClusteringConfig `yaml:"clustering"`
	LogLevel   string           `yaml:"logLevel"`
}

type StorageConfig struct {
	SourceDir    string `yaml:"sourceDir"`    // root of the source scan
	ProcessedDir string `yaml:"processedDir"` // root of the media/meta/faces/thumbs layout
	WriteSidecar bool   `yaml:"writeSidecar"` // write JSON sidecars under meta/
}

type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ScanBatchSize int    `yaml:"scanBatchSize"` // files submitted per auto-scan tick
	Workers       int    `yaml:"workers"`       // worker pool size, defaults to NumCPU
}

type ProcessingConfig struct {
	ObjectDetection     ObjectDetectionConfig     `yaml:"objectDetection"`
	FaceRecognition     FaceRecognitionConfig     `yaml:"faceRecognition"`
	ScreenshotDetection ScreenshotDetectionConfig `yaml:"screenshotDetection"`
	FileTimeoutMinutes  int                       `yaml:"fileTimeoutMinutes"` // soft per-file limit
	MaxRetries          int                       `yaml:"maxRetries"`         // file_index retry budget
}

type ObjectDetectionConfig struct {
	Confidence ConfidenceConfig `yaml:"confidence"`
	MaxThreads int              `yaml:"maxThreads"` // inference semaphore size, 0 = min(workers, NumCPU)
}

type ConfidenceConfig struct {
	Detection float64 `yaml:"detection"`
}

type FaceRecognitionConfig struct {
	Confidence FaceConfidenceConfig `yaml:"confidence"`
}

type FaceConfidenceConfig struct {
	Review     float64 `yaml:"review"`     // below this a recognized face needs review
	AutoAssign float64 `yaml:"autoAssign"` // above this a recognized face is assigned
}

type ScreenshotDetectionConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type ImageConfig struct {
	ThumbnailSize int `yaml:"thumbnailSize"` // max edge in pixels
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
	BatchSize    int    `yaml:"batchSize"` // rows per multi-row INSERT
}

type CompreFaceConfig struct {
	BaseURL        string  `yaml:"baseUrl"`
	APIKey         string  `yaml:"apiKey"`          // detection service key
	RecognitionKey string  `yaml:"apiKeyRecognize"` // recognition service key
	TimeoutSeconds int     `yaml:"timeoutSeconds"`
	MaxRetries     int     `yaml:"maxRetries"`
	MaxConcurrency int     `yaml:"maxConcurrency"`
	DetectionLimit int     `yaml:"detectionLimit"` // 0 = no limit on faces per image
	Threshold      float64 `yaml:"threshold"`      // det_prob_threshold
}

type DetectorConfig struct {
	BundleDir string `yaml:"bundleDir"` // local model bundle (manifest + weights)
	URL       string `yaml:"url"`       // inference server, defaults to http://localhost:8093
}

type AutoScanConfig struct {
	Enabled           bool `yaml:"enabled"`
	IntervalSeconds   int  `yaml:"interval"`
	StartDelaySeconds int  `yaml:"startDelay"`
	RewalkMinutes     int  `yaml:"rewalkMinutes"` // coarse re-walk of the source tree, 0 disables
}

type TrainingConfig struct {
	MinFacesThreshold int `yaml:"minFacesThreshold"`
	IntervalHours     int `yaml:"interval"`
	MaxRetries        int `yaml:"maxRetries"`
}

type ClusteringConfig struct {
	MinSimilarity  float64 `yaml:"minSimilarity"`
	Algorithm      string  `yaml:"algorithm"` // embedding_distance, compreface_api, manual
	MinClusterSize int     `yaml:"minClusterSize"`
	Candidates     int     `yaml:"candidates"` // k-NN candidates per face for the pairwise scan
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envStr returns the environment value or the current value when unset.
func envStr(key, current string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return current
}

// Load reads the YAML config file at path (optional, pass "" to skip) and
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.SourceDir = envStr("PHOTOKEEP_SOURCE_DIR", c.Storage.SourceDir)
	c.Storage.ProcessedDir = envStr("PHOTOKEEP_PROCESSED_DIR", c.Storage.ProcessedDir)
	c.Database.URL = envStr("DATABASE_URL", c.Database.URL)
	c.CompreFace.BaseURL = envStr("COMPREFACE_URL", c.CompreFace.BaseURL)
	c.CompreFace.APIKey = envStr("COMPREFACE_API_KEY", c.CompreFace.APIKey)
	c.CompreFace.RecognitionKey = envStr("COMPREFACE_RECOGNITION_KEY", c.CompreFace.RecognitionKey)
	c.Detector.URL = envStr("DETECTOR_URL", c.Detector.URL)
	c.Detector.BundleDir = envStr("DETECTOR_BUNDLE_DIR", c.Detector.BundleDir)
	c.LogLevel = envStr("PHOTOKEEP_LOG_LEVEL", c.LogLevel)

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", 0)
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", 0)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ScanBatchSize == 0 {
		c.Server.ScanBatchSize = 50
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = runtime.NumCPU()
	}
	if c.Processing.ObjectDetection.Confidence.Detection == 0 {
		c.Processing.ObjectDetection.Confidence.Detection = 0.75
	}
	if c.Processing.FaceRecognition.Confidence.Review == 0 {
		c.Processing.FaceRecognition.Confidence.Review = 0.8
	}
	if c.Processing.FaceRecognition.Confidence.AutoAssign == 0 {
		c.Processing.FaceRecognition.Confidence.AutoAssign = 0.95
	}
	if c.Processing.ScreenshotDetection.Threshold == 0 {
		c.Processing.ScreenshotDetection.Threshold = 0.7
	}
	if c.Processing.FileTimeoutMinutes == 0 {
		c.Processing.FileTimeoutMinutes = 10
	}
	if c.Processing.MaxRetries == 0 {
		c.Processing.MaxRetries = 3
	}
	if c.Image.ThumbnailSize == 0 {
		c.Image.ThumbnailSize = 256
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = 100
	}
	if c.CompreFace.TimeoutSeconds == 0 {
		c.CompreFace.TimeoutSeconds = 30
	}
	if c.CompreFace.MaxRetries == 0 {
		c.CompreFace.MaxRetries = 2
	}
	if c.CompreFace.MaxConcurrency == 0 {
		c.CompreFace.MaxConcurrency = 4
	}
	if c.CompreFace.Threshold == 0 {
		c.CompreFace.Threshold = 0.8
	}
	if c.Detector.URL == "" {
		c.Detector.URL = "http://localhost:8093"
	}
	if c.AutoScan.IntervalSeconds == 0 {
		c.AutoScan.IntervalSeconds = 60
	}
	if c.Training.MinFacesThreshold == 0 {
		c.Training.MinFacesThreshold = 3
	}
	if c.Training.IntervalHours == 0 {
		c.Training.IntervalHours = 24
	}
	if c.Training.MaxRetries == 0 {
		c.Training.MaxRetries = 3
	}
	if c.Clustering.MinSimilarity == 0 {
		c.Clustering.MinSimilarity = 0.7
	}
	if c.Clustering.Algorithm == "" {
		c.Clustering.Algorithm = "embedding_distance"
	}
	if c.Clustering.MinClusterSize == 0 {
		c.Clustering.MinClusterSize = 3
	}
	if c.Clustering.Candidates == 0 {
		c.Clustering.Candidates = 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the invariants that must hold before the process starts.
// A failure here is fatal; the process should exit non-zero.
func (c *Config) Validate() error {
	if c.Storage.SourceDir == "" {
		return errors.New("storage.sourceDir is required")
	}
	if c.Storage.ProcessedDir == "" {
		return errors.New("storage.processedDir is required")
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required (or DATABASE_URL)")
	}
	if c.Processing.FaceRecognition.Confidence.Review > c.Processing.FaceRecognition.Confidence.AutoAssign {
		return fmt.Errorf("faceRecognition review threshold %.2f above autoAssign %.2f",
			c.Processing.FaceRecognition.Confidence.Review, c.Processing.FaceRecognition.Confidence.AutoAssign)
	}
	if c.Clustering.MinSimilarity <= 0 || c.Clustering.MinSimilarity > 1 {
		return fmt.Errorf("clustering.minSimilarity %.2f out of (0,1]", c.Clustering.MinSimilarity)
	}
	return nil
}

// AutoScanInterval returns the tick interval of the auto-scanner loop.
func (c *Config) AutoScanInterval() time.Duration {
	return time.Duration(c.AutoScan.IntervalSeconds) * time.Second
}

// AutoScanStartDelay returns the initial delay before the first tick.
func (c *Config) AutoScanStartDelay() time.Duration {
	return time.Duration(c.AutoScan.StartDelaySeconds) * time.Second
}

// FileTimeout returns the soft per-file processing limit.
func (c *Config) FileTimeout() time.Duration {
	return time.Duration(c.Processing.FileTimeoutMinutes) * time.Minute
}

// CompreFaceTimeout returns the per-call timeout for the face service.
func (c *Config) CompreFaceTimeout() time.Duration {
	return time.Duration(c.CompreFace.TimeoutSeconds) * time.Second
}

// TrainingInterval returns how long a trained person is left alone before
// auto-training considers them again.
func (c *Config) TrainingInterval() time.Duration {
	return time.Duration(c.Training.IntervalHours) * time.Hour
}
