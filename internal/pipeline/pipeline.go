// Package pipeline orchestrates the per-file analysis chain: hash probe,
// concurrent metadata/analysis/detection stages, placement into the
// processed tree and a single-transaction persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/analyze"
	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/detect"
	"github.com/photokeep/photokeep/internal/exifdata"
	"github.com/photokeep/photokeep/internal/faces"
	"github.com/photokeep/photokeep/internal/fingerprint"
	"github.com/photokeep/photokeep/internal/geo"
	"github.com/photokeep/photokeep/internal/hasher"
	"github.com/photokeep/photokeep/internal/layout"
	"github.com/photokeep/photokeep/internal/screenshot"
)

// File outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped" // lost the claim race
	OutcomeFailed    = "failed"
)

// Degradation reasons carried on a processed outcome.
const (
	ReasonExifUnavailable        = "exif-unavailable"
	ReasonFaceServiceTimeout     = "face-service-timeout"
	ReasonFaceServiceUnavailable = "face-service-unavailable"
	ReasonFaceServiceRejected    = "face-service-rejected"
	ReasonRecognitionUnavailable = "face-recognition-unavailable"
	ReasonDetectorUnavailable    = "detector-unavailable"
	ReasonGeoUnavailable         = "geo-unavailable"
)

// recognitionMatchIoU is the box overlap required to join a /recognize
// result onto a /detect face.
const recognitionMatchIoU = 0.5

const cropJPEGQuality = 90

// Store is the persistence surface the pipeline touches. The full
// database.Store satisfies it.
type Store interface {
	Claim(ctx context.Context, path string) (bool, error)
	Complete(ctx context.Context, path, hash string) error
	Fail(ctx context.Context, path, errMsg string) error
	Release(ctx context.Context, path string) error
	GetImageByHash(ctx context.Context, hash string) (*database.Image, error)
	UpsertImage(ctx context.Context, rec *database.ImageRecord) (id int64, created bool, err error)
	GetPersonByName(ctx context.Context, name string) (*database.Person, error)
	CitiesInLatBand(ctx context.Context, minLat, maxLat float64) ([]database.GeoCity, error)
}

// FaceService is the slice of the face-recognition client the pipeline
// consumes.
type FaceService interface {
	Detect(ctx context.Context, imageBytes []byte, filename string) (*compreface.DetectResponse, error)
	Recognize(ctx context.Context, imageBytes []byte, filename string) (*compreface.RecognizeResponse, error)
}

// ObjectDetector runs the local ML model over a decoded frame.
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image) ([]detect.Detection, error)
}

// Result is the typed outcome of one file.
type Result struct {
	Outcome string
	ImageID int64
	Hash    string
	Reasons []string // partial degradations, empty on a clean run
	Err     error    // set only for OutcomeFailed
}

// Pipeline processes single files end to end.
type Pipeline struct {
	store       Store
	layout      *layout.Layout
	faceSvc     FaceService
	detector    ObjectDetector
	locator     *geo.Locator
	screenshots *screenshot.Classifier

	thumbnailSize  int
	writeSidecar   bool
	reviewMin      float64
	autoAssignMin  float64
	useRecognition bool
}

// New wires a pipeline from configuration. faceSvc and detector may come
// from the real clients or from test doubles.
func New(cfg *config.Config, store Store, lay *layout.Layout, faceSvc FaceService, detector ObjectDetector) *Pipeline {
	return &Pipeline{
		store:          store,
		layout:         lay,
		faceSvc:        faceSvc,
		detector:       detector,
		locator:        geo.NewLocator(&citySource{repo: store}),
		screenshots:    screenshot.New(cfg.Processing.ScreenshotDetection),
		thumbnailSize:  cfg.Image.ThumbnailSize,
		writeSidecar:   cfg.Storage.WriteSidecar,
		reviewMin:      cfg.Processing.FaceRecognition.Confidence.Review,
		autoAssignMin:  cfg.Processing.FaceRecognition.Confidence.AutoAssign,
		useRecognition: cfg.CompreFace.RecognitionKey != "",
	}
}

// Run claims the path, processes it and finalizes the file index row. It
// never returns an error; disposition is encoded in the Result.
func (p *Pipeline) Run(ctx context.Context, sourcePath string) *Result {
	claimed, err := p.store.Claim(ctx, sourcePath)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Err: fmt.Errorf("claim: %w", err)}
	}
	if !claimed {
		return &Result{Outcome: OutcomeSkipped}
	}

	result := p.process(ctx, sourcePath)

	switch result.Outcome {
	case OutcomeProcessed, OutcomeDuplicate:
		if err := p.store.Complete(ctx, sourcePath, result.Hash); err != nil {
			logrus.WithError(err).WithField("file", sourcePath).Error("cannot finalize file index entry")
		}
	case OutcomeFailed:
		if errors.Is(result.Err, context.Canceled) {
			// Cancelled workers release the claim instead of burning a retry.
			if err := p.store.Release(context.WithoutCancel(ctx), sourcePath); err != nil {
				logrus.WithError(err).WithField("file", sourcePath).Error("cannot release claim")
			}
			return result
		}
		if err := p.store.Fail(context.WithoutCancel(ctx), sourcePath, result.Err.Error()); err != nil {
			logrus.WithError(err).WithField("file", sourcePath).Error("cannot record failure")
		}
	}
	return result
}

func failed(err error) *Result {
	return &Result{Outcome: OutcomeFailed, Err: err}
}

// process runs steps hash-probe through persist for one claimed file.
func (p *Pipeline) process(ctx context.Context, sourcePath string) *Result {
	log := logrus.WithField("file", sourcePath)
	filename := filepath.Base(sourcePath)

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return failed(fmt.Errorf("read source: %w", err))
	}

	// Step 1: hash probe. A known hash is a soft duplicate, possibly a
	// rename or a crash between place and persist.
	hash := hasher.HashBytes(data)
	existing, err := p.store.GetImageByHash(ctx, hash)
	if err != nil {
		return failed(fmt.Errorf("hash probe: %w", err))
	}
	if existing != nil {
		log.WithField("image", existing.ID).Info("duplicate content, skipping ingest")
		return &Result{Outcome: OutcomeDuplicate, ImageID: existing.ID, Hash: hash}
	}

	// Decode once; every image stage shares the buffer. A decode failure
	// is fatal for the file.
	decoded, err := analyze.Decode(data)
	if err != nil {
		return failed(err)
	}

	// Step 2: fan-out. Each stage owns its own result slot.
	var (
		wg sync.WaitGroup

		meta    *exifdata.Metadata
		metaErr error

		dominant string
		prints   fingerprint.Hashes

		objects   []detect.Detection
		objectErr error

		faceHits []faceHit
		faceErr  error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		meta, metaErr = exifdata.Extract(sourcePath)
	}()
	go func() {
		defer wg.Done()
		dominant = analyze.DominantColor(decoded.Image)
		prints = fingerprint.Compute(decoded.Image)
	}()
	go func() {
		defer wg.Done()
		objects, objectErr = p.detector.Detect(ctx, decoded.Image)
	}()
	go func() {
		defer wg.Done()
		faceHits, faceErr = p.detectFaces(ctx, data, filename)
	}()
	wg.Wait()

	// Step 3: barrier.
	if err := ctx.Err(); err != nil {
		return failed(err)
	}

	var reasons []string
	if metaErr != nil {
		if !errors.Is(metaErr, exifdata.ErrMetadataUnavailable) {
			log.WithError(metaErr).Warn("metadata extraction failed")
		}
		meta = nil
		reasons = append(reasons, ReasonExifUnavailable)
	}
	if objectErr != nil {
		log.WithError(objectErr).Warn("object detection unavailable")
		objects = nil
		reasons = append(reasons, ReasonDetectorUnavailable)
	}
	if faceErr != nil {
		reason := classifyFaceError(faceErr)
		log.WithError(faceErr).Error(reason)
		faceHits = nil
		reasons = append(reasons, reason)
	}

	// Step 4: derive.
	orientation := 0
	if meta != nil {
		orientation = meta.Orientation
	}
	uprightW, uprightH := faces.UprightBounds(decoded.Width, decoded.Height, orientation)

	shot := p.screenshots.Classify(screenshot.Input{
		Filename: filename,
		Format:   decoded.Format,
		Width:    uprightW,
		Height:   uprightH,
		Meta:     meta,
		Objects:  screenshotObjects(objects, decoded.Width, decoded.Height),
	})

	captureDate, dateInferred, err := p.captureDate(sourcePath, meta)
	if err != nil {
		return failed(err)
	}

	ext := layout.NormalizeExt(filepath.Ext(sourcePath))
	if ext == "" {
		ext = "." + decoded.Format
	}
	mediaRel := p.layout.MediaPath(hash, captureDate, ext)

	location, geoReason := p.resolveLocation(ctx, meta)
	if geoReason != "" {
		reasons = append(reasons, geoReason)
	}

	// Step 5: place.
	placed, err := p.layout.Place(sourcePath, mediaRel)
	if err != nil {
		return failed(fmt.Errorf("place media: %w", err))
	}
	migration := layout.StatusCopied
	if err := p.layout.Verify(mediaRel, hash); err == nil {
		migration = layout.StatusVerified
	} else {
		log.WithError(err).Warn("placed media failed verification")
	}

	upright := analyze.ApplyOrientation(decoded.Image, orientation)
	faceRows := p.writeFaceCrops(log, upright, hash, decoded, orientation, faceHits)
	p.assignRecognizedFaces(ctx, log, faceRows, faceHits)

	if err := p.writeThumbnail(decoded.Image, hash, orientation); err != nil {
		log.WithError(err).Warn("thumbnail generation failed")
	}

	var metaRel *string
	if p.writeSidecar {
		rel := p.layout.MetaPath(hash, captureDate)
		if err := p.writeSidecarFile(rel, meta, dominant, faceRows, faceHits, objects, shot); err != nil {
			log.WithError(err).Warn("sidecar write failed")
		} else {
			metaRel = &rel
		}
	}

	// Step 6: persist, one transaction.
	record := &database.ImageRecord{
		Image: &database.Image{
			SourceFilename:       filename,
			FileHash:             hash,
			FileSize:             int64(len(data)),
			MimeType:             mimeTypeFor(decoded.Format),
			Width:                uprightW,
			Height:               uprightH,
			DominantColor:        dominant,
			DateTaken:            &captureDate,
			DateInferred:         dateInferred,
			ProcessingStatus:     "completed",
			RelativeMediaPath:    placed.RelPath,
			RelativeMetaPath:     metaRel,
			MigrationStatus:      migration,
			PHash:                int64(prints.PHash),
			DHash:                int64(prints.DHash),
			IsScreenshot:         shot.IsScreenshot,
			ScreenshotConfidence: shot.Confidence,
			ScreenshotReasons:    shot.Reasons,
		},
		Metadata: metadataRow(meta, orientation),
		Faces:    faceRows,
		Objects:  objectRows(objects),
		Location: location,
	}

	id, created, err := p.store.UpsertImage(ctx, record)
	if err != nil {
		return failed(fmt.Errorf("persist image: %w", err))
	}
	if !created {
		// Another worker persisted the same content first.
		log.WithField("image", id).Info("duplicate content, persisted concurrently")
		return &Result{Outcome: OutcomeDuplicate, ImageID: id, Hash: hash}
	}

	log.WithFields(logrus.Fields{
		"image":   id,
		"faces":   len(faceRows),
		"objects": len(objects),
	}).Info("file processed")
	return &Result{Outcome: OutcomeProcessed, ImageID: id, Hash: hash, Reasons: reasons}
}

// faceHit joins a detected face with its recognition candidates.
type faceHit struct {
	det      compreface.FaceDetection
	subjects []compreface.SubjectMatch
}

// detectFaces calls the face service: /detect for boxes and embeddings,
// then /recognize (when configured) joined back onto the detected boxes by
// overlap.
func (p *Pipeline) detectFaces(ctx context.Context, data []byte, filename string) ([]faceHit, error) {
	resp, err := p.faceSvc.Detect(ctx, data, filename)
	if err != nil {
		return nil, err
	}

	hits := make([]faceHit, len(resp.Result))
	for i, det := range resp.Result {
		hits[i] = faceHit{det: det}
	}
	if len(hits) == 0 || !p.useRecognition {
		return hits, nil
	}

	rec, err := p.faceSvc.Recognize(ctx, data, filename)
	if err != nil {
		// Recognition is an enrichment; detection already succeeded.
		logrus.WithError(err).Warn("face recognition unavailable, keeping unidentified faces")
		return hits, nil
	}
	for _, r := range rec.Result {
		if len(r.Subjects) == 0 {
			continue
		}
		if i := bestOverlap(hits, r.Box); i >= 0 {
			hits[i].subjects = r.Subjects
		}
	}
	return hits, nil
}

func classifyFaceError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonFaceServiceTimeout
	case errors.Is(err, compreface.ErrRejected):
		return ReasonFaceServiceRejected
	default:
		return ReasonFaceServiceUnavailable
	}
}

// resolveLocation links GPS metadata to the nearest known city. Returns a
// non-empty reason when resolution was attempted and failed.
func (p *Pipeline) resolveLocation(ctx context.Context, meta *exifdata.Metadata) (*database.ImageLocation, string) {
	if meta == nil || meta.GPS == nil {
		return nil, ""
	}
	match, err := p.locator.Nearest(ctx, meta.GPS.Latitude, meta.GPS.Longitude, geo.MethodEXIFGPS)
	if err != nil {
		logrus.WithError(err).Warn("geolocation lookup failed")
		return nil, ReasonGeoUnavailable
	}
	if match == nil {
		return nil, ""
	}
	return &database.ImageLocation{
		CityID:          match.City.ID,
		DetectionMethod: match.Method,
		Confidence:      match.Confidence,
		DistanceMiles:   match.DistanceMiles,
	}, ""
}

func (p *Pipeline) captureDate(sourcePath string, meta *exifdata.Metadata) (time.Time, bool, error) {
	if meta != nil && !meta.TakenAt.IsZero() {
		return meta.TakenAt, meta.DateInferred, nil
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stat source: %w", err)
	}
	return info.ModTime(), true, nil
}

func (p *Pipeline) writeThumbnail(img image.Image, hash string, orientation int) error {
	thumb := analyze.Thumbnail(img, p.thumbnailSize, orientation)
	encoded, err := analyze.EncodeJPEG(thumb, cropJPEGQuality)
	if err != nil {
		return err
	}
	return p.layout.WriteFile(p.layout.ThumbPath(hash, p.thumbnailSize, ".jpg"), encoded)
}

func mimeTypeFor(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func screenshotObjects(objects []detect.Detection, width, height int) []screenshot.Object {
	if len(objects) == 0 {
		return nil
	}
	frame := float64(width * height)
	out := make([]screenshot.Object, len(objects))
	for i, o := range objects {
		coverage := 0.0
		if frame > 0 {
			coverage = float64(o.Width*o.Height) / frame
		}
		out[i] = screenshot.Object{Label: o.Label, Confidence: o.Confidence, Coverage: coverage}
	}
	return out
}

func objectRows(objects []detect.Detection) []database.DetectedObject {
	rows := make([]database.DetectedObject, len(objects))
	for i, o := range objects {
		rows[i] = database.DetectedObject{
			ClassLabel: o.Label,
			Confidence: o.Confidence,
			X:          o.X,
			Y:          o.Y,
			Width:      o.Width,
			Height:     o.Height,
		}
	}
	return rows
}

// citySource adapts the geo repository to the locator's input.
type citySource struct {
	repo Store
}

func (s *citySource) CitiesInLatBand(ctx context.Context, minLat, maxLat float64) ([]geo.City, error) {
	rows, err := s.repo.CitiesInLatBand(ctx, minLat, maxLat)
	if err != nil {
		return nil, err
	}
	cities := make([]geo.City, len(rows))
	for i, c := range rows {
		cities[i] = geo.City{
			ID:        c.ID,
			Name:      c.Name,
			State:     c.State,
			Country:   c.Country,
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			Timezone:  c.Timezone,
		}
	}
	return cities, nil
}

// bestOverlap finds the detected face whose box overlaps the recognized
// box the most, requiring a minimum IoU.
func bestOverlap(hits []faceHit, box compreface.BoundingBox) int {
	best, bestIoU := -1, recognitionMatchIoU
	for i, h := range hits {
		iou := boxIoU(h.det.Box, box)
		if iou >= bestIoU {
			best, bestIoU = i, iou
		}
	}
	return best
}

func boxIoU(a, b compreface.BoundingBox) float64 {
	interW := min(a.XMax, b.XMax) - max(a.XMin, b.XMin)
	interH := min(a.YMax, b.YMax) - max(a.YMin, b.YMin)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := float64(interW * interH)
	areaA := float64((a.XMax - a.XMin) * (a.YMax - a.YMin))
	areaB := float64((b.XMax - b.XMin) * (b.YMax - b.YMin))
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
