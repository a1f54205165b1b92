// Package detect runs local object detection through an inference server.
// A single detector instance is shared process-wide; inference concurrency
// is bounded by a semaphore sized to the worker pool.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/analyze"
	"github.com/photokeep/photokeep/internal/config"
)

// inferenceJPEGQuality trades upload size against detection accuracy.
const inferenceJPEGQuality = 90

// ErrUnavailable marks inference failures. The pipeline persists the image
// with an empty object list and records the marker as a partial reason.
var ErrUnavailable = errors.New("object detector unavailable")

// Detection is one labeled box in original-pixel coordinates.
type Detection struct {
	Label      string
	Confidence float64
	X          int
	Y          int
	Width      int
	Height     int
}

// Provider executes inference over an encoded image. Boxes come back in
// the coordinates of the submitted (letterboxed) image.
type Provider interface {
	Name() string
	DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error)
}

// Detector preprocesses frames, runs the provider and post-filters by the
// configured confidence floor.
type Detector struct {
	provider Provider
	bundle   *Bundle
	floor    float64
	sem      chan struct{}

	loadOnce sync.Once
	loadErr  error
}

// New builds the process-wide detector. The model bundle is cold-loaded on
// first use, not here.
func New(cfg config.DetectorConfig, det config.ObjectDetectionConfig, workers int) *Detector {
	threads := det.MaxThreads
	if threads <= 0 {
		threads = min(workers, runtime.NumCPU())
	}
	if threads < 1 {
		threads = 1
	}

	return &Detector{
		provider: newServerProvider(cfg.URL),
		floor:    det.Confidence.Detection,
		sem:      make(chan struct{}, threads),
		bundle:   &Bundle{Dir: cfg.BundleDir},
	}
}

// NewWithProvider injects a provider, for tests.
func NewWithProvider(p Provider, floor float64, threads int) *Detector {
	if threads < 1 {
		threads = 1
	}
	return &Detector{
		provider: p,
		floor:    floor,
		sem:      make(chan struct{}, threads),
		bundle:   &Bundle{},
	}
}

// load resolves the model bundle manifest exactly once.
func (d *Detector) load() error {
	d.loadOnce.Do(func() {
		if err := d.bundle.Load(); err != nil {
			d.loadErr = err
			return
		}
		logrus.WithFields(logrus.Fields{
			"model":   d.bundle.Manifest.Name,
			"version": d.bundle.Manifest.Version,
			"edge":    d.bundle.Manifest.InputEdge,
			"labels":  len(d.bundle.Manifest.Labels),
		}).Info("object detection model loaded")
	})
	return d.loadErr
}

// Detect runs inference over an upright decoded image and returns labeled
// boxes in original-pixel coordinates, filtered by the confidence floor.
// Inference errors surface as ErrUnavailable and are never fatal to the
// caller's pipeline.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := d.load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	edge := d.bundle.Manifest.InputEdge
	frame, scale, padX, padY := letterbox(img, edge)

	data, err := analyze.EncodeJPEG(frame, inferenceJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", ErrUnavailable, err)
	}

	raw, err := d.provider.DetectObjects(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	bounds := img.Bounds()
	out := make([]Detection, 0, len(raw))
	for _, det := range raw {
		if det.Confidence < d.floor {
			continue
		}
		mapped := unletterbox(det, scale, padX, padY, bounds.Dx(), bounds.Dy())
		if mapped.Width <= 0 || mapped.Height <= 0 {
			continue
		}
		out = append(out, mapped)
	}
	return out, nil
}

// letterbox resizes the image to fit the model's square input edge,
// padding the remainder. Alpha is dropped by drawing onto an opaque
// canvas. Returns the scale and padding needed to map boxes back.
func letterbox(img image.Image, edge int) (image.Image, float64, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := min(float64(edge)/float64(w), float64(edge)/float64(h))
	scaledW := int(float64(w) * scale)
	scaledH := int(float64(h) * scale)

	resized := imaging.Resize(img, scaledW, scaledH, imaging.Linear)
	canvas := imaging.New(edge, edge, image.Black.C)
	padX := (edge - scaledW) / 2
	padY := (edge - scaledH) / 2
	return imaging.Paste(canvas, resized, image.Pt(padX, padY)), scale, padX, padY
}

// unletterbox maps a box from model-input coordinates back to original
// pixels, clamping to the frame.
func unletterbox(det Detection, scale float64, padX, padY, w, h int) Detection {
	x := int(float64(det.X-padX) / scale)
	y := int(float64(det.Y-padY) / scale)
	x2 := int(float64(det.X+det.Width-padX) / scale)
	y2 := int(float64(det.Y+det.Height-padY) / scale)

	x = clamp(x, 0, w)
	y = clamp(y, 0, h)
	x2 = clamp(x2, 0, w)
	y2 = clamp(y2, 0, h)

	det.X = x
	det.Y = y
	det.Width = x2 - x
	det.Height = y2 - y
	return det
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
