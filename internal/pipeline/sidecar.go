package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/photokeep/photokeep/internal/compreface"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/detect"
	"github.com/photokeep/photokeep/internal/exifdata"
	"github.com/photokeep/photokeep/internal/screenshot"
)

// sidecar is the optional JSON mirror written next to the media tree so
// the processed directory is usable without the database.
type sidecar struct {
	Exif                map[string]string      `json:"exif"`
	DominantColor       string                 `json:"dominantColor"`
	People              map[string]sidecarFace `json:"people"`
	Objects             []sidecarObject        `json:"objects"`
	ScreenshotDetection screenshot.Result      `json:"screenshotDetection"`
}

type sidecarFace struct {
	Box       compreface.BoundingBox `json:"box"`
	Landmarks [][]int                `json:"landmarks"`
	Pose      compreface.Pose        `json:"pose"`
	Age       compreface.AgeRange    `json:"age"`
	Gender    compreface.Gender      `json:"gender"`
}

type sidecarObject struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       sidecarBox `json:"bbox"`
}

type sidecarBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (p *Pipeline) writeSidecarFile(rel string, meta *exifdata.Metadata, dominant string, rows []database.DetectedFace, hits []faceHit, objects []detect.Detection, shot screenshot.Result) error {
	doc := sidecar{
		DominantColor:       dominant,
		People:              make(map[string]sidecarFace, len(hits)),
		Objects:             make([]sidecarObject, 0, len(objects)),
		ScreenshotDetection: shot,
	}
	if meta != nil {
		doc.Exif = meta.Tags
	}

	for i, hit := range hits {
		key := fmt.Sprintf("face_%d", i)
		if rows[i].RelativeFacePath != nil {
			key = *rows[i].RelativeFacePath
		}
		doc.People[key] = sidecarFace{
			Box:       hit.det.Box,
			Landmarks: hit.det.Landmarks,
			Pose:      hit.det.Pose,
			Age:       hit.det.Age,
			Gender:    hit.det.Gender,
		}
	}

	for _, o := range objects {
		doc.Objects = append(doc.Objects, sidecarObject{
			Class:      o.Label,
			Confidence: o.Confidence,
			BBox:       sidecarBox{X: o.X, Y: o.Y, Width: o.Width, Height: o.Height},
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return p.layout.WriteFile(rel, data)
}
