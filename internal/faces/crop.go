package faces

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// cropPadding expands a face box by this fraction of its size on each edge so
// crops carry a little context for review UIs and training.
const cropPadding = 0.15

// Crop extracts a face subimage from an upright image. The box must already
// be in upright coordinates (see TransformBox). The box is padded, clamped to
// the image bounds and must remain non-degenerate.
func Crop(upright image.Image, box Box) (image.Image, error) {
	bounds := upright.Bounds()
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	padX := box.Width() * cropPadding
	padY := box.Height() * cropPadding
	padded := Box{
		XMin: box.XMin - padX,
		YMin: box.YMin - padY,
		XMax: box.XMax + padX,
		YMax: box.YMax + padY,
	}.Clamp(w, h)

	if padded.Area() == 0 {
		return nil, fmt.Errorf("face box %+v degenerate after clamping to %dx%d", box, bounds.Dx(), bounds.Dy())
	}

	return imaging.Crop(upright, padded.Rect()), nil
}
