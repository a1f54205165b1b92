// Package faces provides face box geometry shared by the detection client,
// the pipeline and the clustering pass.
package faces

import (
	"image"
)

// Box is a face bounding box in corner form. Coordinates are pixels in
// whichever frame the box was produced for; TransformBox moves a box from the
// raw (as-stored) frame into the upright (display) frame.
type Box struct {
	XMin float64
	YMin float64
	XMax float64
	YMax float64
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 { return b.XMax - b.XMin }

// Height returns the vertical extent of the box.
func (b Box) Height() float64 { return b.YMax - b.YMin }

// Area returns the box area, 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.XMax <= b.XMin || b.YMax <= b.YMin {
		return 0
	}
	return b.Width() * b.Height()
}

// Rect converts the box to an integer image.Rectangle for cropping.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.XMin), int(b.YMin), int(b.XMax), int(b.YMax))
}

// Clamp restricts the box to the [0,width]x[0,height] frame.
func (b Box) Clamp(width, height float64) Box {
	clamped := b
	if clamped.XMin < 0 {
		clamped.XMin = 0
	}
	if clamped.YMin < 0 {
		clamped.YMin = 0
	}
	if clamped.XMax > width {
		clamped.XMax = width
	}
	if clamped.YMax > height {
		clamped.YMax = height
	}
	return clamped
}

// TransformBox maps a box from raw image coordinates into upright coordinates
// for the given EXIF orientation. width and height are the raw (pre-rotation)
// dimensions. Detection runs on the stored bytes, so its boxes are in the raw
// frame; crops are taken from the upright image, so the box must follow the
// same rotation.
func TransformBox(b Box, orientation int, width, height float64) Box {
	x1, y1 := transformPoint(b.XMin, b.YMin, orientation, width, height)
	x2, y2 := transformPoint(b.XMax, b.YMax, orientation, width, height)
	return normalize(x1, y1, x2, y2)
}

// transformPoint maps a single raw-frame point into the upright frame.
func transformPoint(x, y float64, orientation int, w, h float64) (float64, float64) {
	switch orientation {
	case 2: // mirrored horizontally
		return w - x, y
	case 3: // rotated 180
		return w - x, h - y
	case 4: // mirrored vertically
		return x, h - y
	case 5: // mirrored along top-left diagonal
		return y, x
	case 6: // rotated 90 CW to display
		return h - y, x
	case 7: // mirrored along bottom-left diagonal
		return h - y, w - x
	case 8: // rotated 90 CCW to display
		return y, w - x
	default:
		return x, y
	}
}

func normalize(x1, y1, x2, y2 float64) Box {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return Box{XMin: x1, YMin: y1, XMax: x2, YMax: y2}
}

// UprightBounds returns the display dimensions for a raw width/height and an
// EXIF orientation. Orientations 5-8 swap the axes.
func UprightBounds(width, height int, orientation int) (int, int) {
	if orientation >= 5 && orientation <= 8 {
		return height, width
	}
	return width, height
}

// ComputeIoU calculates intersection over union between two boxes in the same
// coordinate system.
func ComputeIoU(a, b Box) float64 {
	x1 := max(a.XMin, b.XMin)
	y1 := max(a.YMin, b.YMin)
	x2 := min(a.XMax, b.XMax)
	y2 := min(a.YMax, b.YMax)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
