// Package analyze decodes pixel data and derives the cheap per-image
// signals: dominant color, thumbnails and dimension readback.
package analyze

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// ErrDecode signals corrupt pixel data. This is fatal for the file: the
// pipeline marks it failed rather than persisting a half-analyzed image.
var ErrDecode = errors.New("image decode failed")

// Decoded is the shared decoded buffer for one file's fan-out. It is created
// once per file and read concurrently by the analysis stages.
type Decoded struct {
	Image  image.Image
	Format string // "jpeg", "png", ...
	Width  int    // pre-rotation pixel width
	Height int    // pre-rotation pixel height
}

// Decode parses image bytes. Dimensions are reported before any orientation
// rotation, matching what EXIF and face boxes refer to.
func Decode(data []byte) (*Decoded, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	bounds := img.Bounds()
	return &Decoded{
		Image:  img,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// DominantColor computes the mean value per channel over the full image and
// emits it as a lowercase #rrggbb hex string, matching the casing of the
// content-hash paths it is stored next to.
func DominantColor(img image.Image) string {
	bounds := img.Bounds()
	var rSum, gSum, bSum, count uint64

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += uint64(r >> 8)
			gSum += uint64(g >> 8)
			bSum += uint64(b >> 8)
			count++
		}
	}
	if count == 0 {
		return "#000000"
	}

	return fmt.Sprintf("#%02x%02x%02x",
		clampChannel(rSum/count), clampChannel(gSum/count), clampChannel(bSum/count))
}

func clampChannel(v uint64) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ApplyOrientation rotates or flips a decoded image according to its EXIF
// orientation tag (1-8) so it displays upright.
func ApplyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Thumbnail produces an upright thumbnail bounded by maxEdge on its longer
// side, preserving aspect ratio.
func Thumbnail(img image.Image, maxEdge int, orientation int) image.Image {
	upright := ApplyOrientation(img, orientation)
	bounds := upright.Bounds()
	if bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge {
		return upright
	}
	return imaging.Fit(upright, maxEdge, maxEdge, imaging.Lanczos)
}

// EncodeJPEG renders an image as JPEG bytes at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
