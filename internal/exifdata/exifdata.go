// Package exifdata extracts EXIF metadata from source images. It produces a
// typed projection of the well-known tags plus a raw tag map kept opaquely
// for forward compatibility.
package exifdata

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"github.com/sirupsen/logrus"
)

// ErrMetadataUnavailable signals that EXIF data could not be read. The
// pipeline continues with partial data; only the capture date falls back to
// the file mtime.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// GPSData holds the decoded GPS block of an image.
type GPSData struct {
	Latitude         float64
	Longitude        float64
	LatitudeRef      string // N or S
	LongitudeRef     string // E or W
	Altitude         float64
	Bearing          float64
	Speed            float64
	DOP              float64
	Datum            string
	PositioningError float64
}

// Metadata is the typed projection of an image's EXIF block. Dimensions are
// reported before orientation rotation; Orientation is carried separately so
// downstream can rotate bounding boxes.
type Metadata struct {
	Width       int
	Height      int
	Orientation int // EXIF tag 1-8, 0 when absent

	TakenAt        time.Time
	DateInferred   bool // true when TakenAt fell back to file mtime
	SubSecTime     string
	TimezoneOffset string

	CameraMake  string
	CameraModel string
	Software    string

	Aperture        float64 // f-number
	ShutterSpeed    string  // e.g. "1/250"
	ISO             int
	FocalLength     float64
	FocalLength35mm int
	ExposureProgram int
	MeteringMode    int
	ExposureBias    float64
	WhiteBalance    int
	Flash           int
	ColorSpace      int

	GPS *GPSData

	Artist      string
	Copyright   string
	Description string
	Rating      int
	LensMake    string
	LensModel   string

	Tags map[string]string // raw tag blob, tag name -> printable value
}

// HasCameraTags reports whether the image carries a camera identity. Missing
// make and model is one of the screenshot heuristics.
func (m *Metadata) HasCameraTags() bool {
	return m.CameraMake != "" || m.CameraModel != ""
}

// HasExposure reports whether any exposure tag is present.
func (m *Metadata) HasExposure() bool {
	return m.Aperture != 0 || m.ISO != 0 || m.FocalLength != 0
}

// tagCollector accumulates every tag into a raw string map during Walk.
type tagCollector struct {
	tags map[string]string
}

func (c *tagCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	c.tags[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}

// Extract reads EXIF metadata from the file at path. When the EXIF block is
// missing or unreadable it returns a Metadata with DateInferred set and an
// error wrapping ErrMetadataUnavailable; callers treat that as partial, not
// fatal.
func Extract(path string) (*Metadata, error) {
	meta := &Metadata{Tags: map[string]string{}}

	info, statErr := os.Stat(path)
	if statErr == nil {
		meta.TakenAt = info.ModTime()
		meta.DateInferred = true
	}

	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("%w: open %s: %v", ErrMetadataUnavailable, path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return meta, fmt.Errorf("%w: decode %s: %v", ErrMetadataUnavailable, path, err)
	}

	collector := &tagCollector{tags: meta.Tags}
	if err := x.Walk(collector); err != nil {
		logrus.WithField("path", path).WithError(err).Debug("partial EXIF tag walk")
	}

	meta.Width = tagInt(x, exif.PixelXDimension)
	if meta.Width == 0 {
		meta.Width = tagInt(x, exif.ImageWidth)
	}
	meta.Height = tagInt(x, exif.PixelYDimension)
	if meta.Height == 0 {
		meta.Height = tagInt(x, exif.ImageLength)
	}
	meta.Orientation = tagInt(x, exif.Orientation)

	if taken, ok := extractDate(x); ok {
		meta.TakenAt = taken
		meta.DateInferred = false
	}
	meta.SubSecTime = tagString(x, exif.SubSecTimeOriginal)
	meta.TimezoneOffset = tagString(x, exif.FieldName("OffsetTimeOriginal"))

	meta.CameraMake = tagString(x, exif.Make)
	meta.CameraModel = tagString(x, exif.Model)
	meta.Software = tagString(x, exif.Software)

	meta.Aperture = tagRat(x, exif.FNumber)
	meta.ShutterSpeed = tagRatString(x, exif.ExposureTime)
	meta.ISO = tagInt(x, exif.ISOSpeedRatings)
	meta.FocalLength = tagRat(x, exif.FocalLength)
	meta.FocalLength35mm = tagInt(x, exif.FocalLengthIn35mmFilm)
	meta.ExposureProgram = tagInt(x, exif.ExposureProgram)
	meta.MeteringMode = tagInt(x, exif.MeteringMode)
	meta.ExposureBias = tagRat(x, exif.ExposureBiasValue)
	meta.WhiteBalance = tagInt(x, exif.WhiteBalance)
	meta.Flash = tagInt(x, exif.Flash)
	meta.ColorSpace = tagInt(x, exif.ColorSpace)

	meta.GPS = extractGPS(x)

	meta.Artist = tagString(x, exif.Artist)
	meta.Copyright = tagString(x, exif.Copyright)
	meta.Description = tagString(x, exif.ImageDescription)
	meta.Rating = tagInt(x, exif.FieldName("Rating"))
	meta.LensMake = tagString(x, exif.LensMake)
	meta.LensModel = tagString(x, exif.LensModel)

	return meta, nil
}

// extractDate pulls DateTimeOriginal (falling back to DateTime) and parses it.
func extractDate(x *exif.Exif) (time.Time, bool) {
	for _, field := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTime} {
		raw := tagString(x, field)
		if raw == "" {
			continue
		}
		if t, err := ParseDate(raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDate accepts the EXIF "2006:01:02 15:04:05" form and common ISO forms.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		"2006:01:02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}

// extractGPS decodes the GPS IFD into signed decimal degrees. D/M/S triples
// are reduced using the ref hemispheres: S and W negate.
func extractGPS(x *exif.Exif) *GPSData {
	latRef := tagString(x, exif.GPSLatitudeRef)
	lonRef := tagString(x, exif.GPSLongitudeRef)

	lat, latOK := dmsToDecimal(x, exif.GPSLatitude)
	lon, lonOK := dmsToDecimal(x, exif.GPSLongitude)
	if !latOK || !lonOK {
		return nil
	}

	if strings.EqualFold(latRef, "S") {
		lat = -lat
	}
	if strings.EqualFold(lonRef, "W") {
		lon = -lon
	}

	gps := &GPSData{
		Latitude:         lat,
		Longitude:        lon,
		LatitudeRef:      latRef,
		LongitudeRef:     lonRef,
		Altitude:         tagRat(x, exif.GPSAltitude),
		Bearing:          tagRat(x, exif.GPSImgDirection),
		Speed:            tagRat(x, exif.GPSSpeed),
		DOP:              tagRat(x, exif.GPSDOP),
		Datum:            tagString(x, exif.GPSMapDatum),
		PositioningError: tagRat(x, exif.FieldName("GPSHPositioningError")),
	}

	// Altitude ref 1 means below sea level.
	if tagInt(x, exif.GPSAltitudeRef) == 1 {
		gps.Altitude = -gps.Altitude
	}
	return gps
}

// dmsToDecimal reduces a degrees/minutes/seconds rational triple to decimal
// degrees.
func dmsToDecimal(x *exif.Exif, field exif.FieldName) (float64, bool) {
	tag, err := x.Get(field)
	if err != nil || tag.Count < 3 {
		return 0, false
	}

	var parts [3]float64
	for i := range 3 {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return 0, false
		}
		parts[i] = float64(num) / float64(den)
	}
	return parts[0] + parts[1]/60 + parts[2]/3600, true
}

func tagString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return strings.Trim(tag.String(), `"`)
	}
	return strings.TrimSpace(s)
}

func tagInt(x *exif.Exif, field exif.FieldName) int {
	tag, err := x.Get(field)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}

// tagRat returns a rational tag as a float, 0 when absent.
func tagRat(x *exif.Exif, field exif.FieldName) float64 {
	tag, err := x.Get(field)
	if err != nil {
		return 0
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// tagRatString keeps an exposure-time rational in its conventional "1/250"
// form when the numerator is 1, decimal otherwise.
func tagRatString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return ""
	}
	if num == 1 {
		return fmt.Sprintf("1/%d", den)
	}
	return fmt.Sprintf("%g", float64(num)/float64(den))
}
