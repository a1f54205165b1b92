package pipeline

import (
	"context"
	"image"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/analyze"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/exifdata"
	"github.com/photokeep/photokeep/internal/faces"
)

// writeFaceCrops maps service face boxes into upright coordinates, writes a
// padded crop per face and returns the rows to persist. A crop failure is
// logged and leaves relative_face_path null; the face row itself survives.
func (p *Pipeline) writeFaceCrops(log *logrus.Entry, upright image.Image, hash string, decoded *analyze.Decoded, orientation int, hits []faceHit) []database.DetectedFace {
	rows := make([]database.DetectedFace, len(hits))
	for i, hit := range hits {
		det := hit.det
		box := faces.TransformBox(faces.Box{
			XMin: float64(det.Box.XMin),
			YMin: float64(det.Box.YMin),
			XMax: float64(det.Box.XMax),
			YMax: float64(det.Box.YMax),
		}, orientation, float64(decoded.Width), float64(decoded.Height))

		rows[i] = database.DetectedFace{
			XMin:              int(box.XMin),
			YMin:              int(box.YMin),
			XMax:              int(box.XMax),
			YMax:              int(box.YMax),
			Probability:       det.Box.Probability,
			Landmarks:         det.Landmarks,
			PosePitch:         det.Pose.Pitch,
			PoseRoll:          det.Pose.Roll,
			PoseYaw:           det.Pose.Yaw,
			AgeLow:            det.Age.Low,
			AgeHigh:           det.Age.High,
			Gender:            det.Gender.Value,
			GenderProbability: det.Gender.Probability,
			Embedding:         toFloat32(det.Embedding),
		}

		crop, err := faces.Crop(upright, box)
		if err != nil {
			log.WithError(err).WithField("face", i).Warn("face crop skipped")
			continue
		}
		encoded, err := analyze.EncodeJPEG(crop, cropJPEGQuality)
		if err != nil {
			log.WithError(err).WithField("face", i).Warn("face crop encode failed")
			continue
		}
		rel := p.layout.FaceCropPath(hash, i, ".jpg")
		if err := p.layout.WriteFile(rel, encoded); err != nil {
			log.WithError(err).WithField("face", i).Warn("face crop write failed")
			continue
		}
		rows[i].RelativeFacePath = &rel
	}
	return rows
}

// assignRecognizedFaces applies the recognition thresholds: at or above
// autoAssign the face is assigned outright; between review and autoAssign it
// is assigned but flagged for review; below review it stays unassigned.
func (p *Pipeline) assignRecognizedFaces(ctx context.Context, log *logrus.Entry, rows []database.DetectedFace, hits []faceHit) {
	for i, hit := range hits {
		if len(hit.subjects) == 0 {
			continue
		}
		top := hit.subjects[0]
		if top.Similarity < p.reviewMin {
			continue
		}
		person, err := p.store.GetPersonByName(ctx, top.Subject)
		if err != nil {
			log.WithError(err).WithField("subject", top.Subject).Warn("cannot resolve recognized subject")
			continue
		}
		if person == nil {
			log.WithField("subject", top.Subject).Warn("recognized subject has no person row")
			continue
		}

		method := database.MethodRecognition
		confidence := top.Similarity
		rows[i].PersonID = &person.ID
		rows[i].RecognitionConfidence = &confidence
		rows[i].RecognitionMethod = &method
		rows[i].NeedsReview = top.Similarity < p.autoAssignMin
	}
}

// metadataRow builds the 1:1 metadata companion row. It is never nil: every
// image gets exactly one row, empty when EXIF was unreadable.
func metadataRow(meta *exifdata.Metadata, orientation int) *database.ImageMetadata {
	row := &database.ImageMetadata{Orientation: orientation}
	if meta == nil {
		return row
	}

	row.CameraMake = strPtr(meta.CameraMake)
	row.CameraModel = strPtr(meta.CameraModel)
	row.Software = strPtr(meta.Software)
	row.Aperture = floatPtr(meta.Aperture)
	row.ShutterSpeed = strPtr(meta.ShutterSpeed)
	row.ISO = intPtr(meta.ISO)
	row.FocalLength = floatPtr(meta.FocalLength)
	row.FocalLength35mm = intPtr(meta.FocalLength35mm)
	row.ExposureProgram = strPtr(exposureProgramName(meta.ExposureProgram))
	row.MeteringMode = strPtr(meteringModeName(meta.MeteringMode))
	row.ExposureBias = floatPtr(meta.ExposureBias)
	row.WhiteBalance = strPtr(whiteBalanceName(meta.WhiteBalance))
	row.Flash = strPtr(flashName(meta.Flash))
	row.ColorSpace = strPtr(colorSpaceName(meta.ColorSpace))
	row.SubSecTime = strPtr(meta.SubSecTime)
	row.TimezoneOffset = strPtr(meta.TimezoneOffset)
	row.Artist = strPtr(meta.Artist)
	row.Copyright = strPtr(meta.Copyright)
	row.Description = strPtr(meta.Description)
	row.Rating = intPtr(meta.Rating)
	row.LensMake = strPtr(meta.LensMake)
	row.LensModel = strPtr(meta.LensModel)
	row.RawTags = meta.Tags

	if gps := meta.GPS; gps != nil {
		row.GPSLatitude = &gps.Latitude
		row.GPSLongitude = &gps.Longitude
		row.GPSAltitude = floatPtr(gps.Altitude)
		row.GPSBearing = floatPtr(gps.Bearing)
		row.GPSSpeed = floatPtr(gps.Speed)
		row.GPSDOP = floatPtr(gps.DOP)
		row.GPSLatRef = strPtr(gps.LatitudeRef)
		row.GPSLonRef = strPtr(gps.LongitudeRef)
		row.GPSDatum = strPtr(gps.Datum)
		row.GPSPositionError = floatPtr(gps.PositioningError)
	}
	return row
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatPtr(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func toFloat32(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// EXIF code tables (the subset cameras actually emit).

func exposureProgramName(code int) string {
	names := map[int]string{
		1: "manual",
		2: "program",
		3: "aperture-priority",
		4: "shutter-priority",
		5: "creative",
		6: "action",
		7: "portrait",
		8: "landscape",
	}
	if n, ok := names[code]; ok {
		return n
	}
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}

func meteringModeName(code int) string {
	names := map[int]string{
		1: "average",
		2: "center-weighted",
		3: "spot",
		4: "multi-spot",
		5: "pattern",
		6: "partial",
	}
	if n, ok := names[code]; ok {
		return n
	}
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}

func whiteBalanceName(code int) string {
	switch code {
	case 1:
		return "manual"
	default:
		// 0 means auto, but an absent tag also reads as 0; leave it null.
		return ""
	}
}

func flashName(code int) string {
	if code == 0 {
		return ""
	}
	if code&1 == 1 {
		return "fired"
	}
	return "not-fired"
}

func colorSpaceName(code int) string {
	switch code {
	case 1:
		return "sRGB"
	case 65535:
		return "uncalibrated"
	case 0:
		return ""
	default:
		return strconv.Itoa(code)
	}
}
