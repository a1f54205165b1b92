// Package screenshot classifies images as screen captures using a weighted
// rule score over filename, EXIF presence and detected object classes.
package screenshot

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/exifdata"
)

// Rule weights. The score is the sum of matched weights clipped to 1.
const (
	weightFilename     = 0.40
	weightNoCameraTags = 0.30
	weightSoftware     = 0.20
	weightDeviceDims   = 0.20
	weightNoExposure   = 0.15
	weightScreenObject = 0.45
)

// screenObjectCoverage is the frame fraction a tv/laptop/phone box must
// cover before it counts as evidence.
const screenObjectCoverage = 0.40

// screenObjectConfidence is the detector confidence floor for the same rule.
const screenObjectConfidence = 0.90

var filenamePrefixes = []string{
	"screenshot",
	"screen shot",
	"screen_shot",
	"screencap",
	"capture d'écran",
	"bildschirmfoto",
}

var screenshotSoftware = []string{
	"preview",
	"chrome",
	"chromium",
	"safari",
	"firefox",
	"edge",
	"snipping tool",
	"grab",
	"flameshot",
	"spectacle",
}

var screenObjectClasses = map[string]bool{
	"tv":         true,
	"laptop":     true,
	"cell phone": true,
	"monitor":    true,
}

// deviceDimensions are exact pixel sizes of common phone, tablet and
// desktop screens. Only consulted for PNG input, the native capture format.
var deviceDimensions = map[[2]int]bool{
	{750, 1334}:  true, // iPhone 6/7/8
	{828, 1792}:  true, // iPhone XR/11
	{1080, 1920}: true,
	{1125, 2436}: true, // iPhone X/XS
	{1170, 2532}: true, // iPhone 12/13/14
	{1179, 2556}: true, // iPhone 15
	{1242, 2688}: true, // iPhone XS Max
	{1284, 2778}: true, // iPhone 12/13 Pro Max
	{1440, 2560}: true,
	{1536, 2048}: true, // iPad
	{1668, 2388}: true, // iPad Pro 11"
	{2048, 2732}: true, // iPad Pro 12.9"
	{1366, 768}:  true,
	{1920, 1080}: true,
	{2560, 1440}: true,
	{2880, 1800}: true, // MacBook Pro 15"
	{3024, 1964}: true, // MacBook Pro 14"
	{3456, 2234}: true, // MacBook Pro 16"
	{3840, 2160}: true,
}

// Object is a detected object reduced to what the classifier needs.
// Coverage is the object's box area divided by the frame area.
type Object struct {
	Label      string
	Confidence float64
	Coverage   float64
}

// Input carries the per-image evidence. Meta is nil when EXIF extraction
// failed; the classifier treats that as missing camera tags.
type Input struct {
	Filename string
	Format   string // decode format, e.g. "png", "jpeg"
	Width    int
	Height   int
	Meta     *exifdata.Metadata
	Objects  []Object
}

// Result is the classifier verdict.
type Result struct {
	IsScreenshot bool     `json:"isScreenshot"`
	Confidence   float64  `json:"confidence"`
	Reasons      []string `json:"reasons"`
}

// Classifier scores inputs against a configured threshold.
type Classifier struct {
	threshold float64
}

func New(cfg config.ScreenshotDetectionConfig) *Classifier {
	return &Classifier{threshold: cfg.Threshold}
}

// Classify is deterministic: the same input always yields the same result.
func (c *Classifier) Classify(in Input) Result {
	var score float64
	var reasons []string

	if matchesFilename(in.Filename) {
		score += weightFilename
		reasons = append(reasons, "filename-pattern")
	}

	if in.Meta == nil || !in.Meta.HasCameraTags() {
		score += weightNoCameraTags
		reasons = append(reasons, "no-camera-tags")
	}

	if in.Meta != nil && matchesSoftware(in.Meta.Software) {
		score += weightSoftware
		reasons = append(reasons, "software-tag")
	}

	if strings.EqualFold(in.Format, "png") && deviceDimensions[[2]int{in.Width, in.Height}] {
		score += weightDeviceDims
		reasons = append(reasons, "device-dimensions")
	}

	if in.Meta == nil || !in.Meta.HasExposure() {
		score += weightNoExposure
		reasons = append(reasons, "missing-exposure")
	}

	for _, obj := range in.Objects {
		if screenObjectClasses[strings.ToLower(obj.Label)] &&
			obj.Confidence >= screenObjectConfidence &&
			obj.Coverage > screenObjectCoverage {
			score += weightScreenObject
			reasons = append(reasons, fmt.Sprintf("screen-object:%s", strings.ToLower(obj.Label)))
			break
		}
	}

	if score > 1 {
		score = 1
	}

	return Result{
		IsScreenshot: score >= c.threshold,
		Confidence:   score,
		Reasons:      reasons,
	}
}

func matchesFilename(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, prefix := range filenamePrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

func matchesSoftware(software string) bool {
	s := strings.ToLower(software)
	if s == "" {
		return false
	}
	for _, known := range screenshotSoftware {
		if strings.Contains(s, known) {
			return true
		}
	}
	return false
}
