// Package geo resolves GPS coordinates to the nearest known city with a
// distance-derived confidence.
package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Detection method tags stored on the image-to-city link.
const (
	MethodEXIFGPS      = "EXIF_GPS"
	MethodClosestMatch = "CLOSEST_MATCH"
	MethodManual       = "MANUAL"
)

// DefaultRadiusMiles is the search radius beyond which no link is made.
const DefaultRadiusMiles = 25.0

const earthRadiusMiles = 3958.8

// milesPerLatDegree is used for the latitude-band prefilter. One degree of
// latitude is close to 69 miles everywhere on the globe.
const milesPerLatDegree = 69.0

// City is a reference-table row with coordinates.
type City struct {
	ID        int64
	Name      string
	State     string
	Country   string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// CitySource supplies candidate cities inside a latitude band. The band is
// a cheap index-backed prefilter; exact distance is computed here.
type CitySource interface {
	CitiesInLatBand(ctx context.Context, minLat, maxLat float64) ([]City, error)
}

// Match is a resolved nearest city.
type Match struct {
	City          City
	DistanceMiles float64
	Confidence    float64
	Method        string
}

// Locator finds the nearest city within a fixed radius.
type Locator struct {
	source CitySource
	radius float64
}

func NewLocator(source CitySource) *Locator {
	return &Locator{source: source, radius: DefaultRadiusMiles}
}

// NewLocatorWithRadius overrides the search radius, for tests and tooling.
func NewLocatorWithRadius(source CitySource, radiusMiles float64) *Locator {
	return &Locator{source: source, radius: radiusMiles}
}

// Nearest returns the closest city within the radius, or nil when none
// qualifies. The method tag is recorded on the match unchanged.
func (l *Locator) Nearest(ctx context.Context, lat, lon float64, method string) (*Match, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}

	band := l.radius / milesPerLatDegree
	cities, err := l.source.CitiesInLatBand(ctx, lat-band, lat+band)
	if err != nil {
		return nil, fmt.Errorf("query cities: %w", err)
	}

	var best *Match
	for _, city := range cities {
		d := HaversineMiles(lat, lon, city.Latitude, city.Longitude)
		if d > l.radius {
			continue
		}
		if best == nil || d < best.DistanceMiles {
			best = &Match{City: city, DistanceMiles: d, Method: method}
		}
	}

	if best == nil {
		logrus.WithFields(logrus.Fields{"lat": lat, "lon": lon, "radius": l.radius}).
			Debug("no city within radius")
		return nil, nil
	}

	best.Confidence = ConfidenceForDistance(best.DistanceMiles)
	return best, nil
}

// HaversineMiles is the great-circle distance between two coordinates.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMiles * c
}

// ConfidenceForDistance maps distance to confidence, linearly inside each
// band so the mapping is monotone non-increasing:
//
//	<1 mi  -> 0.95..1.00
//	1-5    -> 0.85..0.95
//	5-15   -> 0.70..0.85
//	15-25  -> 0.50..0.70
//	>25    -> 0 (no link)
func ConfidenceForDistance(d float64) float64 {
	switch {
	case d < 0:
		return 0
	case d < 1:
		return 1.00 - 0.05*d
	case d < 5:
		return 0.95 - 0.10*(d-1)/4
	case d < 15:
		return 0.85 - 0.15*(d-5)/10
	case d <= 25:
		return 0.70 - 0.20*(d-15)/10
	default:
		return 0
	}
}
