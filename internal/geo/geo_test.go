package geo

import (
	"context"
	"math"
	"testing"
)

type staticSource struct {
	cities []City
}

func (s *staticSource) CitiesInLatBand(_ context.Context, minLat, maxLat float64) ([]City, error) {
	var out []City
	for _, c := range s.cities {
		if c.Latitude >= minLat && c.Latitude <= maxLat {
			out = append(out, c)
		}
	}
	return out, nil
}

var bayArea = &staticSource{cities: []City{
	{ID: 1, Name: "San Francisco", State: "CA", Country: "US", Latitude: 37.7749, Longitude: -122.4194},
	{ID: 2, Name: "Oakland", State: "CA", Country: "US", Latitude: 37.8044, Longitude: -122.2712},
	{ID: 3, Name: "San Jose", State: "CA", Country: "US", Latitude: 37.3387, Longitude: -121.8853},
	{ID: 4, Name: "Sacramento", State: "CA", Country: "US", Latitude: 38.5816, Longitude: -121.4944},
}}

func TestHaversineMiles(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tol                    float64
	}{
		{"same point", 37.7749, -122.4194, 37.7749, -122.4194, 0, 0.001},
		{"sf to oakland", 37.7749, -122.4194, 37.8044, -122.2712, 8.4, 0.5},
		{"sf to la", 37.7749, -122.4194, 34.0522, -118.2437, 347, 5},
		{"across meridian", 51.5074, -0.1278, 48.8566, 2.3522, 213, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineMiles(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("distance = %.2f, want %.2f +/- %.2f", got, tt.want, tt.tol)
			}
		})
	}
}

func TestNearest_ExactCity(t *testing.T) {
	locator := NewLocator(bayArea)

	match, err := locator.Nearest(context.Background(), 37.7749, -122.4194, MethodEXIFGPS)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.City.Name != "San Francisco" {
		t.Errorf("city = %s, want San Francisco", match.City.Name)
	}
	if match.Confidence < 0.95 {
		t.Errorf("confidence = %v, want >= 0.95 for < 1 mi", match.Confidence)
	}
	if match.Method != MethodEXIFGPS {
		t.Errorf("method = %s, want %s", match.Method, MethodEXIFGPS)
	}
}

func TestNearest_PicksClosest(t *testing.T) {
	locator := NewLocator(bayArea)

	// Point just east of Oakland's center.
	match, err := locator.Nearest(context.Background(), 37.8, -122.25, MethodClosestMatch)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if match == nil || match.City.Name != "Oakland" {
		t.Fatalf("match = %+v, want Oakland", match)
	}
}

func TestNearest_NoCityInRadius(t *testing.T) {
	locator := NewLocator(bayArea)

	// Middle of the Pacific.
	match, err := locator.Nearest(context.Background(), 30.0, -140.0, MethodEXIFGPS)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if match != nil {
		t.Errorf("expected no match, got %+v", match)
	}
}

func TestNearest_RejectsInvalidCoordinates(t *testing.T) {
	locator := NewLocator(bayArea)

	if _, err := locator.Nearest(context.Background(), 91, 0, MethodEXIFGPS); err == nil {
		t.Error("latitude 91 accepted")
	}
	if _, err := locator.Nearest(context.Background(), 0, -181, MethodEXIFGPS); err == nil {
		t.Error("longitude -181 accepted")
	}
}

func TestConfidenceForDistance_Bands(t *testing.T) {
	tests := []struct {
		d        float64
		min, max float64
	}{
		{0, 1.00, 1.00},
		{0.5, 0.95, 1.00},
		{1, 0.85, 0.95},
		{3, 0.85, 0.95},
		{5, 0.70, 0.85},
		{10, 0.70, 0.85},
		{15, 0.50, 0.70},
		{20, 0.50, 0.70},
		{25, 0.50, 0.70},
		{26, 0, 0},
	}

	for _, tt := range tests {
		got := ConfidenceForDistance(tt.d)
		if got < tt.min || got > tt.max {
			t.Errorf("ConfidenceForDistance(%v) = %v, want in [%v, %v]", tt.d, got, tt.min, tt.max)
		}
	}
}

func TestConfidenceForDistance_Monotone(t *testing.T) {
	prev := ConfidenceForDistance(0)
	for d := 0.1; d <= 30; d += 0.1 {
		cur := ConfidenceForDistance(d)
		if cur > prev {
			t.Fatalf("confidence increased at d=%.1f: %v -> %v", d, prev, cur)
		}
		prev = cur
	}
}
