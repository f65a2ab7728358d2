package fleet

import (
	"fmt"
	"math"
	"strings"
)

// DistanceFunc measures the distance between two positions in the same
// unit as Node.Radius.
type DistanceFunc func(a, b Position) float64

// Metric names accepted by ParseMetric.
const (
	MetricPlanar    = "planar"
	MetricHaversine = "haversine"
)

// ParseMetric returns the distance function registered under name.
// An empty name selects the planar metric.
func ParseMetric(name string) (DistanceFunc, error) {
	switch strings.ToLower(name) {
	case "", MetricPlanar:
		return Planar, nil
	case MetricHaversine:
		return Haversine, nil
	}
	return nil, fmt.Errorf("unknown distance metric %q", name)
}

// Planar is the Euclidean distance on (X, Y).
func Planar(a, b Position) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Haversine treats Y as latitude and X as longitude and returns metres.
func Haversine(a, b Position) float64 {
	const earthRadius = 6371000.0
	dLat := (b.Y - a.Y) * math.Pi / 180
	dLon := (b.X - a.X) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Y*math.Pi/180)*math.Cos(b.Y*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// Within reports whether b lies inside a's radius or a inside b's. Either
// direction is enough for the two nodes to be adjacent.
func Within(dist DistanceFunc, a, b Node) bool {
	d := dist(a.Position, b.Position)
	return d <= a.Radius || d <= b.Radius
}
