package geo

import "errors"

var (
	// ErrInvalidGeometry is returned when a polyline has no points or a sampling parameter is unusable.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrInvalidCoordinate is returned for latitudes outside [-90, 90] or longitudes outside [-180, 180].
	ErrInvalidCoordinate = errors.New("invalid coordinates: latitude must be [-90, 90], longitude must be [-180, 180]")
)

// Point represents a WGS84 coordinate in degrees
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Projection is the result of snapping a point onto a single segment
type Projection struct {
	// Point is the closest point on the segment
	Point Point `json:"point"`

	// Fraction is the position of Point along the segment, in [0, 1]
	Fraction float64 `json:"fraction"`

	// Distance is the perpendicular distance in meters from the input to Point
	Distance float64 `json:"distance_meters"`
}

// PolylineProjection is the best projection of a point across all segments of a polyline
type PolylineProjection struct {
	Projection

	// SegmentIndex is the index of the segment start point
	SegmentIndex int `json:"segment_index"`

	// DistanceAlong is the distance in meters from the first point of the polyline to Point
	DistanceAlong float64 `json:"distance_along_meters"`
}
