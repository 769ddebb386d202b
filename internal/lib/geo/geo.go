package geo

import (
	"fmt"
	"math"

	"github.com/twpayne/go-polyline"
)

// Earth's mean radius in meters
const earthRadius = 6371000

// NewPoint creates a Point from latitude and longitude values with validation
func NewPoint(latitude, longitude float64) (Point, error) {
	point := Point{Latitude: latitude, Longitude: longitude}
	if !point.Valid() {
		return Point{}, ErrInvalidCoordinate
	}
	return point, nil
}

// Valid reports whether the point lies inside WGS84 ranges
func (p Point) Valid() bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// Equal reports whether both coordinates are identical
func (p Point) Equal(other Point) bool {
	return p.Latitude == other.Latitude && p.Longitude == other.Longitude
}

// Distance calculates great-circle distance between two points using Haversine formula
func Distance(p1, p2 Point) float64 {
	if p1.Equal(p2) {
		return 0
	}

	lat1 := toRadians(p1.Latitude)
	lon1 := toRadians(p1.Longitude)
	lat2 := toRadians(p2.Latitude)
	lon2 := toRadians(p2.Longitude)

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Bearing returns the initial great-circle bearing from p1 to p2 in degrees [0, 360)
func Bearing(p1, p2 Point) float64 {
	lat1 := toRadians(p1.Latitude)
	lat2 := toRadians(p2.Latitude)
	dlon := toRadians(p2.Longitude - p1.Longitude)

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)

	bearing := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// Destination returns the point reached by travelling meters from p along
// the given initial bearing
func Destination(p Point, bearing, meters float64) Point {
	lat1 := toRadians(p.Latitude)
	lon1 := toRadians(p.Longitude)
	theta := toRadians(bearing)
	delta := meters / earthRadius

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	return Point{
		Latitude:  toDegrees(lat2),
		Longitude: math.Mod(toDegrees(lon2)+540, 360) - 180,
	}
}

// ProjectOntoSegment finds the closest point to p on the segment from start to end.
//
// The segment is flattened onto a local equirectangular plane, which is accurate
// for road-scale segments and keeps the mapping between degrees and meters affine:
// a point interpolated linearly between start and end projects back onto itself.
func ProjectOntoSegment(p, start, end Point) Projection {
	if start.Equal(end) {
		return Projection{Point: start, Fraction: 0, Distance: Distance(p, start)}
	}

	// Meters per degree on the plane, scaled at the segment's mean latitude
	kLat := earthRadius * math.Pi / 180
	kLon := kLat * math.Cos(toRadians((start.Latitude+end.Latitude)/2))

	vx := (end.Longitude - start.Longitude) * kLon
	vy := (end.Latitude - start.Latitude) * kLat
	wx := (p.Longitude - start.Longitude) * kLon
	wy := (p.Latitude - start.Latitude) * kLat

	denom := vx*vx + vy*vy
	t := 0.0
	if denom > 0 {
		t = (wx*vx + wy*vy) / denom
	}
	t = math.Max(0, math.Min(1, t))

	projected := interpolate(start, end, t)
	return Projection{
		Point:    projected,
		Fraction: t,
		Distance: Distance(p, projected),
	}
}

// ProjectOntoPolyline returns the best projection of p across consecutive
// segments of points. The earliest segment wins exact ties.
func ProjectOntoPolyline(p Point, points []Point) (PolylineProjection, error) {
	if len(points) == 0 {
		return PolylineProjection{}, fmt.Errorf("%w: polyline has no points", ErrInvalidGeometry)
	}

	if len(points) == 1 {
		return PolylineProjection{
			Projection: Projection{Point: points[0], Distance: Distance(p, points[0])},
		}, nil
	}

	best := PolylineProjection{Projection: Projection{Distance: math.Inf(1)}}
	along := 0.0

	for i := 0; i < len(points)-1; i++ {
		segmentLength := Distance(points[i], points[i+1])
		projection := ProjectOntoSegment(p, points[i], points[i+1])

		if projection.Distance < best.Distance {
			best = PolylineProjection{
				Projection:    projection,
				SegmentIndex:  i,
				DistanceAlong: along + projection.Fraction*segmentLength,
			}
		}
		along += segmentLength
	}

	return best, nil
}

// PolylineLength sums the great-circle length of every segment
func PolylineLength(points []Point) float64 {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		total += Distance(points[i], points[i+1])
	}
	return total
}

// PointAlong returns the point at the given distance from the start of the
// polyline. Distances outside the line clamp to its endpoints.
func PointAlong(points []Point, meters float64) (Point, error) {
	if len(points) == 0 {
		return Point{}, fmt.Errorf("%w: polyline has no points", ErrInvalidGeometry)
	}
	if meters <= 0 || len(points) == 1 {
		return points[0], nil
	}

	remaining := meters
	for i := 0; i < len(points)-1; i++ {
		segmentLength := Distance(points[i], points[i+1])
		if segmentLength > 0 && remaining <= segmentLength {
			return interpolate(points[i], points[i+1], remaining/segmentLength), nil
		}
		remaining -= segmentLength
	}

	return points[len(points)-1], nil
}

// Resample returns points spaced evenly every spacing meters along the
// polyline. Both endpoints are always included.
func Resample(points []Point, spacing float64) ([]Point, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: polyline has no points", ErrInvalidGeometry)
	}
	if spacing <= 0 || math.IsNaN(spacing) {
		return nil, fmt.Errorf("%w: spacing must be positive", ErrInvalidGeometry)
	}

	total := PolylineLength(points)
	if total == 0 {
		return []Point{points[0]}, nil
	}

	count := int(math.Ceil(total / spacing))
	resampled := make([]Point, 0, count+1)
	for i := 0; i < count; i++ {
		pt, err := PointAlong(points, float64(i)*spacing)
		if err != nil {
			return nil, err
		}
		resampled = append(resampled, pt)
	}

	return append(resampled, points[len(points)-1]), nil
}

// DecodePolyline decodes an encoded polyline string at the given precision
// (5 for Google and OSRM defaults, 6 for polyline6)
func DecodePolyline(encoded string, precision int) ([]Point, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: encoded polyline string is empty", ErrInvalidGeometry)
	}

	codec, err := codecFor(precision)
	if err != nil {
		return nil, err
	}

	coords, _, err := codec.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode polyline: %v", ErrInvalidGeometry, err)
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{Latitude: coord[0], Longitude: coord[1]}

		if !points[i].Valid() {
			return nil, fmt.Errorf("%w: decoded polyline contains invalid coordinates", ErrInvalidGeometry)
		}
	}

	return points, nil
}

// EncodePolyline encodes points into a polyline string at the given precision
func EncodePolyline(points []Point, precision int) (string, error) {
	codec, err := codecFor(precision)
	if err != nil {
		return "", err
	}

	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}

	return string(codec.EncodeCoords(nil, coords)), nil
}

func codecFor(precision int) (polyline.Codec, error) {
	if precision < 1 || precision > 10 {
		return polyline.Codec{}, fmt.Errorf("%w: unsupported polyline precision %d", ErrInvalidGeometry, precision)
	}
	return polyline.Codec{Dim: 2, Scale: math.Pow10(precision)}, nil
}

// interpolate returns the point at fraction t between start and end.
// Linear interpolation in degrees is adequate for road segments.
func interpolate(start, end Point, t float64) Point {
	return Point{
		Latitude:  start.Latitude + t*(end.Latitude-start.Latitude),
		Longitude: start.Longitude + t*(end.Longitude-start.Longitude),
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
