package route

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
)

// NewStep validates and builds a Step. A non-positive distance is replaced by
// the length of the geometry.
func NewStep(geometry []geo.Point, instruction Instruction, distance float64, duration time.Duration, triggers ...SpokenTrigger) (Step, error) {
	if len(geometry) < 2 {
		return Step{}, fmt.Errorf("%w: step must have at least 2 points", ErrInvalidRoute)
	}
	for _, p := range geometry {
		if !p.Valid() {
			return Step{}, fmt.Errorf("%w: step contains invalid coordinates %v", ErrInvalidRoute, p)
		}
	}
	if duration < 0 {
		return Step{}, fmt.Errorf("%w: negative step duration", ErrInvalidRoute)
	}
	for _, trigger := range triggers {
		if trigger.DistanceBeforeManeuver < 0 {
			return Step{}, fmt.Errorf("%w: negative trigger distance for %q", ErrInvalidRoute, trigger.Key)
		}
	}

	if distance <= 0 {
		distance = geo.PolylineLength(geometry)
	}

	return Step{
		geometry:    append([]geo.Point(nil), geometry...),
		instruction: instruction,
		distance:    distance,
		duration:    duration,
		triggers:    append([]SpokenTrigger(nil), triggers...),
	}, nil
}

// Geometry returns a copy of the step's points
func (s Step) Geometry() []geo.Point {
	return append([]geo.Point(nil), s.geometry...)
}

// Points exposes the step's points without copying. Callers must not modify the slice.
func (s Step) Points() []geo.Point {
	return s.geometry
}

func (s Step) Instruction() Instruction { return s.instruction }
func (s Step) Distance() float64 { return s.distance }
func (s Step) Duration() time.Duration { return s.duration }
func (s Step) Start() geo.Point { return s.geometry[0] }
func (s Step) End() geo.Point { return s.geometry[len(s.geometry)-1] }

// Triggers returns a copy of the step's spoken instruction triggers
func (s Step) Triggers() []SpokenTrigger {
	return append([]SpokenTrigger(nil), s.triggers...)
}

// NewRoute builds a Route from at least one valid step
func NewRoute(steps ...Step) (*Route, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: route has no steps", ErrInvalidRoute)
	}

	r := &Route{steps: make([]Step, len(steps))}
	for i, step := range steps {
		// Catches zero-value steps built without NewStep
		if len(step.geometry) < 2 {
			return nil, fmt.Errorf("%w: step %d must have at least 2 points", ErrInvalidRoute, i)
		}
		r.steps[i] = step
		r.distance += step.distance
		r.duration += step.duration
	}

	return r, nil
}

// FromEncodedSteps decodes each step's polyline at the given precision and builds a route
func FromEncodedSteps(precision int, encoded ...EncodedStep) (*Route, error) {
	steps := make([]Step, 0, len(encoded))
	for i, es := range encoded {
		points, err := geo.DecodePolyline(es.Polyline, precision)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidRoute, i, err)
		}

		step, err := NewStep(points, es.Instruction, 0, es.Duration, es.Triggers...)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return NewRoute(steps...)
}

// FromGeoJSON builds a route from a FeatureCollection whose LineString features
// are the steps, in order. Recognised feature properties: maneuver_type,
// maneuver_modifier, text_key, distance_meters, duration_seconds.
func FromGeoJSON(data []byte) (*Route, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse GeoJSON: %v", ErrInvalidRoute, err)
	}

	var steps []Step
	for i, feature := range fc.Features {
		if feature.Geometry == nil {
			return nil, fmt.Errorf("%w: feature %d has no geometry", ErrInvalidRoute, i)
		}
		line, ok := feature.Geometry.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("%w: feature %d is %s, expected LineString", ErrInvalidRoute, i, feature.Geometry.GeoJSONType())
		}

		instruction := Instruction{
			Maneuver: Maneuver{
				Type:     feature.Properties.MustString("maneuver_type", ManeuverContinue),
				Modifier: feature.Properties.MustString("maneuver_modifier", ""),
			},
			TextKey: feature.Properties.MustString("text_key", ""),
		}
		distance := feature.Properties.MustFloat64("distance_meters", 0)
		duration := time.Duration(feature.Properties.MustFloat64("duration_seconds", 0) * float64(time.Second))

		step, err := NewStep(PointsFromLineString(line), instruction, distance, duration)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return NewRoute(steps...)
}

// PointsFromLineString converts GeoJSON [lon, lat] positions into points
func PointsFromLineString(line orb.LineString) []geo.Point {
	points := make([]geo.Point, len(line))
	for i, p := range line {
		points[i] = geo.Point{Latitude: p.Lat(), Longitude: p.Lon()}
	}
	return points
}

// Steps returns a copy of the route's steps
func (r *Route) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// Step returns the step at index i. Out-of-range indices panic.
func (r *Route) Step(i int) Step {
	return r.steps[i]
}

func (r *Route) StepCount() int { return len(r.steps) }
func (r *Route) Distance() float64 { return r.distance }
func (r *Route) Duration() time.Duration { return r.duration }

// Origin is the first point of the first step
func (r *Route) Origin() geo.Point {
	return r.steps[0].Start()
}

// Destination is the last point of the last step
func (r *Route) Destination() geo.Point {
	return r.steps[len(r.steps)-1].End()
}

// Geometry concatenates every step's points, dropping the duplicated joint
// point where one step ends exactly where the next begins
func (r *Route) Geometry() []geo.Point {
	var points []geo.Point
	for _, step := range r.steps {
		pts := step.geometry
		if len(points) > 0 && points[len(points)-1].Equal(pts[0]) {
			pts = pts[1:]
		}
		points = append(points, pts...)
	}
	return points
}

// DistanceAfterStep is the total distance of the steps following step i
func (r *Route) DistanceAfterStep(i int) float64 {
	total := 0.0
	for j := i + 1; j < len(r.steps); j++ {
		total += r.steps[j].distance
	}
	return total
}

// DurationAfterStep is the total duration of the steps following step i
func (r *Route) DurationAfterStep(i int) time.Duration {
	var total time.Duration
	for j := i + 1; j < len(r.steps); j++ {
		total += r.steps[j].duration
	}
	return total
}
