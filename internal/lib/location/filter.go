package location

import (
	"fmt"
	"math"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
)

// StandardFilter drops fixes that are invalid, out of order, too inaccurate
// or too close to the previous accepted fix. Everything else passes through
// unchanged apart from discarding out-of-range course and speed readings.
type StandardFilter struct {
	// MaxHorizontalAccuracy is the worst accuracy in meters still trusted. Zero disables the check.
	MaxHorizontalAccuracy float64
	// MinimumMovement is the distance in meters a fix must move from the last accepted one. Zero disables the check.
	MinimumMovement float64

	last *UserLocation
}

// NewStandardFilter creates a filter with the given thresholds
func NewStandardFilter(maxHorizontalAccuracy, minimumMovement float64) *StandardFilter {
	return &StandardFilter{
		MaxHorizontalAccuracy: maxHorizontalAccuracy,
		MinimumMovement:       minimumMovement,
	}
}

// Accept applies the checks in order: coordinate validity, chronology,
// accuracy, then movement. A fix whose timestamp is not strictly after the
// last accepted fix is stale, which also drops duplicates.
func (f *StandardFilter) Accept(raw UserLocation) (UserLocation, Outcome) {
	if !raw.Coordinate.Valid() {
		return raw, Ignored(ReasonInvalidCoordinate)
	}

	if f.last != nil && !raw.Timestamp.After(f.last.Timestamp) {
		return raw, Ignored(ReasonStaleLocation)
	}

	if f.MaxHorizontalAccuracy > 0 && knownAccuracy(raw.HorizontalAccuracy) &&
		raw.HorizontalAccuracy > f.MaxHorizontalAccuracy {
		return raw, Ignored(ReasonLowAccuracy)
	}

	if f.MinimumMovement > 0 && f.last != nil &&
		geo.Distance(f.last.Coordinate, raw.Coordinate) < f.MinimumMovement {
		return raw, Ignored(ReasonBelowMinimumMovement)
	}

	accepted := sanitize(raw)
	f.last = &accepted
	return accepted, Accepted()
}

// Last returns the most recent accepted fix
func (f *StandardFilter) Last() (UserLocation, bool) {
	if f.last == nil {
		return UserLocation{}, false
	}
	return *f.last, true
}

func knownAccuracy(accuracy float64) bool {
	return accuracy >= 0 && !math.IsNaN(accuracy)
}

// sanitize drops course and speed readings the platform reported out of range
func sanitize(loc UserLocation) UserLocation {
	if loc.Course != nil {
		c := *loc.Course
		if math.IsNaN(c) || c < 0 || c >= 360 {
			loc.Course = nil
		}
	}
	if loc.Speed != nil {
		s := *loc.Speed
		if math.IsNaN(s) || s < 0 {
			loc.Speed = nil
		}
	}
	return loc
}

// SmoothingFilter wraps another filter and exponentially smooths the
// coordinates it accepts. Alpha is the weight kept from the previous smoothed
// position: 0 passes fixes through, values close to 1 smooth heavily.
type SmoothingFilter struct {
	next     Filter
	alpha    float64
	smoothed *geo.Point
}

// NewSmoothingFilter creates a smoothing decorator around next
func NewSmoothingFilter(next Filter, alpha float64) (*SmoothingFilter, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: smoothing requires an inner filter", ErrInvalidFilter)
	}
	if math.IsNaN(alpha) || alpha < 0 || alpha >= 1 {
		return nil, fmt.Errorf("%w: alpha must be in [0, 1), got %v", ErrInvalidFilter, alpha)
	}
	return &SmoothingFilter{next: next, alpha: alpha}, nil
}

func (f *SmoothingFilter) Accept(raw UserLocation) (UserLocation, Outcome) {
	loc, outcome := f.next.Accept(raw)
	if !outcome.IsAccepted() {
		return loc, outcome
	}

	if f.smoothed == nil {
		p := loc.Coordinate
		f.smoothed = &p
		return loc, outcome
	}

	a := f.alpha
	f.smoothed.Latitude = a*f.smoothed.Latitude + (1-a)*loc.Coordinate.Latitude
	f.smoothed.Longitude = a*f.smoothed.Longitude + (1-a)*loc.Coordinate.Longitude

	loc.Coordinate = *f.smoothed
	return loc, outcome
}
