package location

import (
	"errors"
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
)

// ErrInvalidFilter is returned when a filter is built with unusable parameters
var ErrInvalidFilter = errors.New("invalid location filter")

// UserLocation is a single position fix from a sensor, simulator or replay
type UserLocation struct {
	Coordinate         geo.Point `json:"coordinate"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"` // meters, negative when unknown
	Course             *float64  `json:"course,omitempty"`    // degrees clockwise from north
	Speed              *float64  `json:"speed,omitempty"`     // meters per second
	Timestamp          time.Time `json:"timestamp"`
}

// Status is the coarse result of offering a fix to the navigation core
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusIgnored  Status = "ignored"
)

// Reason explains why a fix was ignored
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonStaleLocation        Reason = "stale_location"
	ReasonLowAccuracy          Reason = "low_accuracy"
	ReasonBelowMinimumMovement Reason = "below_minimum_movement"
	ReasonInvalidCoordinate    Reason = "invalid_coordinate"
	ReasonNavigationEnded      Reason = "navigation_ended"
)

// Outcome is reported for every update. Ignored fixes are ordinary sensor
// noise and never surface as errors.
type Outcome struct {
	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`
}

// Accepted is the outcome of a fix that reached the tracker
func Accepted() Outcome {
	return Outcome{Status: StatusAccepted}
}

// Ignored is the outcome of a fix that was dropped for the given reason
func Ignored(reason Reason) Outcome {
	return Outcome{Status: StatusIgnored, Reason: reason}
}

func (o Outcome) IsAccepted() bool { return o.Status == StatusAccepted }

func (o Outcome) String() string {
	if o.Reason == ReasonNone {
		return string(o.Status)
	}
	return string(o.Status) + "(" + string(o.Reason) + ")"
}

// Filter decides whether a raw fix may influence tracking. Implementations
// may rewrite the fix (smoothing) before returning it. Filters are stateful
// and not safe for concurrent use; the tracker serialises calls.
type Filter interface {
	Accept(raw UserLocation) (UserLocation, Outcome)
}

// FilterFunc adapts a function to the Filter interface
type FilterFunc func(raw UserLocation) (UserLocation, Outcome)

func (f FilterFunc) Accept(raw UserLocation) (UserLocation, Outcome) {
	return f(raw)
}
