package tracker

import (
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
)

// NavigationState is an immutable snapshot of a session. Every field is
// derived from the same route revision.
type NavigationState struct {
	Phase     Phase `json:"phase"`
	StepIndex int   `json:"step_index"`
	StepCount int   `json:"step_count"`

	DistanceToNextManeuver float64       `json:"distance_to_next_maneuver"` // meters left in the current step
	DistanceRemaining      float64       `json:"distance_remaining"`        // meters left in the route
	DurationRemaining      time.Duration `json:"duration_remaining"`
	Deviation              float64       `json:"deviation"` // meters from the route line

	SnappedLocation geo.Point              `json:"snapped_location"`
	LastLocation    *location.UserLocation `json:"last_location,omitempty"`
	Instruction     route.Instruction      `json:"instruction"`

	Route         *route.Route `json:"-"`
	RouteRevision int          `json:"route_revision"`
}

// EventKind names a navigation trigger
type EventKind string

const (
	EventStepAdvanced         EventKind = "step_advanced"
	EventRerouteNeeded        EventKind = "reroute_needed"
	EventArrived              EventKind = "arrived"
	EventRouteReplaced        EventKind = "route_replaced"
	EventRerouteFailed        EventKind = "reroute_failed"
	EventInstructionTriggered EventKind = "instruction_triggered"
	EventRouteReacquired      EventKind = "route_reacquired"
)

// Event is a trigger emitted by a state transition. Seq increases by one per
// event within a tracker, in the order the transitions happened.
type Event struct {
	Seq           uint64
	Kind          EventKind
	StepIndex     int
	RouteRevision int

	// Location is the fix that caused the event, when there was one
	Location *location.UserLocation
	// Route is the newly installed route on RouteReplaced
	Route *route.Route
	// TriggerKey identifies the spoken trigger on InstructionTriggered
	TriggerKey string
	// Err describes why a reroute attempt failed on RerouteFailed
	Err error
}

// EventSink receives events in emission order while the tracker lock is
// held. Implementations must return quickly and never call back into the
// tracker.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to the EventSink interface
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}
