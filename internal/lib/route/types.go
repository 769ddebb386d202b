package route

import (
	"errors"
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
)

// ErrInvalidRoute is returned when a route or one of its steps cannot be navigated
var ErrInvalidRoute = errors.New("invalid route")

// Maneuver types, following the OSRM vocabulary
const (
	ManeuverDepart     = "depart"
	ManeuverTurn       = "turn"
	ManeuverContinue   = "continue"
	ManeuverMerge      = "merge"
	ManeuverFork       = "fork"
	ManeuverRoundabout = "roundabout"
	ManeuverArrive     = "arrive"
)

// Maneuver describes the action that completes a step
type Maneuver struct {
	Type     string `json:"type"`
	Modifier string `json:"modifier,omitempty"` // "left", "slight right", "uturn", ...
}

// Instruction is the structured metadata guidance layers render or announce.
// Text generation is left to consumers; TextKey identifies the template.
type Instruction struct {
	Maneuver Maneuver `json:"maneuver"`
	TextKey  string   `json:"text_key,omitempty"`
}

// SpokenTrigger asks for an announcement once the user is within
// DistanceBeforeManeuver meters of the end of the step
type SpokenTrigger struct {
	Key                    string  `json:"key"`
	DistanceBeforeManeuver float64 `json:"distance_before_maneuver"`
}

// Step is one maneuver-bounded segment of a route. Immutable once constructed.
type Step struct {
	geometry    []geo.Point
	instruction Instruction
	distance    float64
	duration    time.Duration
	triggers    []SpokenTrigger
}

// Route is an ordered, immutable plan of steps from origin to destination
type Route struct {
	steps    []Step
	distance float64
	duration time.Duration
}

// EncodedStep is a step whose geometry is an encoded polyline
type EncodedStep struct {
	Polyline    string          `json:"polyline"`
	Instruction Instruction     `json:"instruction"`
	Duration    time.Duration   `json:"duration"`
	Triggers    []SpokenTrigger `json:"triggers,omitempty"`
}
