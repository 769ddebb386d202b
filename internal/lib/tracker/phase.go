package tracker

// Phase is the lifecycle stage of a navigation session
type Phase string

const (
	PhaseInitial    Phase = "initial"
	PhaseNavigating Phase = "navigating"
	PhaseOffRoute   Phase = "off_route"
	PhaseArrived    Phase = "arrived"
	PhaseComplete   Phase = "complete"
)

// validTransitions defines the navigation state machine
var validTransitions = map[Phase][]Phase{
	PhaseInitial:    {PhaseNavigating, PhaseComplete},
	PhaseNavigating: {PhaseOffRoute, PhaseArrived, PhaseComplete},
	PhaseOffRoute:   {PhaseNavigating, PhaseArrived, PhaseComplete},
	PhaseArrived:    {PhaseComplete},
	PhaseComplete:   {},
}

// IsValid returns true if the phase is a recognized phase
func (p Phase) IsValid() bool {
	_, exists := validTransitions[p]
	return exists
}

// CanTransitionTo returns true if a transition from this phase to the target is allowed
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether location updates can still change the session.
// Arrived can only move on to Complete through an explicit stop.
func (p Phase) IsTerminal() bool {
	return p == PhaseArrived || p == PhaseComplete
}

func (p Phase) String() string {
	return string(p)
}
