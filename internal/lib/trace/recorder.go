// Package trace records what happened during a navigation session so a trip
// can be replayed or inspected in a map viewer.
package trace

import (
	"sync"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

// Fix is one location update together with how the tracker saw it
type Fix struct {
	Location location.UserLocation
	Outcome  location.Outcome
	Phase    tracker.Phase
	Snapped  geo.Point
}

// Recorder collects fixes, events and every route revision of one session.
// It is safe for concurrent use: updates arrive on the caller's goroutine
// while events arrive on the dispatcher's.
type Recorder struct {
	name string

	mu     sync.Mutex
	routes []*route.Route
	fixes  []Fix
	events []tracker.Event
}

// NewRecorder starts a recording for a session navigating initial
func NewRecorder(name string, initial *route.Route) *Recorder {
	return &Recorder{
		name:   name,
		routes: []*route.Route{initial},
	}
}

// Observe records a location update. Its signature matches a session update observer.
func (r *Recorder) Observe(raw location.UserLocation, state tracker.NavigationState, outcome location.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fixes = append(r.fixes, Fix{
		Location: raw,
		Outcome:  outcome,
		Phase:    state.Phase,
		Snapped:  state.SnappedLocation,
	})
}

// HandleEvent records an event and keeps track of replaced routes
func (r *Recorder) HandleEvent(e tracker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if e.Kind == tracker.EventRouteReplaced && e.Route != nil {
		r.routes = append(r.routes, e.Route)
	}
}

// Fixes returns every recorded location update
func (r *Recorder) Fixes() []Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fix(nil), r.fixes...)
}

// Events returns every recorded event in delivery order
func (r *Recorder) Events() []tracker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracker.Event(nil), r.events...)
}

// Routes returns the initial route followed by every replacement
func (r *Recorder) Routes() []*route.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*route.Route(nil), r.routes...)
}

// Track returns the accepted fixes, which is the path the tracker followed
func (r *Recorder) Track() []geo.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	var track []geo.Point
	for _, f := range r.fixes {
		if f.Outcome.IsAccepted() {
			track = append(track, f.Location.Coordinate)
		}
	}
	return track
}
