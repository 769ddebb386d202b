package tracker

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
)

// Tracker is the navigation state machine for one route. Updates, route
// swaps and stops are serialised by a single mutex; readers load the latest
// published snapshot without locking.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	filter location.Filter
	sink   EventSink

	route     *route.Route
	lengths   []float64 // geometric length of each step
	revision  int
	phase     Phase
	stepIndex int
	cursor    stepCursor
	last      *location.UserLocation

	offRouteCount int
	recoveryCount int
	advanceCount  int
	rerouteArmed  bool
	lastReroute   time.Time
	fired         map[triggerID]struct{}
	seq           uint64

	state atomic.Pointer[NavigationState]
}

type triggerID struct {
	step  int
	index int
}

// stepCursor is how far along the active step the user has been matched.
// It only moves forward until the step changes.
type stepCursor struct {
	segment int
	point   geo.Point
	along   float64
}

// match is a fix projected onto the part of the active step still ahead
type match struct {
	stepCursor
	distance float64
}

// progress is a fix projected onto the active step
type progress struct {
	snapped           geo.Point
	remainingFraction float64
	stepRemaining     float64
	stepDeviation     float64
	nextDeviation     float64 // +Inf on the last step
	deviation         float64 // smaller of the two deviations
}

// Option configures a Tracker
type Option func(*Tracker)

// WithFilter replaces the default StandardFilter built from the config
func WithFilter(f location.Filter) Option {
	return func(t *Tracker) {
		if f != nil {
			t.filter = f
		}
	}
}

// WithSink delivers events to s
func WithSink(s EventSink) Option {
	return func(t *Tracker) {
		if s != nil {
			t.sink = s
		}
	}
}

// New creates a tracker in the Initial phase
func New(r *route.Route, cfg Config, opts ...Option) (*Tracker, error) {
	if r == nil || r.StepCount() == 0 {
		return nil, fmt.Errorf("%w: route has no steps", route.ErrInvalidRoute)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:   cfg,
		sink:  discardSink{},
		phase: PhaseInitial,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.filter == nil {
		t.filter = location.NewStandardFilter(cfg.MaxHorizontalAccuracy, cfg.MinimumMovement)
	}

	t.install(r)
	t.publish(nil)
	return t, nil
}

// Config returns the thresholds the tracker was built with
func (t *Tracker) Config() Config {
	return t.cfg
}

// Snapshot returns the most recently published state
func (t *Tracker) Snapshot() NavigationState {
	return *t.state.Load()
}

// Update offers a raw fix to the tracker. Fixes rejected by the filter, and
// any fix after the session reached a terminal phase, leave the state
// untouched and are reported through the outcome.
func (t *Tracker) Update(raw location.UserLocation) (NavigationState, location.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.IsTerminal() {
		return t.Snapshot(), location.Ignored(location.ReasonNavigationEnded)
	}

	loc, outcome := t.filter.Accept(raw)
	if !outcome.IsAccepted() {
		return t.Snapshot(), outcome
	}
	// Detach from the caller's Course and Speed
	loc = *copyLocation(&loc)
	t.last = copyLocation(&loc)

	if t.phase == PhaseInitial {
		t.transition(PhaseNavigating)
	}

	p := t.project(loc)
	t.trackDeviation(loc, p)

	if t.phase == PhaseNavigating {
		if t.trackStepAdvance(loc, p) {
			p = t.project(loc)
		}
		t.fireTriggers(loc, p)
	}

	t.checkArrival(loc, p)

	return t.publish(&p), outcome
}

// AdvanceStep moves to the next step regardless of position. It reports
// false when already on the last step or navigation has ended.
func (t *Tracker) AdvanceStep() (NavigationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.IsTerminal() || t.stepIndex >= t.route.StepCount()-1 {
		return t.Snapshot(), false
	}

	t.advance(t.last)
	return t.publish(t.lastProgress()), true
}

// ReplaceRoute swaps in a new route and picks the step closest to the last
// accepted fix. Readers see either the old or the new route in full.
// Installing a nil or empty route is a programming error and panics.
func (t *Tracker) ReplaceRoute(r *route.Route) (NavigationState, error) {
	if r == nil || r.StepCount() == 0 {
		panic("tracker: cannot install an empty route")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.IsTerminal() {
		return t.Snapshot(), ErrNavigationEnded
	}

	t.install(r)
	if t.last != nil {
		t.stepIndex = t.closestStep(t.last.Coordinate)
		t.resetCursor()
		if t.phase == PhaseOffRoute {
			t.transition(PhaseNavigating)
		}
	}

	t.emit(Event{Kind: EventRouteReplaced, StepIndex: t.stepIndex, Route: r, Location: copyLocation(t.last)})
	return t.publish(t.lastProgress()), nil
}

// RerouteFailed records a failed reroute attempt and re-arms the trigger so
// a later off-route fix can request another route
func (t *Tracker) RerouteFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.IsTerminal() {
		return
	}

	t.emit(Event{Kind: EventRerouteFailed, StepIndex: t.stepIndex, Err: err})
	if t.phase == PhaseOffRoute {
		t.rerouteArmed = true
	}
}

// Stop ends navigation. Later updates are ignored. Stopping twice is a no-op.
func (t *Tracker) Stop() NavigationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase == PhaseComplete {
		return t.Snapshot()
	}
	t.transition(PhaseComplete)

	state := t.Snapshot()
	state.Phase = PhaseComplete
	t.state.Store(&state)
	return state
}

func (t *Tracker) install(r *route.Route) {
	t.route = r
	t.revision++
	t.stepIndex = 0
	t.resetCursor()
	t.offRouteCount = 0
	t.recoveryCount = 0
	t.advanceCount = 0
	t.rerouteArmed = false
	t.fired = make(map[triggerID]struct{})

	t.lengths = make([]float64, r.StepCount())
	for i := range t.lengths {
		t.lengths[i] = geo.PolylineLength(r.Step(i).Points())
	}
}

func (t *Tracker) transition(next Phase) {
	if !t.phase.CanTransitionTo(next) {
		panic(fmt.Sprintf("tracker: invalid phase transition %s -> %s", t.phase, next))
	}
	t.phase = next
}

func (t *Tracker) emit(e Event) {
	t.seq++
	e.Seq = t.seq
	e.RouteRevision = t.revision
	t.sink.Emit(e)
}

func (t *Tracker) resetCursor() {
	t.cursor = stepCursor{point: t.route.Step(t.stepIndex).Start()}
}

// project matches loc onto the remaining part of the active step. Matches
// within the off-route threshold move the cursor forward.
func (t *Tracker) project(loc location.UserLocation) progress {
	step := t.route.Step(t.stepIndex)
	m := t.matchAhead(loc.Coordinate, step.Points())
	if m.distance <= t.cfg.OffRouteThreshold && m.along >= t.cursor.along {
		t.cursor = m.stepCursor
	}

	remaining := 0.0
	if length := t.lengths[t.stepIndex]; length > 0 {
		remaining = math.Min(1, math.Max(0, 1-m.along/length))
	}

	p := progress{
		snapped:           m.point,
		remainingFraction: remaining,
		stepRemaining:     step.Distance() * remaining,
		stepDeviation:     m.distance,
		nextDeviation:     math.Inf(1),
		deviation:         m.distance,
	}

	// A user rounding the corner into the next step is still on the route
	if next := t.stepIndex + 1; next < t.route.StepCount() {
		p.nextDeviation = mustProject(loc.Coordinate, t.route.Step(next).Points()).Distance
		p.deviation = math.Min(p.deviation, p.nextDeviation)
	}

	return p
}

// matchAhead projects p onto the step from the cursor onwards. The first run
// of consecutive segments within the off-route threshold wins over closer
// segments further along, so a step that doubles back on itself is not
// matched to its far end before the user got there. Without such a run the
// nearest segment ahead is used.
func (t *Tracker) matchAhead(p geo.Point, points []geo.Point) match {
	if len(points) < 2 {
		proj := mustProject(p, points)
		return match{stepCursor: stepCursor{point: proj.Point}, distance: proj.Distance}
	}

	nearest := match{distance: math.Inf(1)}
	best := match{distance: math.Inf(1)}
	inRun, runDone := false, false

	start, along := t.cursor.point, t.cursor.along
	for i := t.cursor.segment; i < len(points)-1; i++ {
		end := points[i+1]
		length := geo.Distance(start, end)
		proj := geo.ProjectOntoSegment(p, start, end)

		m := match{
			stepCursor: stepCursor{segment: i, point: proj.Point, along: along + proj.Fraction*length},
			distance:   proj.Distance,
		}
		if m.distance < nearest.distance {
			nearest = m
		}
		switch {
		case runDone:
		case m.distance <= t.cfg.OffRouteThreshold:
			inRun = true
			if m.distance < best.distance {
				best = m
			}
		case inRun:
			runDone = true
		}

		along += length
		start = end
	}

	if inRun {
		return best
	}
	return nearest
}

func (t *Tracker) lastProgress() *progress {
	if t.last == nil {
		return nil
	}
	p := t.project(*t.last)
	return &p
}

func (t *Tracker) trackDeviation(loc location.UserLocation, p progress) {
	off := p.deviation > t.cfg.OffRouteThreshold

	switch t.phase {
	case PhaseNavigating:
		if !off {
			t.offRouteCount = 0
			return
		}
		t.offRouteCount++
		if t.offRouteCount < t.cfg.OffRouteSamples {
			return
		}

		t.transition(PhaseOffRoute)
		t.offRouteCount = 0
		t.recoveryCount = 0
		t.advanceCount = 0
		t.requestReroute(loc)

	case PhaseOffRoute:
		if off {
			t.recoveryCount = 0
			if t.rerouteArmed && loc.Timestamp.Sub(t.lastReroute) >= t.cfg.RerouteDebounce {
				t.requestReroute(loc)
			}
			return
		}
		t.recoveryCount++
		if t.recoveryCount < t.cfg.RecoverySamples {
			return
		}

		t.transition(PhaseNavigating)
		t.recoveryCount = 0
		t.rerouteArmed = false
		t.emit(Event{Kind: EventRouteReacquired, StepIndex: t.stepIndex, Location: &loc})
	}
}

func (t *Tracker) requestReroute(loc location.UserLocation) {
	t.rerouteArmed = false
	t.lastReroute = loc.Timestamp
	t.emit(Event{Kind: EventRerouteNeeded, StepIndex: t.stepIndex, Location: &loc})
}

// trackStepAdvance counts consecutive qualifying fixes and advances at most
// one step once StepAdvanceSamples is reached
func (t *Tracker) trackStepAdvance(loc location.UserLocation, p progress) bool {
	if t.cfg.StepAdvanceMode == AdvanceManual || t.stepIndex >= t.route.StepCount()-1 {
		t.advanceCount = 0
		return false
	}

	qualifies := p.stepRemaining <= t.cfg.StepAdvanceDistance
	if t.cfg.StepAdvanceMode == AdvanceRelativeLineString && p.nextDeviation < p.stepDeviation {
		qualifies = true
	}
	if !qualifies {
		t.advanceCount = 0
		return false
	}

	t.advanceCount++
	if t.advanceCount < t.cfg.StepAdvanceSamples {
		return false
	}

	t.advance(&loc)
	return true
}

func (t *Tracker) advance(loc *location.UserLocation) {
	t.stepIndex++
	t.advanceCount = 0
	t.resetCursor()
	t.emit(Event{Kind: EventStepAdvanced, StepIndex: t.stepIndex, Location: copyLocation(loc)})
}

func (t *Tracker) fireTriggers(loc location.UserLocation, p progress) {
	for i, trigger := range t.route.Step(t.stepIndex).Triggers() {
		id := triggerID{step: t.stepIndex, index: i}
		if _, done := t.fired[id]; done || p.stepRemaining > trigger.DistanceBeforeManeuver {
			continue
		}
		t.fired[id] = struct{}{}
		t.emit(Event{Kind: EventInstructionTriggered, StepIndex: t.stepIndex, TriggerKey: trigger.Key, Location: &loc})
	}
}

// checkArrival measures along the route while tracking it and falls back to
// straight-line distance to the destination while off route
func (t *Tracker) checkArrival(loc location.UserLocation, p progress) {
	arrived := false
	switch t.phase {
	case PhaseNavigating:
		arrived = t.stepIndex == t.route.StepCount()-1 && p.stepRemaining <= t.cfg.ArrivalRadius
	case PhaseOffRoute:
		arrived = geo.Distance(loc.Coordinate, t.route.Destination()) <= t.cfg.ArrivalRadius
	}
	if !arrived {
		return
	}

	t.transition(PhaseArrived)
	t.emit(Event{Kind: EventArrived, StepIndex: t.stepIndex, Location: &loc})
}

// closestStep returns the step nearest to p, the earliest winning ties
func (t *Tracker) closestStep(p geo.Point) int {
	best, bestDistance := 0, math.Inf(1)
	for i := 0; i < t.route.StepCount(); i++ {
		if d := mustProject(p, t.route.Step(i).Points()).Distance; d < bestDistance {
			best, bestDistance = i, d
		}
	}
	return best
}

func (t *Tracker) publish(p *progress) NavigationState {
	step := t.route.Step(t.stepIndex)
	state := &NavigationState{
		Phase:           t.phase,
		StepIndex:       t.stepIndex,
		StepCount:       t.route.StepCount(),
		SnappedLocation: step.Start(),
		LastLocation:    copyLocation(t.last),
		Instruction:     step.Instruction(),
		Route:           t.route,
		RouteRevision:   t.revision,
	}

	remaining := 1.0
	if p != nil {
		remaining = p.remainingFraction
		state.SnappedLocation = p.snapped
		state.Deviation = p.deviation
	}

	state.DistanceToNextManeuver = step.Distance() * remaining
	state.DistanceRemaining = state.DistanceToNextManeuver + t.route.DistanceAfterStep(t.stepIndex)
	state.DurationRemaining = time.Duration(float64(step.Duration())*remaining) + t.route.DurationAfterStep(t.stepIndex)

	t.state.Store(state)
	return *state
}

func mustProject(p geo.Point, points []geo.Point) geo.PolylineProjection {
	proj, err := geo.ProjectOntoPolyline(p, points)
	if err != nil {
		panic(fmt.Sprintf("tracker: step geometry cannot be projected onto: %v", err))
	}
	return proj
}

// copyLocation returns a deep copy so published state never aliases a caller's fix
func copyLocation(loc *location.UserLocation) *location.UserLocation {
	if loc == nil {
		return nil
	}
	c := *loc
	if loc.Course != nil {
		course := *loc.Course
		c.Course = &course
	}
	if loc.Speed != nil {
		speed := *loc.Speed
		c.Speed = &speed
	}
	return &c
}
