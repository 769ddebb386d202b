package navigation

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"

	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/reroute"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

// UpdateObserver is told about every location update after it was processed
type UpdateObserver func(raw location.UserLocation, state tracker.NavigationState, outcome location.Outcome)

type options struct {
	id        string
	provider  reroute.Provider
	filter    location.Filter
	handlers  []func(tracker.Event)
	observers []UpdateObserver
	onStop    func(*Session)
	drain     time.Duration
}

// Option configures a Session
type Option func(*options)

// WithID overrides the generated session ID
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithRouteProvider enables automatic rerouting through p
func WithRouteProvider(p reroute.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithFilter replaces the default location filter
func WithFilter(f location.Filter) Option {
	return func(o *options) { o.filter = f }
}

// WithEventHandler calls h for every event, in order, on the dispatch goroutine
func WithEventHandler(h func(tracker.Event)) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// WithUpdateObserver calls fn after every location update
func WithUpdateObserver(fn UpdateObserver) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

func withStopHook(fn func(*Session)) Option {
	return func(o *options) { o.onStop = fn }
}

// WithDrainTimeout bounds how long subscribers may keep reading queued events
// after Stop before their channels are closed
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drain = d }
}

// sessionSink receives tracker events under the tracker lock. Reroute
// triggers go straight to the coordinator, which never blocks, so rerouting
// does not depend on how fast event consumers are.
type sessionSink struct {
	dispatcher  *dispatcher
	coordinator *reroute.Coordinator
}

func (s *sessionSink) Emit(e tracker.Event) {
	s.dispatcher.Emit(e)
	if s.coordinator != nil {
		s.coordinator.HandleEvent(e)
	}
}

// Session is the handle to one active navigation. Sessions are independent;
// nothing is shared between them.
type Session struct {
	id          string
	tracker     *tracker.Tracker
	coordinator *reroute.Coordinator
	dispatcher  *dispatcher
	observers   []UpdateObserver
	onStop      func(*Session)

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Start begins navigating r. Invalid routes and configs fail here and
// nowhere else.
func Start(ctx context.Context, r *route.Route, cfg tracker.Config, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	ctx = logging.EnsureLogger(ctx)

	d := newDispatcher(ctx, o.id, o.drain)
	sink := &sessionSink{dispatcher: d}
	tr, err := tracker.New(r, cfg, tracker.WithFilter(o.filter), tracker.WithSink(sink))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         o.id,
		tracker:    tr,
		dispatcher: d,
		observers:  o.observers,
		onStop:     o.onStop,
		ctx:        ctx,
		cancel:     cancel,
	}

	if o.provider != nil {
		s.coordinator = reroute.NewCoordinator(ctx, o.provider, tr, cfg.RerouteTimeout, cfg.RerouteAcceptanceRadius)
		sink.coordinator = s.coordinator
	}
	d.handlers = o.handlers

	go d.run()

	metrics.ActiveSessionsGauge.Inc()
	logging.Infow(ctx, "Navigation: session started",
		"session", s.id, "steps", r.StepCount(), "distance", r.Distance(),
		"duration", r.Duration(), "rerouting", s.coordinator != nil)

	return s, nil
}

// ID returns the session's unique identifier
func (s *Session) ID() string {
	return s.id
}

// UpdateLocation feeds one raw fix through the filter and tracker. It never
// blocks on I/O; rerouting happens in the background.
func (s *Session) UpdateLocation(raw location.UserLocation) (tracker.NavigationState, location.Outcome) {
	start := time.Now()
	state, outcome := s.tracker.Update(raw)
	metrics.RecordLocationUpdate(string(outcome.Status), string(outcome.Reason), time.Since(start))

	for _, observe := range s.observers {
		observe(raw, state, outcome)
	}
	return state, outcome
}

// Snapshot returns the latest state without blocking
func (s *Session) Snapshot() tracker.NavigationState {
	return s.tracker.Snapshot()
}

// AdvanceStep moves to the next step by hand, for the manual advance mode
func (s *Session) AdvanceStep() (tracker.NavigationState, bool) {
	return s.tracker.AdvanceStep()
}

// Subscribe returns a channel of events in the order they occurred. A
// subscriber that falls behind delays only itself. The channel is closed
// once the session has stopped and every queued event was delivered, or
// when the drain timeout after Stop ran out.
func (s *Session) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	return s.dispatcher.subscribe(buffer)
}

// Stop ends navigation, cancels any in-flight reroute and lets the
// dispatcher drain. Calling Stop more than once is harmless.
func (s *Session) Stop() tracker.NavigationState {
	state := s.tracker.Stop()

	s.stopOnce.Do(func() {
		if s.coordinator != nil {
			s.coordinator.Cancel()
		}
		s.dispatcher.close()
		s.cancel()

		metrics.ActiveSessionsGauge.Dec()
		logging.Infow(s.ctx, "Navigation: session stopped",
			"session", s.id, "step_index", state.StepIndex, "distance_remaining", state.DistanceRemaining)

		if s.onStop != nil {
			s.onStop(s)
		}
	})
	return state
}

// Done is closed once the session has stopped and all events were delivered
// or dropped after the drain timeout
func (s *Session) Done() <-chan struct{} {
	return s.dispatcher.done
}

// Wait blocks until any in-flight reroute finished and all events were
// delivered. Only meaningful after Stop.
func (s *Session) Wait() {
	if s.coordinator != nil {
		s.coordinator.Wait()
	}
	<-s.dispatcher.done
}
