package reroute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

var (
	ErrProvider          = errors.New("route provider failed")
	ErrProviderTimeout   = errors.New("route provider timed out")
	ErrProviderCancelled = errors.New("route request cancelled")
	ErrRouteRejected     = errors.New("route rejected")
	ErrRerouteInFlight   = errors.New("reroute already in flight")
)

// Provider computes a new route from the user's position to a destination.
// It is the only part of rerouting that performs I/O.
type Provider interface {
	ComputeRoute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error)

func (f ProviderFunc) ComputeRoute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error) {
	return f(ctx, from, to)
}

// Target is the tracker side of a reroute
type Target interface {
	Snapshot() tracker.NavigationState
	ReplaceRoute(r *route.Route) (tracker.NavigationState, error)
	RerouteFailed(err error)
}

// Coordinator turns RerouteNeeded triggers into at most one in-flight route
// request and installs the result into its target
type Coordinator struct {
	provider         Provider
	target           Target
	timeout          time.Duration
	acceptanceRadius float64

	ctx    context.Context
	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator whose requests live no longer than ctx
func NewCoordinator(ctx context.Context, provider Provider, target Target, timeout time.Duration, acceptanceRadius float64) *Coordinator {
	return &Coordinator{
		provider:         provider,
		target:           target,
		timeout:          timeout,
		acceptanceRadius: acceptanceRadius,
		ctx:              logging.EnsureLogger(ctx),
	}
}

// HandleEvent starts a reroute for RerouteNeeded events and ignores the rest.
// It never blocks, so it can be used as a tracker event sink.
func (c *Coordinator) HandleEvent(e tracker.Event) {
	if e.Kind != tracker.EventRerouteNeeded || e.Location == nil {
		return
	}
	if err := c.Request(*e.Location); err != nil {
		logging.Debugw(c.ctx, "Reroute: trigger ignored", "error", err, "route_revision", e.RouteRevision)
	}
}

// Request starts a route computation from the given fix in the background.
// It returns ErrRerouteInFlight while another request is running and
// ErrProviderCancelled once the coordinator has been cancelled.
func (c *Coordinator) Request(from location.UserLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrProviderCancelled
	}
	if c.active {
		return ErrRerouteInFlight
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	c.active = true
	c.cancel = cancel
	c.wg.Add(1)

	go c.run(ctx, cancel, from)
	return nil
}

// InFlight reports whether a request is running
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Cancel aborts any in-flight request and refuses new ones
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the in-flight request, if any, has finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, from location.UserLocation) {
	defer c.wg.Done()
	defer cancel()

	start := time.Now()
	destination := c.target.Snapshot().Route.Destination()

	logging.Infow(ctx, "Reroute: requesting route",
		"from.lat", from.Coordinate.Latitude, "from.lng", from.Coordinate.Longitude,
		"to.lat", destination.Latitude, "to.lng", destination.Longitude)

	r, err := c.compute(ctx, from, destination)
	if err == nil {
		err = c.validate(r, from)
	}

	// Re-arm before reporting so the tracker's next trigger is not dropped as in flight
	closed := c.finish()

	if err != nil {
		metrics.RecordReroute(statusOf(err), time.Since(start))
		logging.Warnw(ctx, "Reroute: failed", "error", err, "duration", time.Since(start))
		if !closed {
			c.target.RerouteFailed(err)
		}
		return
	}

	state, err := c.target.ReplaceRoute(r)
	if err != nil {
		metrics.RecordReroute("discarded", time.Since(start))
		logging.Infow(ctx, "Reroute: route discarded", "error", err)
		return
	}

	metrics.RecordReroute("success", time.Since(start))
	logging.Infow(ctx, "Reroute: route installed",
		"route_revision", state.RouteRevision, "step_index", state.StepIndex,
		"steps", state.StepCount, "distance", r.Distance(), "duration", time.Since(start))
}

// compute calls the provider on its own goroutine so a provider that ignores
// its context still cannot hold the request past the timeout
func (c *Coordinator) compute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error) {
	type result struct {
		route *route.Route
		err   error
	}
	results := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logPanic(ctx, rec)
				results <- result{err: fmt.Errorf("%w: provider panicked: %v", ErrProvider, rec)}
			}
		}()
		r, err := c.provider.ComputeRoute(ctx, from, to)
		results <- result{route: r, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, classify(ctx, res.err)
		}
		return res.route, nil
	case <-ctx.Done():
		return nil, classify(ctx, ctx.Err())
	}
}

// validate accepts a route only if it passes near the user's latest position
func (c *Coordinator) validate(r *route.Route, from location.UserLocation) error {
	if r == nil || r.StepCount() == 0 {
		return fmt.Errorf("%w: provider returned an empty route", ErrRouteRejected)
	}

	current := from.Coordinate
	if last := c.target.Snapshot().LastLocation; last != nil {
		current = last.Coordinate
	}

	proj, err := geo.ProjectOntoPolyline(current, r.Geometry())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRouteRejected, err)
	}
	if proj.Distance > c.acceptanceRadius {
		return fmt.Errorf("%w: route passes %.0fm from the current location, limit %.0fm",
			ErrRouteRejected, proj.Distance, c.acceptanceRadius)
	}
	return nil
}

func (c *Coordinator) finish() (closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.cancel = nil
	return c.closed
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrProviderTimeout, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrProviderCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrProviderCancelled):
		return "cancelled"
	case errors.Is(err, ErrRouteRejected):
		return "rejected"
	default:
		return "error"
	}
}
