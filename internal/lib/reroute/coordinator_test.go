package reroute

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

const metersPerDegree = 6371000 * math.Pi / 180

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// MockProvider is a mock implementation of Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) ComputeRoute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error) {
	args := m.Called(ctx, from, to)
	r, _ := args.Get(0).(*route.Route)
	return r, args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []tracker.Event
}

func (r *recorder) Emit(e tracker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) last() tracker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) count(kind tracker.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func buildRoute(t *testing.T, lines ...[]geo.Point) *route.Route {
	t.Helper()
	steps := make([]route.Step, len(lines))
	for i, line := range lines {
		step, err := route.NewStep(line, route.Instruction{Maneuver: route.Maneuver{Type: route.ManeuverContinue}}, 0, time.Minute)
		require.NoError(t, err)
		steps[i] = step
	}
	r, err := route.NewRoute(steps...)
	require.NoError(t, err)
	return r
}

var (
	// ~100m north of the first step of the original route
	offRoutePosition = geo.Point{Latitude: 100 / metersPerDegree, Longitude: 0.002}
	destination      = geo.Point{Latitude: 0.01, Longitude: 0.01}
)

// offRouteTracker returns a tracker that has just entered OffRoute
func offRouteTracker(t *testing.T) (*tracker.Tracker, *recorder, location.UserLocation) {
	t.Helper()
	original := buildRoute(t,
		[]geo.Point{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 0.01}},
		[]geo.Point{{Latitude: 0, Longitude: 0.01}, destination},
	)

	rec := &recorder{}
	tr, err := tracker.New(original, tracker.DefaultConfig(), tracker.WithSink(rec))
	require.NoError(t, err)

	var fix location.UserLocation
	for i := 0; i < 3; i++ {
		fix = location.UserLocation{
			Coordinate:         offRoutePosition,
			HorizontalAccuracy: 5,
			Timestamp:          epoch.Add(time.Duration(i) * time.Second),
		}
		tr.Update(fix)
	}
	require.Equal(t, tracker.PhaseOffRoute, tr.Snapshot().Phase)
	return tr, rec, fix
}

func detourRoute(t *testing.T) *route.Route {
	return buildRoute(t,
		[]geo.Point{offRoutePosition, {Latitude: offRoutePosition.Latitude, Longitude: 0.01}},
		[]geo.Point{{Latitude: offRoutePosition.Latitude, Longitude: 0.01}, destination},
	)
}

func newCoordinator(provider Provider, target Target, timeout time.Duration) *Coordinator {
	cfg := tracker.DefaultConfig()
	return NewCoordinator(context.Background(), provider, target, timeout, cfg.RerouteAcceptanceRadius)
}

func TestCoordinator_InstallsRoute(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)
	detour := detourRoute(t)

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, fix, destination).Return(detour, nil).Once()

	c := newCoordinator(provider, tr, time.Second)
	c.HandleEvent(rec.last())
	c.Wait()

	s := tr.Snapshot()
	assert.Equal(t, tracker.PhaseNavigating, s.Phase)
	assert.Same(t, detour, s.Route)
	assert.Equal(t, 2, s.RouteRevision)
	assert.Equal(t, tracker.EventRouteReplaced, rec.last().Kind)
	assert.False(t, c.InFlight())
	provider.AssertExpectations(t)
}

func TestCoordinator_OneRequestInFlight(t *testing.T) {
	tr, _, fix := offRouteTracker(t)
	release := make(chan struct{})

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(detourRoute(t), nil).Once()

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))
	assert.True(t, c.InFlight())
	assert.ErrorIs(t, c.Request(fix), ErrRerouteInFlight)

	close(release)
	c.Wait()

	assert.False(t, c.InFlight())
	provider.AssertNumberOfCalls(t, "ComputeRoute", 1)
}

func TestCoordinator_ProviderError(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("503 service unavailable")).Once()

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))
	c.Wait()

	failed := rec.last()
	assert.Equal(t, tracker.EventRerouteFailed, failed.Kind)
	assert.ErrorIs(t, failed.Err, ErrProvider)
	assert.Equal(t, tracker.PhaseOffRoute, tr.Snapshot().Phase)
	assert.Equal(t, 1, tr.Snapshot().RouteRevision)

	// Re-armed: the next deviating fix past the debounce asks again
	tr.Update(location.UserLocation{
		Coordinate:         offRoutePosition,
		HorizontalAccuracy: 5,
		Timestamp:          fix.Timestamp.Add(tracker.DefaultConfig().RerouteDebounce),
	})
	assert.Equal(t, 2, rec.count(tracker.EventRerouteNeeded))
}

func TestCoordinator_Timeout(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely
	provider := ProviderFunc(func(context.Context, location.UserLocation, geo.Point) (*route.Route, error) {
		<-release
		return nil, nil
	})

	c := newCoordinator(provider, tr, 20*time.Millisecond)
	require.NoError(t, c.Request(fix))
	c.Wait()

	failed := rec.last()
	assert.Equal(t, tracker.EventRerouteFailed, failed.Kind)
	assert.ErrorIs(t, failed.Err, ErrProviderTimeout)
	assert.Equal(t, tracker.PhaseOffRoute, tr.Snapshot().Phase)
}

func TestCoordinator_RejectsDistantRoute(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)

	// Starts ~1km south of the user
	distant := buildRoute(t, []geo.Point{{Latitude: -0.009, Longitude: 0.002}, {Latitude: -0.009, Longitude: 0.01}})

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, mock.Anything, mock.Anything).Return(distant, nil).Once()

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))
	c.Wait()

	failed := rec.last()
	assert.Equal(t, tracker.EventRerouteFailed, failed.Kind)
	assert.ErrorIs(t, failed.Err, ErrRouteRejected)
	assert.Equal(t, 1, tr.Snapshot().RouteRevision)
}

func TestCoordinator_NilRouteRejected(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))
	c.Wait()

	assert.ErrorIs(t, rec.last().Err, ErrRouteRejected)
}

func TestCoordinator_ProviderPanic(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)

	provider := ProviderFunc(func(context.Context, location.UserLocation, geo.Point) (*route.Route, error) {
		panic("boom")
	})

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))
	c.Wait()

	assert.ErrorIs(t, rec.last().Err, ErrProvider)
	assert.False(t, c.InFlight())
}

func TestCoordinator_Cancel(t *testing.T) {
	tr, rec, fix := offRouteTracker(t)
	started := make(chan struct{})

	provider := ProviderFunc(func(ctx context.Context, _ location.UserLocation, _ geo.Point) (*route.Route, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := newCoordinator(provider, tr, time.Minute)
	require.NoError(t, c.Request(fix))
	<-started

	c.Cancel()
	c.Wait()

	assert.Equal(t, 0, rec.count(tracker.EventRerouteFailed), "a cancelled session is not told about its own cancellation")
	assert.ErrorIs(t, c.Request(fix), ErrProviderCancelled)
}

func TestCoordinator_DiscardsRouteAfterStop(t *testing.T) {
	tr, _, fix := offRouteTracker(t)
	release := make(chan struct{})

	provider := new(MockProvider)
	provider.On("ComputeRoute", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(detourRoute(t), nil).Once()

	c := newCoordinator(provider, tr, time.Second)
	require.NoError(t, c.Request(fix))

	tr.Stop()
	close(release)
	c.Wait()

	s := tr.Snapshot()
	assert.Equal(t, tracker.PhaseComplete, s.Phase)
	assert.Equal(t, 1, s.RouteRevision)
}

func TestCoordinator_HandleEventIgnoresOtherKinds(t *testing.T) {
	provider := new(MockProvider)
	c := newCoordinator(provider, nil, time.Second)

	c.HandleEvent(tracker.Event{Kind: tracker.EventStepAdvanced})
	c.HandleEvent(tracker.Event{Kind: tracker.EventRerouteNeeded})
	c.Wait()

	assert.False(t, c.InFlight())
	provider.AssertNotCalled(t, "ComputeRoute", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_ProviderContextCarriesLogger(t *testing.T) {
	tr, rec, _ := offRouteTracker(t)
	detour := detourRoute(t)

	provider := ProviderFunc(func(ctx context.Context, _ location.UserLocation, _ geo.Point) (*route.Route, error) {
		assert.NotNil(t, logging.FromContext(ctx))
		logging.Infow(ctx, "computing route")
		return detour, nil
	})

	c := NewCoordinator(context.Background(), provider, tr, time.Second, tracker.DefaultConfig().RerouteAcceptanceRadius)
	c.HandleEvent(rec.last())
	c.Wait()

	assert.Same(t, detour, tr.Snapshot().Route)
}
