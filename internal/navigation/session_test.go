package navigation

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/reroute"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

const metersPerDegree = 6371000 * math.Pi / 180

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pt(lat, lng float64) geo.Point {
	return geo.Point{Latitude: lat, Longitude: lng}
}

func fixAt(p geo.Point, second int) location.UserLocation {
	return location.UserLocation{Coordinate: p, HorizontalAccuracy: 5, Timestamp: epoch.Add(time.Duration(second) * time.Second)}
}

func buildRoute(t *testing.T, triggers []route.SpokenTrigger, lines ...[]geo.Point) *route.Route {
	t.Helper()
	steps := make([]route.Step, len(lines))
	for i, line := range lines {
		var stepTriggers []route.SpokenTrigger
		if i == 0 {
			stepTriggers = triggers
		}
		step, err := route.NewStep(line, route.Instruction{Maneuver: route.Maneuver{Type: route.ManeuverTurn}}, 0, time.Minute, stepTriggers...)
		require.NoError(t, err)
		steps[i] = step
	}
	r, err := route.NewRoute(steps...)
	require.NoError(t, err)
	return r
}

func cornerRoute(t *testing.T, triggers ...route.SpokenTrigger) *route.Route {
	return buildRoute(t, triggers,
		[]geo.Point{pt(0, 0), pt(0, 0.01)},
		[]geo.Point{pt(0, 0.01), pt(0.01, 0.01)},
	)
}

func beforeCorner(meters float64) geo.Point {
	return pt(0, 0.01-meters/metersPerDegree)
}

// drive runs a full trip along cornerRoute: a spoken trigger, a step advance and arrival
func drive(s *Session) {
	s.UpdateLocation(fixAt(pt(0, 0), 0))
	s.UpdateLocation(fixAt(beforeCorner(150), 1))
	s.UpdateLocation(fixAt(beforeCorner(10), 2))
	s.UpdateLocation(fixAt(beforeCorner(5), 3))
	s.UpdateLocation(fixAt(pt(0.01-5/metersPerDegree, 0.01), 4))
}

func collect(t *testing.T, events <-chan tracker.Event) []tracker.Event {
	t.Helper()
	var out []tracker.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Error("event channel was not closed")
			return out
		}
	}
}

func TestStart_Invalid(t *testing.T) {
	_, err := Start(context.Background(), nil, tracker.DefaultConfig())
	assert.ErrorIs(t, err, route.ErrInvalidRoute)

	cfg := tracker.DefaultConfig()
	cfg.ArrivalRadius = 0
	_, err = Start(context.Background(), cornerRoute(t), cfg)
	assert.ErrorIs(t, err, tracker.ErrInvalidConfig)
}

func TestSession_OrderedEvents(t *testing.T) {
	s, err := Start(context.Background(), cornerRoute(t, route.SpokenTrigger{Key: "prepare", DistanceBeforeManeuver: 200}), tracker.DefaultConfig())
	require.NoError(t, err)
	_, err = uuid.Parse(s.ID())
	require.NoError(t, err)

	first, unsubscribeFirst := s.Subscribe(0)
	defer unsubscribeFirst()
	second, unsubscribeSecond := s.Subscribe(16)
	defer unsubscribeSecond()

	drive(s)
	final := s.Stop()
	assert.Equal(t, tracker.PhaseComplete, final.Phase)

	received := make(chan []tracker.Event, 1)
	go func() { received <- collect(t, first) }()
	secondEvents := collect(t, second)
	firstEvents := <-received

	expected := []tracker.EventKind{
		tracker.EventInstructionTriggered,
		tracker.EventStepAdvanced,
		tracker.EventArrived,
	}
	for _, events := range [][]tracker.Event{firstEvents, secondEvents} {
		require.Len(t, events, len(expected))
		for i, e := range events {
			assert.Equal(t, expected[i], e.Kind)
			assert.Equal(t, uint64(i+1), e.Seq)
		}
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
}

func TestSession_SlowSubscriberDoesNotBlockUpdates(t *testing.T) {
	s, err := Start(context.Background(), cornerRoute(t), tracker.DefaultConfig())
	require.NoError(t, err)

	// Never read
	_, unsubscribe := s.Subscribe(0)

	finished := make(chan struct{})
	go func() {
		drive(s)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("location updates blocked on a subscriber")
	}
	assert.Equal(t, tracker.PhaseArrived, s.Snapshot().Phase)

	s.Stop()
	unsubscribe()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish after unsubscribe")
	}
}

func TestSession_EventHandlersAndObservers(t *testing.T) {
	var handled, observed, ignored atomic.Int32

	s, err := Start(context.Background(), cornerRoute(t), tracker.DefaultConfig(),
		WithEventHandler(func(tracker.Event) { handled.Add(1) }),
		WithEventHandler(func(tracker.Event) { panic("handler bug") }),
		WithUpdateObserver(func(_ location.UserLocation, _ tracker.NavigationState, outcome location.Outcome) {
			observed.Add(1)
			if !outcome.IsAccepted() {
				ignored.Add(1)
			}
		}),
	)
	require.NoError(t, err)

	drive(s)
	s.UpdateLocation(fixAt(pt(0, 0), 5))
	s.Stop()
	s.Wait()

	assert.Equal(t, int32(2), handled.Load(), "a panicking handler does not stop delivery")
	assert.Equal(t, int32(6), observed.Load())
	assert.Equal(t, int32(1), ignored.Load(), "the update after arrival is ignored")
}

func TestSession_Reroute(t *testing.T) {
	offRoute := pt(100/metersPerDegree, 0.002)
	detour := buildRoute(t, nil,
		[]geo.Point{offRoute, pt(offRoute.Latitude, 0.01)},
		[]geo.Point{pt(offRoute.Latitude, 0.01), pt(0.01, 0.01)},
	)

	var calls atomic.Int32
	provider := reroute.ProviderFunc(func(context.Context, location.UserLocation, geo.Point) (*route.Route, error) {
		calls.Add(1)
		return detour, nil
	})

	s, err := Start(context.Background(), cornerRoute(t), tracker.DefaultConfig(), WithRouteProvider(provider))
	require.NoError(t, err)
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		s.UpdateLocation(fixAt(offRoute, i))
	}

	var kinds []tracker.EventKind
	timeout := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-events:
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("reroute did not complete, saw %v", kinds)
		}
	}
	assert.Equal(t, []tracker.EventKind{tracker.EventRerouteNeeded, tracker.EventRouteReplaced}, kinds)

	state := s.Snapshot()
	assert.Equal(t, tracker.PhaseNavigating, state.Phase)
	assert.Same(t, detour, state.Route)
	assert.Equal(t, int32(1), calls.Load())

	s.Stop()
	s.Wait()
}

func TestSession_SubscribeAfterStop(t *testing.T) {
	s, err := Start(context.Background(), cornerRoute(t), tracker.DefaultConfig())
	require.NoError(t, err)

	s.Stop()
	<-s.Done()

	events, unsubscribe := s.Subscribe(1)
	defer unsubscribe()
	_, open := <-events
	assert.False(t, open)

	state, outcome := s.UpdateLocation(fixAt(pt(0, 0), 0))
	assert.Equal(t, location.Ignored(location.ReasonNavigationEnded), outcome)
	assert.Equal(t, tracker.PhaseComplete, state.Phase)
}

func TestManager(t *testing.T) {
	m := NewManager()

	first, err := m.Start(context.Background(), cornerRoute(t), tracker.DefaultConfig())
	require.NoError(t, err)
	second, err := m.Start(context.Background(), cornerRoute(t), tracker.DefaultConfig(), WithID("fixed-id"))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, m.IDs(), 2)

	got, ok := m.Get("fixed-id")
	require.True(t, ok)
	assert.Same(t, second, got)

	// Sessions are independent
	first.UpdateLocation(fixAt(pt(0, 0.001), 0))
	assert.Equal(t, tracker.PhaseNavigating, first.Snapshot().Phase)
	assert.Equal(t, tracker.PhaseInitial, second.Snapshot().Phase)

	state, err := m.Stop(first.ID())
	require.NoError(t, err)
	assert.Equal(t, tracker.PhaseComplete, state.Phase)
	assert.Equal(t, []string{"fixed-id"}, m.IDs())

	_, err = m.Stop(first.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Start(context.Background(), nil, tracker.DefaultConfig())
	assert.ErrorIs(t, err, route.ErrInvalidRoute)
	assert.Len(t, m.IDs(), 1)

	m.StopAll()
	assert.Empty(t, m.IDs())
	assert.Equal(t, tracker.PhaseComplete, second.Snapshot().Phase)
}

func TestSession_StuckSubscriberDoesNotBlockRerouting(t *testing.T) {
	offRoute := pt(100/metersPerDegree, 0.002)
	detour := buildRoute(t, nil,
		[]geo.Point{offRoute, pt(offRoute.Latitude, 0.01)},
		[]geo.Point{pt(offRoute.Latitude, 0.01), pt(0.01, 0.01)},
	)

	var calls atomic.Int32
	provider := reroute.ProviderFunc(func(context.Context, location.UserLocation, geo.Point) (*route.Route, error) {
		calls.Add(1)
		return detour, nil
	})

	var handled atomic.Int32
	s, err := Start(context.Background(), cornerRoute(t), tracker.DefaultConfig(),
		WithRouteProvider(provider),
		WithDrainTimeout(50*time.Millisecond),
		WithEventHandler(func(tracker.Event) { handled.Add(1) }),
	)
	require.NoError(t, err)

	// Never read and never unsubscribed
	_, _ = s.Subscribe(0)
	healthy, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		s.UpdateLocation(fixAt(offRoute, i))
	}

	assert.Eventually(t, func() bool { return s.Snapshot().Route == detour }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Eventually(t, func() bool { return handled.Load() >= 2 }, 5*time.Second, 10*time.Millisecond,
		"handlers keep receiving events")

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish with a stuck subscriber")
	}

	var kinds []tracker.EventKind
	for e := range healthy {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []tracker.EventKind{tracker.EventRerouteNeeded, tracker.EventRouteReplaced}, kinds)
}
