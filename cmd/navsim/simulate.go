package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"

	"github.com/lima-limon-inc/ferrostar/internal/config"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/reroute"
	"github.com/lima-limon-inc/ferrostar/internal/lib/trace"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/navigation"
	"github.com/lima-limon-inc/ferrostar/internal/services"
)

// Pacing between fixes when not running in real time
const fastInterval = time.Millisecond

type simulation struct {
	config    *config.Config
	manager   *navigation.Manager
	stream    *services.EventStream
	provider  reroute.Provider
	publisher *services.RabbitPublisher
}

// drive runs one configured trip from start to arrival, cancellation or the
// end of the simulated fixes
func (s *simulation) drive(ctx context.Context, tripIndex int) error {
	ctx = logging.EnsureLogger(ctx)
	trip := s.config.Simulation.Trips[tripIndex]

	r, err := trip.Route()
	if err != nil {
		return err
	}
	filter, err := s.config.Tracking.Filter()
	if err != nil {
		return err
	}
	simulator, err := location.NewSimulator(r.Geometry(), s.config.Simulation.Simulator(tripIndex, time.Now()))
	if err != nil {
		return fmt.Errorf("trip %q: %w", trip.Name, err)
	}

	id := uuid.NewString()
	recorder := trace.NewRecorder(trip.Name, r)

	opts := []navigation.Option{
		navigation.WithID(id),
		navigation.WithFilter(filter),
		navigation.WithUpdateObserver(recorder.Observe),
		navigation.WithEventHandler(recorder.HandleEvent),
		navigation.WithEventHandler(func(e tracker.Event) { s.stream.Publish(id, e) }),
		navigation.WithEventHandler(func(e tracker.Event) { logEvent(ctx, trip.Name, e) }),
	}
	if s.provider != nil {
		opts = append(opts, navigation.WithRouteProvider(s.provider))
	}
	if s.publisher != nil {
		opts = append(opts, navigation.WithEventHandler(s.publisher.Handler(ctx, id)))
	}

	session, err := s.manager.Start(ctx, r, s.config.Tracking.ToTracker(), opts...)
	if err != nil {
		return fmt.Errorf("trip %q: %w", trip.Name, err)
	}

	interval := fastInterval
	if s.config.Simulation.Realtime {
		interval = s.config.Simulation.Interval
	}

	runErr := simulator.Run(ctx, interval, func(_ context.Context, fix location.UserLocation) bool {
		state, _ := session.UpdateLocation(fix)
		return !state.Phase.IsTerminal()
	})

	final := session.Stop()
	session.Wait()
	s.stream.CloseSession(id)

	logging.Infow(ctx, "navsim: trip finished",
		"trip", trip.Name, "session", id, "arrived", arrived(recorder),
		"route_revision", final.RouteRevision, "fixes", len(recorder.Fixes()), "events", len(recorder.Events()))

	if dir := s.config.Simulation.TraceDir; dir != "" {
		if err := writeTrace(dir, trip.Name, recorder); err != nil {
			return err
		}
	}

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("trip %q: %w", trip.Name, runErr)
	}
	return nil
}

func arrived(recorder *trace.Recorder) bool {
	for _, e := range recorder.Events() {
		if e.Kind == tracker.EventArrived {
			return true
		}
	}
	return false
}

func logEvent(ctx context.Context, trip string, e tracker.Event) {
	kv := []any{"trip", trip, "seq", e.Seq, "event", e.Kind, "step_index", e.StepIndex, "route_revision", e.RouteRevision}
	switch e.Kind {
	case tracker.EventInstructionTriggered:
		kv = append(kv, "trigger", e.TriggerKey)
	case tracker.EventRerouteFailed:
		kv = append(kv, "error", e.Err)
	}
	logging.Infow(ctx, "navsim: event", kv...)
}

func writeTrace(dir, name string, recorder *trace.Recorder) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}

	path := filepath.Join(dir, fileName(name)+".kml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}
	defer f.Close()

	if err := recorder.WriteKML(f); err != nil {
		return err
	}
	return f.Close()
}

// fileName turns a trip name into a safe file name
func fileName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
