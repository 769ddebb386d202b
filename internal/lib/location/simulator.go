package location

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
)

// Detour pushes simulated fixes sideways between two distances along the line
type Detour struct {
	StartMeters float64
	EndMeters   float64
	Offset      float64 // meters to the right of travel, negative for left
}

// SimulatorConfig describes how a simulated drive moves along its line
type SimulatorConfig struct {
	Speed    float64       // meters per second
	Interval time.Duration // simulated time between fixes
	Accuracy float64       // reported horizontal accuracy in meters
	Jitter   float64       // maximum random lateral offset in meters
	Seed     int64
	Detour   *Detour
	Start    time.Time // timestamp of the first fix, defaults to now
}

// Simulator produces a deterministic stream of fixes along a polyline
type Simulator struct {
	fixes []UserLocation
}

// NewSimulator precomputes every fix of the drive. The same points and
// config always produce the same fixes.
func NewSimulator(points []geo.Point, cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Speed <= 0 || cfg.Interval <= 0 {
		return nil, fmt.Errorf("simulator speed and interval must be positive")
	}
	if cfg.Jitter < 0 {
		return nil, fmt.Errorf("simulator jitter must not be negative")
	}

	spacing := cfg.Speed * cfg.Interval.Seconds()
	samples, err := geo.Resample(points, spacing)
	if err != nil {
		return nil, fmt.Errorf("failed to resample simulated route: %w", err)
	}

	start := cfg.Start
	if start.IsZero() {
		start = time.Now()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	length := geo.PolylineLength(points)

	fixes := make([]UserLocation, len(samples))
	for i, p := range samples {
		course := courseAt(samples, i)
		along := math.Min(float64(i)*spacing, length)

		offset := 0.0
		if cfg.Jitter > 0 {
			offset += (rng.Float64()*2 - 1) * cfg.Jitter
		}
		if d := cfg.Detour; d != nil && along >= d.StartMeters && along <= d.EndMeters {
			offset += d.Offset
		}
		if offset != 0 {
			p = geo.Destination(p, math.Mod(course+90, 360), offset)
		}

		speed := cfg.Speed
		fixes[i] = UserLocation{
			Coordinate:         p,
			HorizontalAccuracy: cfg.Accuracy,
			Course:             &course,
			Speed:              &speed,
			Timestamp:          start.Add(time.Duration(i) * cfg.Interval),
		}
	}

	return &Simulator{fixes: fixes}, nil
}

// Fixes returns a copy of the simulated fixes in order
func (s *Simulator) Fixes() []UserLocation {
	return append([]UserLocation(nil), s.fixes...)
}

// Run calls fn with each fix, one per tick of interval, until the drive ends
// or ctx is cancelled. The first fix is delivered immediately. Interval is
// wall-clock pacing and may be shorter than the simulated interval to replay
// a drive faster than real time. Returning false from fn stops the drive.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, fn func(context.Context, UserLocation) bool) error {
	if interval <= 0 {
		return fmt.Errorf("simulator pacing interval must be positive")
	}
	if len(s.fixes) == 0 {
		return nil
	}
	if !fn(ctx, s.fixes[0]) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; i < len(s.fixes); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !fn(ctx, s.fixes[i]) {
				return nil
			}
		}
	}
	return nil
}

// courseAt is the bearing of travel at sample i
func courseAt(samples []geo.Point, i int) float64 {
	if len(samples) < 2 {
		return 0
	}
	if i >= len(samples)-1 {
		i = len(samples) - 2
	}
	return geo.Bearing(samples[i], samples[i+1])
}
