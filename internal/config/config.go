package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

// EnvPrefix marks environment overrides, e.g. NAV_TRACKING__ARRIVAL_RADIUS=20
const EnvPrefix = "NAV_"

// Config represents the complete navsim configuration
type Config struct {
	Tracking   TrackingConfig   `koanf:"tracking"`
	Routing    RoutingConfig    `koanf:"routing"`
	Simulation SimulationConfig `koanf:"simulation"`
	Stream     StreamConfig     `koanf:"stream"`
	Events     EventsConfig     `koanf:"events"`
}

// TrackingConfig holds the route tracker thresholds
type TrackingConfig struct {
	OffRouteThreshold       float64       `koanf:"off_route_threshold"`
	OffRouteSamples         int           `koanf:"off_route_samples"`
	RecoverySamples         int           `koanf:"recovery_samples"`
	StepAdvanceDistance     float64       `koanf:"step_advance_distance"`
	StepAdvanceSamples      int           `koanf:"step_advance_samples"`
	StepAdvanceMode         string        `koanf:"step_advance_mode"`
	ArrivalRadius           float64       `koanf:"arrival_radius"`
	MaxHorizontalAccuracy   float64       `koanf:"max_horizontal_accuracy"`
	MinimumMovement         float64       `koanf:"minimum_movement"`
	SmoothingAlpha          float64       `koanf:"smoothing_alpha" validate:"gte=0,lt=1"`
	RerouteDebounce         time.Duration `koanf:"reroute_debounce"`
	RerouteTimeout          time.Duration `koanf:"reroute_timeout"`
	RerouteAcceptanceRadius float64       `koanf:"reroute_acceptance_radius"`
}

// RoutingConfig holds the OSRM route provider settings. Rerouting is
// disabled when no URL is configured.
type RoutingConfig struct {
	OSRMURL          string        `koanf:"osrm_url" validate:"omitempty,url"`
	Profile          string        `koanf:"profile" validate:"required"`
	BearingTolerance int           `koanf:"bearing_tolerance" validate:"gte=0,lte=180"`
	Announcements    []float64     `koanf:"announcements" validate:"dive,gt=0"`
	CacheTTL         time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

// SimulationConfig holds the simulated drives navsim runs
type SimulationConfig struct {
	Speed    float64       `koanf:"speed" validate:"gt=0"` // meters per second
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	// Realtime paces fixes with the wall clock; otherwise they are fed as fast as possible
	Realtime bool         `koanf:"realtime"`
	Accuracy float64      `koanf:"accuracy" validate:"gte=0"`
	Jitter   float64      `koanf:"jitter" validate:"gte=0"`
	Seed     int64        `koanf:"seed"`
	TraceDir string       `koanf:"trace_dir"`
	Trips    []TripConfig `koanf:"trips" validate:"min=1,dive"`
}

// TripConfig is one route to drive, given as encoded polyline steps
type TripConfig struct {
	Name      string        `koanf:"name" validate:"required"`
	Precision int           `koanf:"precision" validate:"oneof=5 6"`
	Steps     []StepConfig  `koanf:"steps" validate:"min=1,dive"`
	Detour    *DetourConfig `koanf:"detour"`
}

// StepConfig describes one maneuver-bounded step of a trip
type StepConfig struct {
	Polyline string          `koanf:"polyline" validate:"required"`
	Maneuver string          `koanf:"maneuver" validate:"required"`
	Modifier string          `koanf:"modifier"`
	TextKey  string          `koanf:"text_key"`
	Duration time.Duration   `koanf:"duration" validate:"gte=0"`
	Triggers []TriggerConfig `koanf:"triggers" validate:"dive"`
}

// TriggerConfig is a spoken announcement distance before a maneuver
type TriggerConfig struct {
	Key      string  `koanf:"key" validate:"required"`
	Distance float64 `koanf:"distance" validate:"gte=0"`
}

// DetourConfig leaves the route for a stretch of the drive to force a reroute
type DetourConfig struct {
	StartMeters float64 `koanf:"start_meters" validate:"gte=0"`
	EndMeters   float64 `koanf:"end_meters" validate:"gtefield=StartMeters"`
	Offset      float64 `koanf:"offset"`
}

// StreamConfig holds the HTTP listener for the event stream and metrics
type StreamConfig struct {
	Listen       string        `koanf:"listen" validate:"required"`
	Buffer       int           `koanf:"buffer" validate:"min=1"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// EventsConfig holds the RabbitMQ relay. Publishing is disabled when no URL is configured.
type EventsConfig struct {
	RabbitURL      string        `koanf:"rabbit_url" validate:"omitempty,url"`
	Exchange       string        `koanf:"exchange" validate:"required_with=RabbitURL"`
	PublishTimeout time.Duration `koanf:"publish_timeout" validate:"gt=0"`
}

var validate = validator.New()

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	tr := tracker.DefaultConfig()
	return &Config{
		Tracking: TrackingConfig{
			OffRouteThreshold:       tr.OffRouteThreshold,
			OffRouteSamples:         tr.OffRouteSamples,
			RecoverySamples:         tr.RecoverySamples,
			StepAdvanceDistance:     tr.StepAdvanceDistance,
			StepAdvanceSamples:      tr.StepAdvanceSamples,
			StepAdvanceMode:         string(tr.StepAdvanceMode),
			ArrivalRadius:           tr.ArrivalRadius,
			MaxHorizontalAccuracy:   tr.MaxHorizontalAccuracy,
			MinimumMovement:         tr.MinimumMovement,
			RerouteDebounce:         tr.RerouteDebounce,
			RerouteTimeout:          tr.RerouteTimeout,
			RerouteAcceptanceRadius: tr.RerouteAcceptanceRadius,
		},
		Routing: RoutingConfig{
			Profile:          "driving",
			BearingTolerance: 45,
			Announcements:    []float64{400, 100},
			CacheTTL:         10 * time.Minute,
		},
		Simulation: SimulationConfig{
			Speed:    13.9, // 50 km/h
			Interval: time.Second,
			Accuracy: 5,
			Jitter:   3,
			Seed:     1,
			Trips: []TripConfig{
				{
					Name:      "Murphys - Main Street to Algiers Street",
					Precision: 5,
					Steps: []StepConfig{
						{
							Polyline: "_mwgF~bg~U?sN?sN",
							Maneuver: route.ManeuverTurn,
							Modifier: "left",
							TextKey:  "turn_left",
							Duration: 35 * time.Second,
							Triggers: []TriggerConfig{{Key: "turn_left_prepare", Distance: 150}},
						},
						{
							Polyline: "_mwgFvcf~UoK?oK?",
							Maneuver: route.ManeuverArrive,
							TextKey:  "arrive",
							Duration: 35 * time.Second,
						},
					},
				},
			},
		},
		Stream: StreamConfig{
			Listen:       ":8080",
			Buffer:       64,
			WriteTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			Exchange:       "navigation",
			PublishTimeout: 5 * time.Second,
		},
	}
}

// Load layers, from lowest to highest priority: defaults, the YAML file at
// path (skipped when empty), NAV_ environment variables and overrides keyed
// by dotted path such as "stream.listen".
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	cfg := DefaultConfig()
	// Configured trips replace the demo trip rather than merging into it
	if k.Exists("simulation.trips") {
		cfg.Simulation.Trips = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section, including the tracker thresholds
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Tracking.ToTracker().Validate(); err != nil {
		return err
	}
	return nil
}

// ToTracker converts the tracking section to tracker settings
func (t TrackingConfig) ToTracker() tracker.Config {
	return tracker.Config{
		OffRouteThreshold:       t.OffRouteThreshold,
		OffRouteSamples:         t.OffRouteSamples,
		RecoverySamples:         t.RecoverySamples,
		StepAdvanceDistance:     t.StepAdvanceDistance,
		StepAdvanceSamples:      t.StepAdvanceSamples,
		StepAdvanceMode:         tracker.StepAdvanceMode(t.StepAdvanceMode),
		ArrivalRadius:           t.ArrivalRadius,
		MaxHorizontalAccuracy:   t.MaxHorizontalAccuracy,
		MinimumMovement:         t.MinimumMovement,
		RerouteDebounce:         t.RerouteDebounce,
		RerouteTimeout:          t.RerouteTimeout,
		RerouteAcceptanceRadius: t.RerouteAcceptanceRadius,
	}
}

// Filter builds the location filter for the tracking section. Smoothing is
// layered over the standard checks when an alpha is configured.
func (t TrackingConfig) Filter() (location.Filter, error) {
	standard := location.NewStandardFilter(t.MaxHorizontalAccuracy, t.MinimumMovement)
	if t.SmoothingAlpha == 0 {
		return standard, nil
	}
	smoothing, err := location.NewSmoothingFilter(standard, t.SmoothingAlpha)
	if err != nil {
		return nil, err
	}
	return smoothing, nil
}

// Route decodes the trip's steps
func (t TripConfig) Route() (*route.Route, error) {
	encoded := make([]route.EncodedStep, len(t.Steps))
	for i, s := range t.Steps {
		textKey := s.TextKey
		if textKey == "" {
			textKey = s.Maneuver
		}

		triggers := make([]route.SpokenTrigger, len(s.Triggers))
		for j, tr := range s.Triggers {
			triggers[j] = route.SpokenTrigger{Key: tr.Key, DistanceBeforeManeuver: tr.Distance}
		}

		encoded[i] = route.EncodedStep{
			Polyline: s.Polyline,
			Instruction: route.Instruction{
				Maneuver: route.Maneuver{Type: s.Maneuver, Modifier: s.Modifier},
				TextKey:  textKey,
			},
			Duration: s.Duration,
			Triggers: triggers,
		}
	}

	r, err := route.FromEncodedSteps(t.Precision, encoded...)
	if err != nil {
		return nil, fmt.Errorf("trip %q: %w", t.Name, err)
	}
	return r, nil
}

// Simulator returns the simulator settings for a trip. Trips are seeded
// apart so they don't jitter identically.
func (s SimulationConfig) Simulator(tripIndex int, start time.Time) location.SimulatorConfig {
	cfg := location.SimulatorConfig{
		Speed:    s.Speed,
		Interval: s.Interval,
		Accuracy: s.Accuracy,
		Jitter:   s.Jitter,
		Seed:     s.Seed + int64(tripIndex),
		Start:    start,
	}
	if d := s.Trips[tripIndex].Detour; d != nil {
		cfg.Detour = &location.Detour{StartMeters: d.StartMeters, EndMeters: d.EndMeters, Offset: d.Offset}
	}
	return cfg
}
