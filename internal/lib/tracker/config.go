package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig is returned when tracking thresholds are unusable
	ErrInvalidConfig = errors.New("invalid tracking config")
	// ErrNavigationEnded is returned when an operation needs a live session
	ErrNavigationEnded = errors.New("navigation has ended")
)

// StepAdvanceMode selects how the tracker decides a step is complete
type StepAdvanceMode string

const (
	// AdvanceDistanceToEndOfStep advances once the user is within StepAdvanceDistance of the maneuver
	AdvanceDistanceToEndOfStep StepAdvanceMode = "distance_to_end_of_step"
	// AdvanceRelativeLineString also advances when the user is closer to the next step's line than the current one
	AdvanceRelativeLineString StepAdvanceMode = "relative_line_string_distance"
	// AdvanceManual leaves step changes to explicit AdvanceStep calls
	AdvanceManual StepAdvanceMode = "manual"
)

// Config holds the thresholds that govern a tracker. It is copied at
// construction and never changes for the tracker's lifetime.
type Config struct {
	OffRouteThreshold float64 `validate:"gt=0"` // meters
	OffRouteSamples   int     `validate:"min=1"`
	RecoverySamples   int     `validate:"min=1"`

	StepAdvanceDistance float64         `validate:"gte=0"` // meters
	StepAdvanceSamples  int             `validate:"min=1"`
	StepAdvanceMode     StepAdvanceMode `validate:"oneof=distance_to_end_of_step relative_line_string_distance manual"`

	ArrivalRadius float64 `validate:"gt=0"` // meters

	MaxHorizontalAccuracy float64 `validate:"gte=0"` // meters, 0 trusts every fix
	MinimumMovement       float64 `validate:"gte=0"` // meters, 0 disables

	RerouteDebounce         time.Duration `validate:"gte=0"`
	RerouteTimeout          time.Duration `validate:"gt=0"`
	RerouteAcceptanceRadius float64       `validate:"gtefield=OffRouteThreshold"` // meters
}

// DefaultConfig returns the documented default thresholds
func DefaultConfig() Config {
	return Config{
		OffRouteThreshold:       50,
		OffRouteSamples:         3,
		RecoverySamples:         2,
		StepAdvanceDistance:     20,
		StepAdvanceSamples:      2,
		StepAdvanceMode:         AdvanceDistanceToEndOfStep,
		ArrivalRadius:           15,
		MaxHorizontalAccuracy:   50,
		MinimumMovement:         0,
		RerouteDebounce:         5 * time.Second,
		RerouteTimeout:          15 * time.Second,
		RerouteAcceptanceRadius: 100,
	}
}

var validate = validator.New()

// Validate checks every threshold, wrapping failures in ErrInvalidConfig
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
