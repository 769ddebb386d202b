package services

import (
	"time"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

// EventDTO is the wire form of a navigation event
type EventDTO struct {
	SessionID     string                 `json:"session_id"`
	Seq           uint64                 `json:"seq"`
	Kind          tracker.EventKind      `json:"kind"`
	StepIndex     int                    `json:"step_index"`
	RouteRevision int                    `json:"route_revision"`
	Location      *location.UserLocation `json:"location,omitempty"`
	TriggerKey    string                 `json:"trigger_key,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Route         *RouteSummary          `json:"route,omitempty"`
}

// RouteSummary describes a newly installed route without its step internals
type RouteSummary struct {
	Steps           int     `json:"steps"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Polyline        string  `json:"polyline,omitempty"` // precision 5
}

// NewEventDTO converts a tracker event for publishing
func NewEventDTO(sessionID string, e tracker.Event) EventDTO {
	dto := EventDTO{
		SessionID:     sessionID,
		Seq:           e.Seq,
		Kind:          e.Kind,
		StepIndex:     e.StepIndex,
		RouteRevision: e.RouteRevision,
		Location:      e.Location,
		TriggerKey:    e.TriggerKey,
	}
	if e.Err != nil {
		dto.Error = e.Err.Error()
	}
	if e.Route != nil {
		dto.Route = summarize(e.Route)
	}
	return dto
}

func summarize(r *route.Route) *RouteSummary {
	summary := &RouteSummary{
		Steps:           r.StepCount(),
		DistanceMeters:  r.Distance(),
		DurationSeconds: r.Duration().Round(time.Millisecond).Seconds(),
	}
	// Route geometry is always valid, so encoding cannot fail in practice
	if encoded, err := geo.EncodePolyline(r.Geometry(), 5); err == nil {
		summary.Polyline = encoded
	}
	return summary
}
