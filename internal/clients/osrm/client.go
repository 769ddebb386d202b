package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
)

// HTTPDoer is the subset of *http.Client the client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client computes driving routes with an OSRM server
type Client struct {
	baseURL          string
	profile          string
	httpClient       HTTPDoer
	bearingTolerance int
	announcements    []float64
}

// Option configures a Client
type Option func(*Client)

// WithAnnouncements adds a spoken trigger to every step at each of the given
// distances before the maneuver, skipping distances longer than the step
func WithAnnouncements(distances ...float64) Option {
	return func(c *Client) { c.announcements = append(c.announcements, distances...) }
}

// WithBearingTolerance sets how far in degrees the start of the route may
// deviate from the fix's course
func WithBearingTolerance(degrees int) Option {
	return func(c *Client) { c.bearingTolerance = degrees }
}

// NewClient creates a new OSRM client
func NewClient(baseURL, profile string, opts ...Option) *Client {
	return NewClientWithHTTPDoer(baseURL, profile, &http.Client{Timeout: 30 * time.Second}, opts...)
}

// NewClientWithHTTPDoer creates a client with a custom transport, used in tests
func NewClientWithHTTPDoer(baseURL, profile string, doer HTTPDoer, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		profile:          profile,
		httpClient:       doer,
		bearingTolerance: 45,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeRoute requests a route from the fix to the destination and converts
// OSRM's steps into route steps
func (c *Client) ComputeRoute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routeURL(from, to), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}

	var response routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("API error %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 || response.Code != "Ok" {
		return nil, fmt.Errorf("API error %d: %s: %s", resp.StatusCode, response.Code, response.Message)
	}
	if len(response.Routes) == 0 {
		return nil, fmt.Errorf("no routes found in response")
	}

	return c.processRoute(response.Routes[0])
}

func (c *Client) routeURL(from location.UserLocation, to geo.Point) string {
	coordinates := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f",
		from.Coordinate.Longitude, from.Coordinate.Latitude, to.Longitude, to.Latitude)

	query := url.Values{}
	query.Set("steps", "true")
	query.Set("overview", "false")
	query.Set("geometries", "geojson")
	if from.Course != nil {
		query.Set("bearings", fmt.Sprintf("%d,%d;", int(*from.Course), c.bearingTolerance))
	}

	return fmt.Sprintf("%s/route/v1/%s/%s?%s", c.baseURL, c.profile, coordinates, query.Encode())
}

// processRoute shifts OSRM maneuvers by one step: OSRM attaches a maneuver to
// the start of each step, while a route step ends with its maneuver. The
// final zero-length arrive step only contributes its maneuver.
func (c *Client) processRoute(r osrmRoute) (*route.Route, error) {
	var raw []osrmStep
	for _, leg := range r.Legs {
		raw = append(raw, leg.Steps...)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("route has %d steps, expected at least depart and arrive", len(raw))
	}

	steps := make([]route.Step, 0, len(raw)-1)
	for i := 0; i < len(raw)-1; i++ {
		points, err := stepPoints(raw[i])
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		instruction := raw[i+1].instruction()
		step, err := route.NewStep(points, instruction, raw[i].Distance,
			time.Duration(raw[i].Duration*float64(time.Second)), c.triggers(instruction, raw[i].Distance)...)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return route.NewRoute(steps...)
}

func (c *Client) triggers(instruction route.Instruction, distance float64) []route.SpokenTrigger {
	var triggers []route.SpokenTrigger
	for _, d := range c.announcements {
		if d <= 0 || d > distance {
			continue
		}
		triggers = append(triggers, route.SpokenTrigger{
			Key:                    instruction.TextKey + "@" + strconv.Itoa(int(d)),
			DistanceBeforeManeuver: d,
		})
	}
	return triggers
}

func stepPoints(s osrmStep) ([]geo.Point, error) {
	if s.Geometry == nil {
		return nil, fmt.Errorf("missing geometry")
	}
	line, ok := s.Geometry.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("geometry is %s, expected LineString", s.Geometry.Type)
	}
	points := route.PointsFromLineString(line)
	// OSRM emits single-coordinate lines for some zero-length steps
	if len(points) == 1 {
		points = append(points, points[0])
	}
	return points, nil
}

func (s osrmStep) instruction() route.Instruction {
	textKey := s.Maneuver.Type
	if s.Maneuver.Modifier != "" {
		textKey += "_" + strings.ReplaceAll(s.Maneuver.Modifier, " ", "_")
	}
	return route.Instruction{
		Maneuver: route.Maneuver{Type: s.Maneuver.Type, Modifier: s.Maneuver.Modifier},
		TextKey:  textKey,
	}
}

// routeResponse represents the API response structure
type routeResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Routes  []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Distance float64   `json:"distance"`
	Duration float64   `json:"duration"`
	Legs     []osrmLeg `json:"legs"`
}

type osrmLeg struct {
	Steps []osrmStep `json:"steps"`
}

type osrmStep struct {
	Distance float64           `json:"distance"`
	Duration float64           `json:"duration"`
	Name     string            `json:"name"`
	Geometry *geojson.Geometry `json:"geometry"`
	Maneuver osrmManeuver      `json:"maneuver"`
}

type osrmManeuver struct {
	Type     string     `json:"type"`
	Modifier string     `json:"modifier,omitempty"`
	Location [2]float64 `json:"location"`
}
