package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/twpayne/go-kml/v2"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
)

// WriteKML renders the recording as a KML document: one line per route
// revision, the driven track and a placemark for every located event.
func (r *Recorder) WriteKML(w io.Writer) error {
	routes := r.Routes()
	events := r.Events()
	track := r.Track()

	routeFolder := []kml.Element{kml.Name("Routes")}
	for revision, rt := range routes {
		routeFolder = append(routeFolder, kml.Placemark(
			kml.Name(fmt.Sprintf("Route revision %d", revision)),
			kml.Description(fmt.Sprintf("%d steps, %.0f m", rt.StepCount(), rt.Distance())),
			kml.LineString(kml.Coordinates(coordinates(rt.Geometry())...)),
		))
	}

	trackFolder := []kml.Element{kml.Name("Track")}
	if len(track) >= 2 {
		trackFolder = append(trackFolder, kml.Placemark(
			kml.Name("Driven"),
			kml.LineString(kml.Coordinates(coordinates(track)...)),
		))
	}

	eventFolder := []kml.Element{kml.Name("Events")}
	for _, e := range events {
		if e.Location == nil {
			continue
		}
		eventFolder = append(eventFolder, kml.Placemark(
			kml.Name(fmt.Sprintf("#%d %s", e.Seq, e.Kind)),
			kml.Description(describe(e)),
			kml.TimeStamp(kml.When(e.Location.Timestamp)),
			kml.Point(kml.Coordinates(coordinates([]geo.Point{e.Location.Coordinate})...)),
		))
	}

	doc := kml.KML(kml.Document(
		kml.Name(r.name),
		kml.Folder(routeFolder...),
		kml.Folder(trackFolder...),
		kml.Folder(eventFolder...),
	))

	if err := doc.WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	return nil
}

func coordinates(points []geo.Point) []kml.Coordinate {
	coords := make([]kml.Coordinate, len(points))
	for i, p := range points {
		coords[i] = kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
	}
	return coords
}

func describe(e tracker.Event) string {
	parts := []string{
		fmt.Sprintf("step %d", e.StepIndex),
		fmt.Sprintf("route revision %d", e.RouteRevision),
	}
	if e.TriggerKey != "" {
		parts = append(parts, "trigger "+e.TriggerKey)
	}
	if e.Err != nil {
		parts = append(parts, "error "+e.Err.Error())
	}
	return strings.Join(parts, ", ")
}
