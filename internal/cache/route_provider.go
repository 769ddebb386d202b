package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/lima-limon-inc/ferrostar/internal/lib/geo"
	"github.com/lima-limon-inc/ferrostar/internal/lib/location"
	"github.com/lima-limon-inc/ferrostar/internal/lib/reroute"
	"github.com/lima-limon-inc/ferrostar/internal/lib/route"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

// RouteProvider serves repeated route requests from memory. Requests are
// keyed by origin and destination rounded to about 11 meters, plus the
// course rounded to 45 degrees when one is known.
type RouteProvider struct {
	next  reroute.Provider
	cache *Cache[*route.Route]
	ttl   time.Duration
}

// NewRouteProvider wraps next with a cache whose entries live for ttl
func NewRouteProvider(next reroute.Provider, ttl time.Duration) *RouteProvider {
	return &RouteProvider{
		next:  next,
		cache: New[*route.Route](),
		ttl:   ttl,
	}
}

// ComputeRoute implements reroute.Provider
func (p *RouteProvider) ComputeRoute(ctx context.Context, from location.UserLocation, to geo.Point) (*route.Route, error) {
	ctx = logging.EnsureLogger(ctx)
	key := routeKey(from, to)
	if r, ok := p.cache.Get(key); ok {
		metrics.RouteCacheRequests.WithLabelValues("hit").Inc()
		logging.Debugw(ctx, "Route cache: hit", "key", key)
		return r, nil
	}
	metrics.RouteCacheRequests.WithLabelValues("miss").Inc()

	r, err := p.next.ComputeRoute(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if r != nil {
		p.cache.Set(key, r, p.ttl, "provider")
	}
	return r, nil
}

// Cache exposes the underlying cache, mostly for cleanup and stats
func (p *RouteProvider) Cache() *Cache[*route.Route] {
	return p.cache
}

func routeKey(from location.UserLocation, to geo.Point) string {
	key := fmt.Sprintf("route:%.4f,%.4f;%.4f,%.4f",
		from.Coordinate.Latitude, from.Coordinate.Longitude, to.Latitude, to.Longitude)
	if from.Course != nil {
		bucket := int(math.Round(math.Mod(*from.Course, 360)/45)) % 8
		key += fmt.Sprintf("@%d", bucket*45)
	}
	return key
}
