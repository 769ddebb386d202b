package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lima-limon-inc/ferrostar/internal/cache"
	"github.com/lima-limon-inc/ferrostar/internal/clients/osrm"
	"github.com/lima-limon-inc/ferrostar/internal/config"
	"github.com/lima-limon-inc/ferrostar/internal/lib/reroute"
	"github.com/lima-limon-inc/ferrostar/internal/navigation"
	"github.com/lima-limon-inc/ferrostar/internal/services"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults plus NAV_ environment variables when empty)")
	listen := flag.String("listen", "", "Address for the event stream and metrics, overrides stream.listen")
	realtime := flag.Bool("realtime", false, "Pace simulated fixes with the wall clock")
	traceDir := flag.String("trace-dir", "", "Directory to write a KML trace per trip, overrides simulation.trace_dir")
	dev := flag.Bool("dev", false, "Human readable debug logging")
	flag.Parse()

	overrides := map[string]any{}
	if *listen != "" {
		overrides["stream.listen"] = *listen
	}
	if *realtime {
		overrides["simulation.realtime"] = true
	}
	if *traceDir != "" {
		overrides["simulation.trace_dir"] = *traceDir
	}

	appConfig, err := config.Load(*configPath, overrides)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewProdLogger()
	if *dev {
		logger = logging.NewDevLogger()
	}
	ctx := logging.With(context.Background(), logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appConfig); err != nil {
		log.Fatalf("navsim failed: %v", err)
	}
}

func run(ctx context.Context, appConfig *config.Config) error {
	ctx = logging.EnsureLogger(ctx)
	manager := navigation.NewManager()
	defer manager.StopAll()

	stream := services.NewEventStream(func(id string) bool {
		_, ok := manager.Get(id)
		return ok
	}, appConfig.Stream.Buffer, appConfig.Stream.WriteTimeout)

	sim := &simulation{
		config:   appConfig,
		manager:  manager,
		stream:   stream,
		provider: routeProvider(ctx, appConfig.Routing),
	}

	if appConfig.Events.RabbitURL != "" {
		publisher, err := services.DialRabbit(ctx, appConfig.Events.RabbitURL, appConfig.Events.Exchange, appConfig.Events.PublishTimeout)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logging.Warnw(ctx, "RabbitMQ: close failed", "error", err)
			}
		}()
		sim.publisher = publisher
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	services.NewSessionAPI(manager, stream).Register(mux)

	server := &http.Server{
		Addr:              appConfig.Stream.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logging.Infow(ctx, "navsim: serving event stream and metrics", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw(ctx, "navsim: http server failed", "error", err)
		}
	}()

	logging.Infow(ctx, "navsim: starting trips",
		"trips", len(appConfig.Simulation.Trips), "rerouting", sim.provider != nil,
		"rabbitmq", sim.publisher != nil, "realtime", appConfig.Simulation.Realtime)

	var wg sync.WaitGroup
	for i := range appConfig.Simulation.Trips {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sim.drive(ctx, i); err != nil {
				logging.Errorw(ctx, "navsim: trip failed", "trip", appConfig.Simulation.Trips[i].Name, "error", err)
			}
		}(i)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warnw(ctx, "navsim: http server shutdown failed", "error", err)
	}
	logging.Infow(ctx, "navsim: done")
	return nil
}

// routeProvider returns nil when rerouting is not configured
func routeProvider(ctx context.Context, cfg config.RoutingConfig) reroute.Provider {
	if cfg.OSRMURL == "" {
		return nil
	}

	client := osrm.NewClient(cfg.OSRMURL, cfg.Profile,
		osrm.WithBearingTolerance(cfg.BearingTolerance),
		osrm.WithAnnouncements(cfg.Announcements...))
	if cfg.CacheTTL <= 0 {
		return client
	}

	cached := cache.NewRouteProvider(client, cfg.CacheTTL)
	cached.Cache().StartPeriodicCleanup(ctx, cfg.CacheTTL)
	return cached
}
