// Package app is the application root for the host side. It owns
// construction and wiring: cache, config store, discovery racer, sidecar
// controller, and API client are built here and nowhere else, so every
// other package stays free of globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/portside/portside/internal/cache"
	"github.com/portside/portside/internal/client"
	"github.com/portside/portside/internal/config"
	"github.com/portside/portside/internal/discovery"
	"github.com/portside/portside/internal/models"
	"github.com/portside/portside/internal/sidecar"
	"github.com/portside/portside/internal/store"
)

// App wires the host-side components together.
type App struct {
	cfg     config.Config
	logger  *log.Logger
	metrics *Metrics

	cache      *cache.Store
	store      *store.Store
	racer      *discovery.Racer
	controller *sidecar.Controller
	client     *client.Client
}

// New builds the application from config. The returned App owns the cache
// handle; call Close when done.
func New(cfg config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	descCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open descriptor cache: %w", err)
	}

	metrics := NewMetrics()
	st := store.New(models.Placeholder(cfg.Host, cfg.PortRangeStart), descCache, logger)
	controller := sidecar.New(
		sidecar.ExecLauncher{Command: cfg.BackendCommand, Args: cfg.BackendArgs},
		cfg.SettleDelay(),
		cfg.ShutdownGrace(),
		logger,
	)
	racer := &discovery.Racer{
		Host:      cfg.Host,
		PortStart: cfg.PortRangeStart,
		PortEnd:   cfg.PortRangeEnd,
		Timeout:   cfg.DiscoveryTimeout(),
		Prober:    &discovery.Prober{Timeout: cfg.ProbeTimeout()},
		Lines:     controller,
		Cache:     descCache,
		Logger:    logger,
		Metrics:   metrics,
	}
	st.SetDiscoverer(racer)

	// A restart resets the descriptor before the old process dies so
	// subscribers observe the availability dip even when the backend comes
	// back on the same port.
	controller.OnRestart = func(ctx context.Context) { st.Reset(ctx) }
	controller.OnTransition = metrics.IncSidecarTransition

	a := &App{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		cache:      descCache,
		store:      st,
		racer:      racer,
		controller: controller,
		client:     client.New(st, cfg.DiscoveryTimeout()),
	}
	return a, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.cache.Close()
}

// Store exposes the config store for subscription and inspection.
func (a *App) Store() *store.Store { return a.store }

// Client exposes the resilient API client.
func (a *App) Client() *client.Client { return a.client }

// Metrics exposes the metrics registry, for the optional listener.
func (a *App) Metrics() *Metrics { return a.metrics }

// SidecarState reports the controller's current lifecycle state.
func (a *App) SidecarState() models.SidecarState { return a.controller.State() }

// StartSidecar spawns the backend and returns once the spawn request is
// acknowledged. Discovery runs in the background; when it verifies the
// backend, the controller is marked running and the store updated.
func (a *App) StartSidecar(ctx context.Context) (string, error) {
	if err := a.controller.Start(ctx); err != nil {
		if errors.Is(err, sidecar.ErrInvalidTransition) {
			return "", fmt.Errorf("sidecar is already %s: %w", a.controller.State(), err)
		}
		return "", err
	}
	go a.discoverAfterStart()
	return "Sidecar started, waiting for it to become reachable", nil
}

// ShutdownSidecar gracefully stops the backend and marks the descriptor
// unavailable. Stopping an already-stopped sidecar is a no-op.
func (a *App) ShutdownSidecar(ctx context.Context) (string, error) {
	if err := a.controller.Stop(ctx); err != nil {
		return "", err
	}
	a.store.MarkUnavailable(ctx)
	return "Sidecar shut down", nil
}

// RestartSidecar stops, settles, and respawns the backend under a single
// lifecycle transition, then rediscovers in the background.
func (a *App) RestartSidecar(ctx context.Context) (string, error) {
	if err := a.controller.Restart(ctx); err != nil {
		return "", err
	}
	go a.discoverAfterStart()
	return "Sidecar restarted, waiting for it to become reachable", nil
}

// discoverAfterStart runs one discovery round bounded by the configured
// timeout and promotes the sidecar to running on success.
func (a *App) discoverAfterStart() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DiscoveryTimeout())
	defer cancel()
	if _, err := a.store.Refresh(ctx); err != nil {
		a.logger.Printf("app: backend did not become reachable: %v", err)
		return
	}
	a.controller.MarkRunning()
}

// WaitReachable blocks until the store holds an available descriptor or the
// context expires. Used by CLI commands that need the endpoint up front.
func (a *App) WaitReachable(ctx context.Context) (models.Descriptor, error) {
	if d := a.store.Current(); d.Available {
		return d, nil
	}
	ready := make(chan models.Descriptor, 1)
	unsubscribe := a.store.Subscribe(func(d models.Descriptor) {
		if d.Available {
			select {
			case ready <- d:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case d := <-ready:
		return d, nil
	case <-ctx.Done():
		return models.Descriptor{}, fmt.Errorf("backend not reachable: %w", ctx.Err())
	}
}

// ServeMetrics runs the localhost-only metrics listener until the context
// is cancelled. A blank listen address disables it.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.MetricsListen == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", a.cfg.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Printf("app: metrics listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
