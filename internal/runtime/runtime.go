package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-midi/internal/bus"
	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/engine/backends"
	"github.com/loqalabs/loqa-midi/internal/eventstore"
	"github.com/loqalabs/loqa-midi/internal/natsserver"
	"github.com/loqalabs/loqa-midi/internal/service"
	"github.com/loqalabs/loqa-midi/internal/telemetry"
)

// Runtime is the render daemon: it owns the broker connection, the journal,
// the engine backend and the render service, and serves health and metrics.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry.Telemetry
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	backend    *backends.Backend
	service    *service.Service
	ready      atomic.Bool
	addr       atomic.Value
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the HTTP listen address once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if h := r.telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		r.stopComponents(context.Background())
		return fmt.Errorf("listen http: %w", err)
	}
	addr := listener.Addr().String()
	r.addr.Store(addr)
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.backend.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.stopComponents(shutdownCtx)
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	tel, err := telemetry.Setup(ctx, r.cfg, os.Stderr, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	var servers []string
	if url := r.nats.ClientURL(); url != "" {
		servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")), servers...)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open render journal: %w", err)
	}

	r.backend, err = backends.New(ctx, r.cfg.Engine, r.logger)
	if err != nil {
		return fmt.Errorf("engine backend: %w", err)
	}

	r.service, err = service.New(ctx, r.cfg, r.backend, r.bus, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("render service: %w", err)
	}
	return nil
}

// stopComponents releases in reverse start order; every step tolerates a
// component that never started.
func (r *Runtime) stopComponents(ctx context.Context) {
	r.service.Close()
	if err := r.backend.Close(ctx); err != nil {
		r.logger.Error("engine backend close error", slog.String("error", err.Error()))
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (!r.cfg.Service.Enabled || r.service.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
