package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/presence"
	"github.com/loqalabs/loqa-capture/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	newSource capture.SourceFactory

	httpServer    *http.Server
	metricsServer *http.Server
	httpAddr      atomic.Value
	ready         atomic.Bool
	wg            sync.WaitGroup

	bus       *bus.Client
	lifecycle *stt.Lifecycle
	service   *capture.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	r.newSource = func() capture.Source {
		return capture.NewPortAudioSource(cfg.Capture, logger)
	}
	return r
}

// WithSourceFactory replaces the microphone. Used by tests and by hosts that
// feed audio from somewhere other than PortAudio.
func (r *Runtime) WithSourceFactory(f capture.SourceFactory) *Runtime {
	r.newSource = f
	return r
}

// HTTPAddr is the address the HTTP server is listening on, or "" before
// Start has bound it.
func (r *Runtime) HTTPAddr() string {
	addr, _ := r.httpAddr.Load().(string)
	return addr
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	r.lifecycle = stt.NewLifecycle(r.cfg.Engine, r.logger)
	engineIdle := true
	defer func() {
		if !engineIdle {
			r.logger.Warn("leaving speech engine loaded; inference did not finish before shutdown")
			return
		}
		if err := r.lifecycle.Close(); err != nil {
			r.logger.Warn("speech engine close error", slog.String("error", err.Error()))
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !r.lifecycle.Initialize(ctx) {
			st := r.lifecycle.Status()
			r.logger.Warn("speech engine not ready; capture requests will be rejected until the model is installed",
				slog.String("model", st.ModelPath),
				slog.Int64("size_bytes", st.SizeBytes))
		}
	}()

	r.service = capture.NewService(ctx, r.cfg, r.bus, r.lifecycle, store, r.newSource, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start capture service: %w", err)
	}
	defer func() {
		if err := r.service.Close(); err != nil {
			engineIdle = false
			r.logger.Error("capture service shutdown", slog.String("error", err.Error()))
		}
	}()

	announcer := presence.NewAnnouncer(r.cfg, r.bus, r.service.Status, r.logger)
	if err := announcer.Start(ctx); err != nil {
		r.logger.Warn("presence disabled", slog.String("error", err.Error()))
	} else {
		defer announcer.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpAddr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, listener, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && tel.metrics != nil {
		metricsListener, err := net.Listen("tcp", bind)
		if err != nil {
			r.logger.Warn("metrics listener disabled", slog.String("bind", bind), slog.String("error", err.Error()))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", tel.metrics)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, metricsListener, "metrics")
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx, store)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.HTTPAddr()),
		slog.String("node_id", announcer.NodeID()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(srv *http.Server, l net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady requires the bus, the capture service and a usable model.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && r.lifecycle.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.service.Status())
}
