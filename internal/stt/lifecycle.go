package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// ModelStatus describes the on-disk model and whether it has been loaded.
type ModelStatus struct {
	Ready     bool   `json:"ready"`
	Loaded    bool   `json:"loaded"`
	ModelPath string `json:"model_path,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// Lifecycle owns the process-wide engine handle. The engine is loaded lazily
// on first use, concurrent loads collapse into one, and it is only torn down
// by Close at process exit.
type Lifecycle struct {
	cfg     config.EngineConfig
	log     *slog.Logger
	factory func(config.EngineConfig) (Engine, error)

	mu     sync.Mutex
	engine Engine
}

func NewLifecycle(cfg config.EngineConfig, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "engine-lifecycle")),
		factory: NewEngine,
	}
}

// WithFactory replaces the engine constructor. Used by tests and embedders
// that supply their own backend.
func (l *Lifecycle) WithFactory(factory func(config.EngineConfig) (Engine, error)) *Lifecycle {
	l.factory = factory
	return l
}

// Status inspects the model file without loading anything.
func (l *Lifecycle) Status() ModelStatus {
	st := ModelStatus{ModelPath: l.cfg.ModelPath}
	l.mu.Lock()
	st.Loaded = l.engine != nil
	l.mu.Unlock()

	st.SizeBytes, st.Ready = inspectModel(l.cfg)
	return st
}

// Ready reports whether a usable model is present.
func (l *Lifecycle) Ready() bool {
	return l.Status().Ready
}

// Initialize loads the engine if it is not loaded yet. It is safe to call
// repeatedly and from several goroutines; a failed load can be retried.
func (l *Lifecycle) Initialize(ctx context.Context) bool {
	_, err := l.Engine(ctx)
	return err == nil
}

// Engine returns the loaded engine, loading it on first use.
func (l *Lifecycle) Engine(ctx context.Context) (Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.engine != nil {
		return l.engine, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := inspectModel(l.cfg); !ok {
		return nil, fmt.Errorf("%w: model %q missing or smaller than %d bytes", ErrEngineNotReady, l.cfg.ModelPath, l.cfg.MinModelBytes)
	}
	engine, err := l.factory(l.cfg)
	if err != nil {
		l.log.Error("failed to load speech engine", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}
	l.engine = engine
	l.log.Info("speech engine loaded", slog.String("mode", l.cfg.Mode), slog.String("model", l.cfg.ModelPath))
	return engine, nil
}

func inspectModel(cfg config.EngineConfig) (int64, bool) {
	if cfg.Mode == "mock" {
		return 0, true
	}
	info, err := os.Stat(cfg.ModelPath)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), info.Size() > cfg.MinModelBytes
}

// Close releases the engine.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engine == nil {
		return nil
	}
	err := l.engine.Close()
	l.engine = nil
	return err
}
