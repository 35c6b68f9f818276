package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// SampleRate is the rate every engine expects its input at.
const SampleRate = 16000

var (
	// ErrEngineNotReady is returned when no model is loaded yet.
	ErrEngineNotReady = errors.New("speech engine not ready")
	// ErrInferenceFailure wraps a failed engine call for a single job.
	ErrInferenceFailure = errors.New("inference failed")
)

// Segment is one piece of recognized text.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Engine abstracts speech recognition backends. Implementations are not
// required to be safe for concurrent use; callers go through a Serializer.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32) ([]Segment, error)
	Close() error
}

// JoinSegments joins segment texts with single spaces.
func JoinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// NewEngine builds the backend selected by cfg.Mode.
func NewEngine(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "whisper", "":
		return NewWhisperEngine(cfg)
	case "exec":
		return NewExecEngine(cfg)
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q (supported: whisper, exec, mock)", cfg.Mode)
	}
}

// withoutTimestamps clears segment timings for engines configured with
// no_timestamps.
func withoutTimestamps(segs []Segment) []Segment {
	for i := range segs {
		segs[i].Start, segs[i].End = 0, 0
	}
	return segs
}
