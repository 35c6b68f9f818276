//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-capture/internal/config"
)

// whisperEngine runs whisper.cpp in-process. ggml backends (Metal, CUDA) are
// not thread safe, so Transcribe must never run concurrently; the Serializer
// enforces that.
type whisperEngine struct {
	model whisper.Model
	cfg   config.EngineConfig
}

func NewWhisperEngine(cfg config.EngineConfig) (Engine, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", cfg.ModelPath, err)
	}
	return &whisperEngine{model: model, cfg: cfg}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}
	if e.cfg.Language != "" {
		if err := wctx.SetLanguage(e.cfg.Language); err != nil {
			return nil, fmt.Errorf("set language %q: %w", e.cfg.Language, err)
		}
	}
	wctx.SetTranslate(false)
	if e.cfg.Threads > 0 {
		wctx.SetThreads(uint(e.cfg.Threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper next segment: %w", err)
		}
		segments = append(segments, Segment{Text: seg.Text, Start: seg.Start, End: seg.End})
	}
	if e.cfg.NoTimestamps {
		segments = withoutTimestamps(segments)
	}
	return segments, nil
}

func (e *whisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
