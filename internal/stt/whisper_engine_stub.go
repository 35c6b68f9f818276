//go:build !whisper

package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// NewWhisperEngine reports that whisper.cpp support was not compiled in.
// Build with -tags whisper and a libwhisper install to enable it.
func NewWhisperEngine(cfg config.EngineConfig) (Engine, error) {
	return nil, fmt.Errorf("whisper backend not compiled in (model %s): rebuild with -tags whisper", cfg.ModelPath)
}
