//go:build !portaudio

package capture

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// PortAudioSource is a placeholder when PortAudio support was not compiled
// in. Build with -tags portaudio and the libportaudio headers to capture from
// a real microphone.
type PortAudioSource struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func NewPortAudioSource(cfg config.CaptureConfig, logger *slog.Logger) *PortAudioSource {
	return &PortAudioSource{cfg: cfg, log: logger.With(slog.String("component", "portaudio"))}
}

func (p *PortAudioSource) Open(func(block []float32)) (float64, error) {
	p.log.Error("portaudio backend not compiled in; rebuild with -tags portaudio")
	return 0, fmt.Errorf("%w: portaudio backend not compiled in (device %q)", ErrDeviceUnavailable, p.cfg.Device)
}

func (p *PortAudioSource) Close() error { return nil }
