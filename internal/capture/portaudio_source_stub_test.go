//go:build !portaudio

package capture

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-capture/internal/config"
)

func TestPortAudioSourceWithoutBackend(t *testing.T) {
	src := NewPortAudioSource(config.CaptureConfig{Device: "USB"}, newLogger())
	_, err := src.Open(func([]float32) { t.Error("no block expected") })
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
