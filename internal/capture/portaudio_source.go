//go:build portaudio

package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-capture/internal/config"
)

// PortAudioSource captures from a PortAudio input device.
type PortAudioSource struct {
	cfg config.CaptureConfig
	log *slog.Logger

	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
}

func NewPortAudioSource(cfg config.CaptureConfig, logger *slog.Logger) *PortAudioSource {
	return &PortAudioSource{cfg: cfg, log: logger.With(slog.String("component", "portaudio"))}
}

func (p *PortAudioSource) Open(onBlock func(block []float32)) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return 0, fmt.Errorf("portaudio stream already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return 0, fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}
	p.initialized = true

	device, err := p.selectDevice()
	if err != nil {
		p.terminateLocked()
		return 0, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: p.cfg.FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		if len(in) == 0 {
			return
		}
		onBlock(in)
	})
	if err != nil {
		p.terminateLocked()
		return 0, fmt.Errorf("%w: open stream on %q: %v", ErrDeviceUnavailable, device.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		p.terminateLocked()
		return 0, fmt.Errorf("%w: start stream on %q: %v", ErrDeviceUnavailable, device.Name, err)
	}
	p.stream = stream

	p.log.Info("capture stream opened",
		slog.String("device", device.Name),
		slog.Float64("sample_rate", device.DefaultSampleRate),
		slog.Int("frames_per_buffer", p.cfg.FramesPerBuffer))
	return device.DefaultSampleRate, nil
}

func (p *PortAudioSource) selectDevice() (*portaudio.DeviceInfo, error) {
	if p.cfg.Device == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil || device == nil {
			return nil, fmt.Errorf("%w: no default input device", ErrDeviceUnavailable)
		}
		return device, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(p.cfg.Device)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, p.cfg.Device)
}

// Close stops the stream. PortAudio's stop waits for the in-flight callback,
// so no block arrives after Close returns.
func (p *PortAudioSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := p.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		p.stream = nil
	}
	if err := p.terminateLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *PortAudioSource) terminateLocked() error {
	if !p.initialized {
		return nil
	}
	p.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}
