package capture

import "errors"

// ErrDeviceUnavailable covers a missing microphone, a refused permission and
// any failure to open the input stream.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Source is the microphone boundary. Open starts delivering mono float32
// blocks at the device's native rate to onBlock, which runs on the realtime
// audio thread and must not block. The block buffer is only valid for the
// duration of the call. Once Close returns no further calls to onBlock are
// made.
type Source interface {
	Open(onBlock func(block []float32)) (sampleRate float64, err error)
	Close() error
}
