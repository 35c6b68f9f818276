package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestFloatToPCM16Clamps(t *testing.T) {
	got := FloatToPCM16([]float32{0, 1, -1, 2, -3, 0.5})
	want := []int{0, math.MaxInt16, -math.MaxInt16, math.MaxInt16, -math.MaxInt16, 16384}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestWriteWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := make([]float32, 4800)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}
	if err := WriteWAV(file, samples, 48000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Format.SampleRate != 48000 {
		t.Fatalf("expected 48000 Hz, got %d", buf.Format.SampleRate)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(buf.Data))
	}
}

func TestWriteWAVRejectsZeroRate(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer file.Close()
	if err := WriteWAV(file, []float32{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
