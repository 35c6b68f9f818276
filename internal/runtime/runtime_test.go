package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

type silentSource struct{}

func (silentSource) Open(func([]float32)) (float64, error) { return 16000, nil }
func (silentSource) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "journal.db")
	cfg.Engine.Mode = "mock"
	cfg.Node.ID = "runtime-test"
	return cfg
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestRuntimeServesHealthAndStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), logger).WithSourceFactory(func() capture.Source { return silentSource{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	var base string
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if addr := rt.HTTPAddr(); addr != "" {
			base = "http://" + addr
			if code, _ := get(t, base+"/readyz"); code == http.StatusOK {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if base == "" {
		t.Fatal("runtime never bound its http listener")
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	if code, body := get(t, base+"/healthz"); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz %d %q", code, body)
	}

	code, body := get(t, base+"/status")
	if code != http.StatusOK {
		t.Fatalf("unexpected status code %d", code)
	}
	var st protocol.CaptureStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "idle" || !st.EngineReady {
		t.Fatalf("unexpected status %+v", st)
	}

	if code, _ := get(t, base+"/metrics"); code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", code)
	}
}
