package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	rate    float64
	openErr error

	mu     sync.Mutex
	fn     func([]float32)
	closed bool
}

func (f *fakeSource) Open(fn func([]float32)) (float64, error) {
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return f.rate, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.fn = nil
	return nil
}

// feed delivers total samples in blocks of size n, reusing one buffer the way
// a device driver does.
func (f *fakeSource) feed(total, n int) {
	buf := make([]float32, n)
	for sent := 0; sent < total; sent += n {
		size := min(n, total-sent)
		for i := 0; i < size; i++ {
			buf[i] = float32((sent+i)%100) / 100
		}
		f.mu.Lock()
		fn := f.fn
		f.mu.Unlock()
		if fn != nil {
			fn(buf[:size])
		}
	}
}

// scriptedEngine names each call by its length so tests can assert on chunk
// boundaries.
type scriptedEngine struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
	text  map[int]string
	gate  chan struct{}
}

func (e *scriptedEngine) Transcribe(ctx context.Context, samples []float32) ([]stt.Segment, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if e.fail[call] {
		return nil, fmt.Errorf("decoder exploded on call %d", call)
	}
	if text, ok := e.text[call]; ok {
		return []stt.Segment{{Text: text}}, nil
	}
	return []stt.Segment{{Text: fmt.Sprintf("chunk%d", len(samples))}}, nil
}

func (e *scriptedEngine) Close() error { return nil }

func newTestSession(t *testing.T, src Source, engine stt.Engine, opts Options, journal Journal) *Session {
	t.Helper()
	if opts.BlockQueueSize == 0 {
		opts.BlockQueueSize = 1024
	}
	return NewSession(opts, src, stt.NewSerializer(engine, newLogger()), journal, newLogger())
}

func TestSessionChunksAndDrainsRemainder(t *testing.T) {
	src := &fakeSource{rate: 48000}
	engine := &scriptedEngine{}
	sess := newTestSession(t, src, engine, Options{ChunkSeconds: 5}, nil)

	var (
		mu       sync.Mutex
		partials []string
	)
	sess.OnPartial(func(text string) {
		mu.Lock()
		partials = append(partials, text)
		mu.Unlock()
	})

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State() != StateRecording {
		t.Fatalf("expected recording, got %s", sess.State())
	}
	src.feed(250000, 1000)

	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Transcript != "chunk80000 chunk3333" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if res.Samples != 250000 || res.Chunks != 2 || res.FailedChunks != 0 || res.NoSpeech {
		t.Fatalf("unexpected result %+v", res)
	}
	if want := 250000 * time.Second / 48000; res.Duration != want {
		t.Fatalf("expected duration %v, got %v", want, res.Duration)
	}
	if sess.State() != StateFinished {
		t.Fatalf("expected finished, got %s", sess.State())
	}
	if !src.closed {
		t.Fatal("expected source closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 1 || partials[0] != "chunk80000" {
		t.Fatalf("expected one partial for the streamed chunk, got %v", partials)
	}
}

func TestSessionFailedChunkDoesNotFailSession(t *testing.T) {
	src := &fakeSource{rate: 16000}
	engine := &scriptedEngine{
		fail: map[int]bool{1: true},
		text: map[int]string{2: "second", 3: "tail"},
	}
	sess := newTestSession(t, src, engine, Options{ChunkSeconds: 1}, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.feed(16000*2+500, 400)

	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Transcript != "second tail" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if res.FailedChunks != 1 || res.Chunks != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
}

func TestSessionFailedRemainderKeepsTranscript(t *testing.T) {
	src := &fakeSource{rate: 16000}
	engine := &scriptedEngine{
		fail: map[int]bool{2: true},
		text: map[int]string{1: "so far"},
	}
	sess := newTestSession(t, src, engine, Options{ChunkSeconds: 1}, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.feed(16000+100, 100)

	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Transcript != "so far" || res.FailedChunks != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSessionZeroSamplesIsNoSpeech(t *testing.T) {
	src := &fakeSource{rate: 44100}
	engine := &scriptedEngine{}
	sess := newTestSession(t, src, engine, Options{}, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.NoSpeech || res.Transcript != "" || res.Samples != 0 {
		t.Fatalf("expected no speech, got %+v", res)
	}
	if engine.calls != 0 {
		t.Fatalf("engine should not run for empty audio, ran %d times", engine.calls)
	}
}

func TestSessionMarkerOnlyIsNoSpeech(t *testing.T) {
	src := &fakeSource{rate: 16000}
	engine := &scriptedEngine{text: map[int]string{1: " [BLANK_AUDIO] "}}
	sess := newTestSession(t, src, engine, Options{NonSpeechMarker: "[BLANK_AUDIO]"}, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.feed(8000, 800)
	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.NoSpeech {
		t.Fatalf("expected no speech, got %q", res.Transcript)
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	src := &fakeSource{rate: 16000}
	sess := newTestSession(t, src, &scriptedEngine{}, Options{}, nil)

	if _, err := sess.Stop(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("stop before start: expected ErrSessionClosed, got %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second start: expected ErrSessionClosed, got %v", err)
	}
	if _, err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := sess.Stop(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second stop: expected ErrSessionClosed, got %v", err)
	}
	if err := sess.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("restart: expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionDeviceFailure(t *testing.T) {
	src := &fakeSource{openErr: errors.New("permission denied")}
	sess := newTestSession(t, src, &scriptedEngine{}, Options{}, nil)

	err := sess.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if sess.State() != StateError {
		t.Fatalf("expected error state, got %s", sess.State())
	}
	if _, err := sess.Stop(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionStopDeadline(t *testing.T) {
	src := &fakeSource{rate: 16000}
	engine := &scriptedEngine{gate: make(chan struct{})}
	sess := newTestSession(t, src, engine, Options{}, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.feed(1600, 160)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Stop(ctx)
	close(engine.gate)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if sess.State() != StateError {
		t.Fatalf("expected error state, got %s", sess.State())
	}
}

func TestOnBlockDropsWhenQueueFull(t *testing.T) {
	sess := newTestSession(t, &fakeSource{rate: 16000}, &scriptedEngine{}, Options{}, nil)
	sess.blocks = make(chan []float32, 1)
	sess.runCtx = context.Background()

	block := []float32{0.1, 0.2}
	sess.onBlock(block)
	sess.onBlock(block)
	sess.onBlock(block)
	if got := sess.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped blocks, got %d", got)
	}
	queued := <-sess.blocks
	block[0] = 9
	if queued[0] != 0.1 {
		t.Fatal("queued block must be a copy")
	}
}

func TestSessionJournalAndRecording(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(dir, "journal.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	src := &fakeSource{rate: 16000}
	recordDir := filepath.Join(dir, "recordings")
	sess := newTestSession(t, src, &scriptedEngine{}, Options{ChunkSeconds: 1, RecordDir: recordDir}, store)
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.feed(20000, 500)
	res, err := sess.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	row, err := store.GetSession(ctx, sess.ID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if row.State != "finished" || row.Transcript != res.Transcript || row.Samples != 20000 {
		t.Fatalf("unexpected journal row %+v", row)
	}
	events, err := store.ListSessionEvents(ctx, sess.ID(), 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{EventStarted, EventChunk, EventChunk, EventFinished}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	var finished struct {
		Chunks   int `json:"chunks"`
		Segments int `json:"segments"`
	}
	if err := json.Unmarshal(events[len(events)-1].Payload, &finished); err != nil {
		t.Fatalf("decode finish payload: %v", err)
	}
	if finished.Chunks != 2 || finished.Segments != 2 {
		t.Fatalf("unexpected finish payload %+v", finished)
	}

	if res.RecordPath != filepath.Join(recordDir, sess.ID()+".wav") {
		t.Fatalf("unexpected record path %q", res.RecordPath)
	}
	f, err := os.Open(res.RecordPath)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode recording: %v", err)
	}
	if len(buf.Data) != 20000 || dec.SampleRate != 16000 {
		t.Fatalf("unexpected recording: %d samples at %d Hz", len(buf.Data), dec.SampleRate)
	}
}
