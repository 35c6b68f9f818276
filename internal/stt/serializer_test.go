package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine identifies each job by samples[0] and records whether two calls
// ever overlapped.
type fakeEngine struct {
	active  atomic.Int32
	overlap atomic.Bool
	delay   func(id int) time.Duration
	fail    map[int]bool
	panics  map[int]bool

	mu    sync.Mutex
	order []int
}

func (f *fakeEngine) Transcribe(_ context.Context, samples []float32) ([]Segment, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)

	id := int(samples[0])
	if f.delay != nil {
		time.Sleep(f.delay(id))
	}
	f.mu.Lock()
	f.order = append(f.order, id)
	f.mu.Unlock()

	if f.panics[id] {
		panic("backend crashed")
	}
	if f.fail[id] {
		return nil, errors.New("gpu busy")
	}
	return []Segment{{Text: fmt.Sprintf(" job%d ", id)}, {Text: "done"}}, nil
}

func (f *fakeEngine) Close() error { return nil }

func job(id int) Job {
	return Job{SessionID: "s", Samples: []float32{float32(id), 0, 0}}
}

func TestSerializerRunsJobsOneAtATimeInOrder(t *testing.T) {
	engine := &fakeEngine{delay: func(id int) time.Duration {
		// Earlier jobs are slower so a racing implementation would reorder them.
		return time.Duration(10-id) * 3 * time.Millisecond
	}}
	s := NewSerializer(engine, newLogger())

	const n = 8
	pendings := make([]*Pending, n)
	for i := 0; i < n; i++ {
		pendings[i] = s.Enqueue(context.Background(), job(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var lastSeq int64
	for i, p := range pendings {
		res, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("wait job %d: %v", i, err)
		}
		if res.Err != nil {
			t.Fatalf("job %d failed: %v", i, res.Err)
		}
		if want := fmt.Sprintf("job%d done", i); res.Text != want {
			t.Fatalf("job %d: expected %q, got %q", i, want, res.Text)
		}
		if res.Sequence <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", res.Sequence, lastSeq)
		}
		lastSeq = res.Sequence
	}

	if engine.overlap.Load() {
		t.Fatal("engine calls overlapped")
	}
	for i, id := range engine.order {
		if id != i {
			t.Fatalf("execution order %v, expected ascending", engine.order)
		}
	}
	if s.Depth() != 0 {
		t.Fatalf("expected empty queue, depth=%d", s.Depth())
	}
}

func TestSerializerConcurrentEnqueueNeverOverlaps(t *testing.T) {
	engine := &fakeEngine{delay: func(int) time.Duration { return time.Millisecond }}
	s := NewSerializer(engine, newLogger())

	var wg sync.WaitGroup
	results := make(chan *Pending, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- s.Enqueue(context.Background(), job(id))
		}(i)
	}
	wg.Wait()
	close(results)

	var all []*Pending
	for p := range results {
		all = append(all, p)
	}
	for _, p := range all {
		<-p.Done()
	}
	if engine.overlap.Load() {
		t.Fatal("engine calls overlapped")
	}

	bySeq := make(map[int64]*Pending, len(all))
	for _, p := range all {
		bySeq[p.Sequence()] = p
	}
	for seq := int64(1); seq <= int64(len(all)); seq++ {
		p, ok := bySeq[seq]
		if !ok {
			t.Fatalf("missing sequence %d", seq)
		}
		if p.State() != JobCompleted {
			t.Fatalf("sequence %d in state %s", seq, p.State())
		}
	}
}

func TestSerializerFailureReleasesChain(t *testing.T) {
	engine := &fakeEngine{
		fail:  map[int]bool{1: true},
		delay: func(int) time.Duration { return 5 * time.Millisecond },
	}
	s := NewSerializer(engine, newLogger())

	first := s.Enqueue(context.Background(), job(1))
	second := s.Enqueue(context.Background(), job(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res1, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("wait first: %v", err)
	}
	if !errors.Is(res1.Err, ErrInferenceFailure) {
		t.Fatalf("expected inference failure, got %v", res1.Err)
	}
	if res1.Text != "" {
		t.Fatalf("failed job must carry no text, got %q", res1.Text)
	}
	if first.State() != JobFailed {
		t.Fatalf("expected failed state, got %s", first.State())
	}

	res2, err := second.Wait(ctx)
	if err != nil {
		t.Fatalf("second job never ran: %v", err)
	}
	if res2.Err != nil || res2.Text != "job2 done" {
		t.Fatalf("unexpected second result %+v", res2)
	}
}

func TestSerializerRecoversEnginePanic(t *testing.T) {
	engine := &fakeEngine{panics: map[int]bool{1: true}}
	s := NewSerializer(engine, newLogger())

	first := s.Enqueue(context.Background(), job(1))
	second := s.Enqueue(context.Background(), job(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res1, _ := first.Wait(ctx)
	if !errors.Is(res1.Err, ErrInferenceFailure) {
		t.Fatalf("expected panic surfaced as inference failure, got %v", res1.Err)
	}
	res2, err := second.Wait(ctx)
	if err != nil || res2.Err != nil {
		t.Fatalf("second job should succeed: %v %v", err, res2.Err)
	}
}

func TestSerializerCancelledCallerStillRunsJob(t *testing.T) {
	block := make(chan struct{})
	engine := &fakeEngine{delay: func(id int) time.Duration {
		if id == 1 {
			<-block
		}
		return 0
	}}
	s := NewSerializer(engine, newLogger())

	first := s.Enqueue(context.Background(), job(1))
	ctx, cancel := context.WithCancel(context.Background())
	second := s.Enqueue(ctx, job(2))
	cancel()

	if _, err := second.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wait to end with caller cancellation, got %v", err)
	}
	if second.State() != JobQueued {
		t.Fatalf("expected second job still queued, got %s", second.State())
	}
	close(block)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := first.Wait(waitCtx); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := second.Wait(waitCtx)
	if err != nil || res.Err != nil || res.Text != "job2 done" {
		t.Fatalf("cancelled caller's job must still run: %v %+v", err, res)
	}
}

func TestSerializerEmptyJobSkipsEngine(t *testing.T) {
	engine := &fakeEngine{}
	s := NewSerializer(engine, newLogger())
	p := s.Enqueue(context.Background(), Job{})
	res, err := p.Wait(context.Background())
	if err != nil || res.Err != nil || res.Text != "" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if len(engine.order) != 0 {
		t.Fatalf("engine should not be called for empty audio")
	}
}

func TestSerializerCloseWaitsForRunningJob(t *testing.T) {
	block := make(chan struct{})
	engine := &fakeEngine{delay: func(id int) time.Duration {
		if id == 1 {
			<-block
		}
		return 0
	}}
	s := NewSerializer(engine, newLogger())
	first := s.Enqueue(context.Background(), job(1))
	second := s.Enqueue(context.Background(), job(2))

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Close(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected close to time out while a job runs, got %v", err)
	}

	late := s.Enqueue(context.Background(), job(3))
	res, err := late.Wait(context.Background())
	if err != nil || !errors.Is(res.Err, ErrSerializerClosed) || !errors.Is(res.Err, ErrInferenceFailure) {
		t.Fatalf("expected job after close to be rejected, got %v %+v", err, res)
	}

	close(block)
	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if engine.active.Load() != 0 {
		t.Fatalf("engine still busy after close returned")
	}
	for _, p := range []*Pending{first, second} {
		if st := p.State(); st != JobCompleted {
			t.Fatalf("job %d not completed before close returned: %s", p.Sequence(), st)
		}
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.order) != 2 {
		t.Fatalf("expected only the two queued jobs to run, got %v", engine.order)
	}
}

func TestSerializerCloseIdle(t *testing.T) {
	s := NewSerializer(&fakeEngine{}, newLogger())
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close idle serializer: %v", err)
	}
}
