package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSerializerClosed is carried by jobs enqueued after Close.
var ErrSerializerClosed = errors.New("inference serializer closed")

// JobState tracks an inference job through the serializer.
type JobState int32

const (
	JobQueued JobState = iota
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one chunk of 16 kHz audio waiting for inference.
type Job struct {
	SessionID string
	Samples   []float32
	Final     bool
}

// Result is the outcome of a job. Text is the raw joined engine output; Err
// wraps ErrInferenceFailure when the engine call failed.
type Result struct {
	Sequence int64
	Text     string
	Segments []Segment
	Latency  time.Duration
	Err      error
}

// Pending is the eventual result of an enqueued job.
type Pending struct {
	seq    int64
	state  atomic.Int32
	done   chan struct{}
	result Result
}

func (p *Pending) Sequence() int64 { return p.seq }

func (p *Pending) State() JobState { return JobState(p.state.Load()) }

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the job has run or ctx ends. Giving up on the wait does not
// cancel the job; it still runs in its turn.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{Sequence: p.seq}, ctx.Err()
	}
}

// Serializer runs engine calls strictly one at a time in enqueue order. Each
// job waits on the completion signal of the job enqueued before it, so the
// chain is released whether the previous call succeeded, failed or panicked.
type Serializer struct {
	engine Engine
	log    *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	tail   chan struct{}
	seq    int64
	closed bool

	depth     atomic.Int64
	latency   metric.Float64Histogram
	failures  metric.Int64Counter
	queueSize metric.Int64UpDownCounter
}

func NewSerializer(engine Engine, logger *slog.Logger) *Serializer {
	s := &Serializer{
		engine: engine,
		log:    logger.With(slog.String("component", "inference-serializer")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-capture/stt"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Serializer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/stt")
	var err error
	if s.latency, err = meter.Float64Histogram("loqa.stt.inference.duration",
		metric.WithDescription("Engine call latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("loqa.stt.inference.failures",
		metric.WithDescription("Engine calls that returned an error")); err != nil {
		return err
	}
	if s.queueSize, err = meter.Int64UpDownCounter("loqa.stt.queue.depth",
		metric.WithDescription("Jobs queued or running")); err != nil {
		return err
	}
	return nil
}

// Depth reports how many jobs are queued or running.
func (s *Serializer) Depth() int64 {
	return s.depth.Load()
}

// Enqueue schedules job behind every job enqueued before it and returns
// immediately. The engine call does not observe cancellation of ctx: audio
// that was submitted is always transcribed.
func (s *Serializer) Enqueue(ctx context.Context, job Job) *Pending {
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.seq++
		p := &Pending{seq: s.seq, done: make(chan struct{})}
		s.mu.Unlock()
		p.result = Result{Sequence: p.seq, Err: fmt.Errorf("%w: %w", ErrInferenceFailure, ErrSerializerClosed)}
		p.state.Store(int32(JobFailed))
		close(p.done)
		return p
	}
	prev := s.tail
	s.tail = done
	s.seq++
	p := &Pending{seq: s.seq, done: make(chan struct{})}
	s.mu.Unlock()

	s.depth.Add(1)
	s.addQueue(ctx, 1)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		p.state.Store(int32(JobRunning))
		p.result = s.run(runCtx, p.seq, job)
		if p.result.Err != nil {
			p.state.Store(int32(JobFailed))
		} else {
			p.state.Store(int32(JobCompleted))
		}
		s.depth.Add(-1)
		s.addQueue(runCtx, -1)
		close(p.done)
	}()
	return p
}

// Close rejects further jobs and waits until every job already enqueued has
// left the engine. The engine must not be released before Close returns nil.
// Close can be called again after a timeout.
func (s *Serializer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	tail := s.tail
	s.mu.Unlock()

	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for inference to finish: %w", ctx.Err())
	}
}

func (s *Serializer) run(ctx context.Context, seq int64, job Job) (res Result) {
	ctx, span := s.tracer.Start(ctx, "stt.inference", trace.WithAttributes(
		attribute.String("session_id", job.SessionID),
		attribute.Int64("sequence", seq),
		attribute.Int("samples", len(job.Samples)),
		attribute.Bool("final", job.Final),
	))
	defer span.End()

	res.Sequence = seq
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: engine panic: %v", ErrInferenceFailure, r)
		}
		res.Latency = time.Since(start)
		if s.latency != nil {
			s.latency.Record(ctx, float64(res.Latency.Milliseconds()))
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			if s.failures != nil {
				s.failures.Add(ctx, 1)
			}
			s.log.Warn("inference failed",
				slog.String("session_id", job.SessionID),
				slog.Int64("sequence", seq),
				slogError(res.Err))
		}
	}()

	if len(job.Samples) == 0 {
		return res
	}
	segments, err := s.engine.Transcribe(ctx, job.Samples)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrInferenceFailure, err)
		return res
	}
	res.Segments = segments
	res.Text = JoinSegments(segments)
	return res
}

func (s *Serializer) addQueue(ctx context.Context, n int64) {
	if s.queueSize != nil {
		s.queueSize.Add(ctx, n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
