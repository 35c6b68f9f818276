package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/loqalabs/loqa-capture/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrSessionClosed is returned when a session is started twice or stopped
// when it is not recording.
var ErrSessionClosed = errors.New("capture session is not recording")

type State int32

const (
	StateIdle State = iota
	StateRecording
	StateDraining
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Journal event types.
const (
	EventStarted      = "session.started"
	EventDeviceFailed = "session.device_failed"
	EventChunk        = "chunk.transcribed"
	EventChunkFailed  = "chunk.failed"
	EventFinished     = "session.finished"
)

// Journal receives the session timeline. *eventstore.Store satisfies it.
type Journal interface {
	BeginSession(ctx context.Context, sess eventstore.Session) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishSession(ctx context.Context, sess eventstore.Session) error
}

// Options tune a session. Chunks are always resampled to stt.SampleRate.
type Options struct {
	ChunkSeconds    float64
	BlockQueueSize  int
	Device          string
	RecordDir       string
	NonSpeechMarker string
}

func OptionsFromConfig(capture config.CaptureConfig, tr config.TranscriptConfig) Options {
	return Options{
		ChunkSeconds:    capture.ChunkSeconds,
		BlockQueueSize:  capture.BlockQueueSize,
		Device:          capture.Device,
		RecordDir:       capture.RecordDir,
		NonSpeechMarker: tr.NonSpeechMarker,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSeconds <= 0 {
		o.ChunkSeconds = 5
	}
	if o.BlockQueueSize <= 0 {
		o.BlockQueueSize = 256
	}
	return o
}

// Result is what Stop hands back. NoSpeech marks an empty transcript, which
// is a normal outcome for a silent recording rather than an error.
type Result struct {
	SessionID    string
	Transcript   string
	NoSpeech     bool
	Duration     time.Duration
	Samples      int
	SampleRate   float64
	Chunks       int
	FailedChunks int
	Dropped      int64
	RecordPath   string
}

type queued struct {
	pending *stt.Pending
	final   bool
	samples int
}

// Session records from a Source, cuts the stream into fixed-length chunks,
// transcribes them through the shared serializer and assembles the running
// transcript. A session is single use: idle, recording, draining, then
// finished (or error if the device could not be opened).
type Session struct {
	id         string
	opts       Options
	source     Source
	serializer *stt.Serializer
	assembler  *transcript.Assembler
	journal    Journal
	log        *slog.Logger

	mu        sync.Mutex
	state     atomic.Int32
	onPartial func(string)

	blocks      chan []float32
	results     chan queued
	pumpDone    chan struct{}
	collectDone chan struct{}

	acc        *audio.Accumulator
	sampleRate float64
	threshold  int
	raw        []float32
	runCtx     context.Context

	dropped      atomic.Int64
	chunks       int
	failedChunks int

	chunkCounter metric.Int64Counter
	dropCounter  metric.Int64Counter
}

func NewSession(opts Options, source Source, serializer *stt.Serializer, journal Journal, logger *slog.Logger) *Session {
	id := newSessionID()
	opts = opts.withDefaults()
	s := &Session{
		id:         id,
		opts:       opts,
		source:     source,
		serializer: serializer,
		assembler:  transcript.NewAssembler(opts.NonSpeechMarker),
		journal:    journal,
		log:        logger.With(slog.String("component", "capture"), slog.String("session_id", id)),
		acc:        audio.NewAccumulator(),
	}
	s.initMetrics()
	return s
}

func newSessionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/capture")
	var err error
	if s.chunkCounter, err = meter.Int64Counter("loqa.capture.chunks",
		metric.WithDescription("Chunks released for inference")); err != nil {
		s.log.Warn("failed to create chunk counter", slogError(err))
	}
	if s.dropCounter, err = meter.Int64Counter("loqa.capture.blocks_dropped",
		metric.WithDescription("Audio blocks dropped because the capture queue was full")); err != nil {
		s.log.Warn("failed to create drop counter", slogError(err))
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// SampleRate is the device rate; zero until Start succeeds.
func (s *Session) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// Transcript returns the running transcript.
func (s *Session) Transcript() string { return s.assembler.Text() }

// Dropped reports how many device blocks were discarded.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// OnPartial registers fn to receive the running transcript each time a
// streamed chunk adds text. fn is called from the session's collector
// goroutine, in chunk order, and never for the final remainder.
func (s *Session) OnPartial(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPartial = fn
}

// Start opens the source and begins streaming chunks to the serializer.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateIdle {
		return ErrSessionClosed
	}

	s.assembler.Reset()
	s.blocks = make(chan []float32, s.opts.BlockQueueSize)
	s.results = make(chan queued, max(s.opts.BlockQueueSize, 64))
	s.pumpDone = make(chan struct{})
	s.collectDone = make(chan struct{})
	s.runCtx = context.WithoutCancel(ctx)

	rate, err := s.source.Open(s.onBlock)
	if err != nil {
		s.state.Store(int32(StateError))
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		s.log.Error("failed to open capture device", slogError(err))
		s.beginJournal(ctx, 0, "error")
		s.appendEvent(ctx, EventDeviceFailed, 0, map[string]string{"error": err.Error()})
		return err
	}
	if rate <= 0 {
		_ = s.source.Close()
		s.state.Store(int32(StateError))
		return fmt.Errorf("%w: device reported sample rate %v", ErrDeviceUnavailable, rate)
	}

	s.sampleRate = rate
	s.threshold = int(rate * s.opts.ChunkSeconds)
	s.state.Store(int32(StateRecording))

	go s.pump()
	go s.collect()

	s.beginJournal(ctx, rate, StateRecording.String())
	s.appendEvent(ctx, EventStarted, 0, map[string]any{"sample_rate": rate, "chunk_samples": s.threshold})
	s.log.Info("capture started",
		slog.Float64("sample_rate", rate),
		slog.Int("chunk_samples", s.threshold))
	return nil
}

// onBlock runs on the audio thread. It copies the block and hands it off
// without blocking; when the queue is full the block is dropped.
func (s *Session) onBlock(block []float32) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("capture callback panic", slog.Any("panic", r))
		}
	}()
	buf := make([]float32, len(block))
	copy(buf, block)
	select {
	case s.blocks <- buf:
	default:
		n := s.dropped.Add(1)
		if s.dropCounter != nil {
			s.dropCounter.Add(s.runCtx, 1)
		}
		s.log.Warn("capture queue full, dropping block",
			slog.Int("samples", len(buf)),
			slog.Int64("dropped", n))
	}
}

func (s *Session) pump() {
	defer close(s.pumpDone)
	for block := range s.blocks {
		s.acc.Push(block)
		if s.opts.RecordDir != "" {
			s.raw = append(s.raw, block...)
		}
		for {
			chunk := s.acc.TryRelease(s.threshold)
			if chunk == nil {
				break
			}
			s.submit(chunk, false)
		}
	}
}

func (s *Session) submit(chunk []float32, final bool) {
	resampled, err := audio.Resample(chunk, s.sampleRate, stt.SampleRate)
	if err != nil {
		s.log.Warn("resample failed, chunk skipped", slogError(err))
		return
	}
	if s.chunkCounter != nil {
		s.chunkCounter.Add(s.runCtx, 1, metric.WithAttributes(attribute.Bool("final", final)))
	}
	p := s.serializer.Enqueue(s.runCtx, stt.Job{
		SessionID: s.id,
		Samples:   resampled,
		Final:     final,
	})
	s.results <- queued{pending: p, final: final, samples: len(resampled)}
}

// collect consumes results in enqueue order, so the transcript is always the
// in-order concatenation of chunk texts.
func (s *Session) collect() {
	defer close(s.collectDone)
	for q := range s.results {
		res, _ := q.pending.Wait(context.Background())
		if res.Err != nil {
			s.failedChunks++
			s.appendEvent(s.runCtx, EventChunkFailed, res.Sequence, map[string]any{
				"final": q.final,
				"error": res.Err.Error(),
			})
			continue
		}
		s.chunks++
		changed := s.assembler.Append(transcript.Segment{Sequence: res.Sequence, Text: res.Text})
		s.appendEvent(s.runCtx, EventChunk, res.Sequence, map[string]any{
			"final":      q.final,
			"samples":    q.samples,
			"text":       res.Text,
			"latency_ms": res.Latency.Milliseconds(),
		})
		if !changed || q.final {
			continue
		}
		s.mu.Lock()
		fn := s.onPartial
		s.mu.Unlock()
		if fn != nil {
			fn(s.assembler.Text())
		}
	}
}

// Stop halts the device, transcribes whatever audio is still buffered and
// returns the final transcript. A failed chunk, including the remainder, does
// not fail the session: the transcript assembled from the other chunks is
// returned. If ctx ends before the last job completes the session moves to
// the error state.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.State() != StateRecording {
		s.mu.Unlock()
		return Result{SessionID: s.id}, ErrSessionClosed
	}
	s.state.Store(int32(StateDraining))
	s.mu.Unlock()

	if err := s.source.Close(); err != nil {
		s.log.Warn("failed to close capture device", slogError(err))
	}
	close(s.blocks)
	<-s.pumpDone

	if remainder := s.acc.DrainRemainder(); len(remainder) > 0 {
		s.submit(remainder, true)
	}
	close(s.results)

	select {
	case <-s.collectDone:
	case <-ctx.Done():
		s.state.Store(int32(StateError))
		s.finishJournal(StateError, Result{SessionID: s.id, Transcript: s.assembler.Text()})
		return Result{SessionID: s.id}, fmt.Errorf("wait for final transcript: %w", ctx.Err())
	}

	total := s.acc.Total()
	res := Result{
		SessionID:    s.id,
		Transcript:   s.assembler.Text(),
		Duration:     time.Duration(float64(total) / s.sampleRate * float64(time.Second)),
		Samples:      total,
		SampleRate:   s.sampleRate,
		Chunks:       s.chunks,
		FailedChunks: s.failedChunks,
		Dropped:      s.dropped.Load(),
	}
	res.NoSpeech = res.Transcript == ""

	if s.opts.RecordDir != "" {
		path, err := s.writeRecording()
		if err != nil {
			s.log.Warn("failed to write recording", slogError(err))
		} else {
			res.RecordPath = path
		}
	}

	s.state.Store(int32(StateFinished))
	s.finishJournal(StateFinished, res)
	s.log.Info("capture finished",
		slog.Int("samples", res.Samples),
		slog.Duration("duration", res.Duration),
		slog.Int("chunks", res.Chunks),
		slog.Int("failed_chunks", res.FailedChunks),
		slog.Bool("no_speech", res.NoSpeech))
	return res, nil
}

func (s *Session) writeRecording() (string, error) {
	if err := os.MkdirAll(s.opts.RecordDir, 0o755); err != nil {
		return "", fmt.Errorf("create record dir: %w", err)
	}
	path := filepath.Join(s.opts.RecordDir, s.id+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, s.raw, int(s.sampleRate)); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Session) beginJournal(ctx context.Context, rate float64, state string) {
	if s.journal == nil {
		return
	}
	err := s.journal.BeginSession(ctx, eventstore.Session{
		ID:         s.id,
		Device:     s.opts.Device,
		SampleRate: rate,
		State:      state,
	})
	if err != nil {
		s.log.Warn("failed to journal session", slogError(err))
	}
}

func (s *Session) finishJournal(state State, res Result) {
	if s.journal == nil {
		return
	}
	s.appendEvent(s.runCtx, EventFinished, 0, map[string]any{
		"state":         state.String(),
		"chunks":        res.Chunks,
		"failed_chunks": res.FailedChunks,
		"dropped":       res.Dropped,
		"segments":      s.assembler.Segments(),
	})
	err := s.journal.FinishSession(s.runCtx, eventstore.Session{
		ID:         s.id,
		State:      state.String(),
		Transcript: res.Transcript,
		Samples:    res.Samples,
		Duration:   res.Duration,
	})
	if err != nil {
		s.log.Warn("failed to journal session result", slogError(err))
	}
}

func (s *Session) appendEvent(ctx context.Context, typ string, seq int64, payload any) {
	if s.journal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal journal payload", slogError(err))
		return
	}
	if err := s.journal.AppendEvent(ctx, eventstore.Event{
		SessionID: s.id,
		Type:      typ,
		Sequence:  seq,
		Payload:   data,
	}); err != nil {
		s.log.Debug("failed to journal event", slog.String("type", typ), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
