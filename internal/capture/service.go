package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/nats-io/nats.go"
)

var (
	ErrBusy            = errors.New("a capture session is already active")
	ErrNoActiveSession = errors.New("no active capture session")
	ErrServiceClosed   = errors.New("capture service closed")
)

const (
	startTimeout   = 10 * time.Second
	stopTimeout    = 2 * time.Minute
	publishTimeout = 5 * time.Second
)

// SourceFactory builds a fresh Source for each session.
type SourceFactory func() Source

// Service owns the one active capture session and exposes it over the bus.
// All sessions share a single serializer, so inference never overlaps even
// across sessions.
type Service struct {
	cfg       config.Config
	bus       *bus.Client
	lifecycle *stt.Lifecycle
	journal   Journal
	newSource SourceFactory
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	engine     stt.Engine
	serializer *stt.Serializer
	active     *Session
	subs       []*nats.Subscription
	durable    bool
	ready      bool
	closed     bool
}

// NewService wires the capture pipeline. busClient may be nil, in which case
// only the Go API is available and nothing is published.
func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, lifecycle *stt.Lifecycle, journal Journal, newSource SourceFactory, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		lifecycle: lifecycle,
		journal:   journal,
		newSource: newSource,
		log:       logger.With(slog.String("component", "capture-service")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		s.ready = true
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	maxAge := time.Duration(s.cfg.Bus.TranscriptRetentionHours) * time.Hour
	if err := s.bus.EnsureStream(ctx, protocol.StreamTranscripts, []string{protocol.SubjectTranscriptFinal}, maxAge); err != nil {
		s.log.Warn("final transcripts will not be persisted", slogError(err))
	} else {
		s.durable = true
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCaptureStart:  s.handleStart,
		protocol.SubjectCaptureStop:   s.handleStop,
		protocol.SubjectCaptureStatus: s.handleStatus,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.ready = true
	return nil
}

// Close stops accepting requests, finishes any session still recording and
// waits for the serializer to go idle. A non-nil error means an engine call
// may still be running and the engine must not be released.
func (s *Service) Close() error {
	s.unsubscribe()
	defer s.cancel()

	s.mu.Lock()
	s.closed = true
	active := s.active
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if active != nil && active.State() == StateRecording {
		if res, err := active.Stop(ctx); err != nil {
			s.log.Warn("failed to finish session on shutdown", slogError(err))
		} else {
			s.publishFinal(res)
		}
	}

	s.mu.Lock()
	serializer := s.serializer
	s.mu.Unlock()
	if serializer == nil {
		return nil
	}
	return serializer.Close(ctx)
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.ready
}

// StartCapture opens a new session. Only one session can record at a time.
func (s *Service) StartCapture(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if s.active != nil {
		switch s.active.State() {
		case StateRecording, StateDraining:
			return nil, ErrBusy
		}
	}
	serializer, err := s.serializerLocked(ctx)
	if err != nil {
		return nil, err
	}

	sess := NewSession(OptionsFromConfig(s.cfg.Capture, s.cfg.Transcript), s.newSource(), serializer, s.journal, s.log)
	id := sess.ID()
	sess.OnPartial(func(text string) {
		s.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID: id,
			Text:      text,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		})
	})
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	s.active = sess
	return sess, nil
}

func (s *Service) serializerLocked(ctx context.Context) (*stt.Serializer, error) {
	engine, err := s.lifecycle.Engine(ctx)
	if err != nil {
		return nil, err
	}
	if s.serializer == nil || s.engine != engine {
		s.engine = engine
		s.serializer = stt.NewSerializer(engine, s.log)
	}
	return s.serializer, nil
}

// StopCapture stops the active session and returns its final transcript.
func (s *Service) StopCapture(ctx context.Context) (Result, error) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil || sess.State() != StateRecording {
		return Result{}, ErrNoActiveSession
	}
	res, err := sess.Stop(ctx)
	if err != nil {
		return res, err
	}
	s.publishFinal(res)
	return res, nil
}

func (s *Service) Status() protocol.CaptureStatus {
	model := s.lifecycle.Status()
	st := protocol.CaptureStatus{
		EngineReady:  model.Ready,
		EngineLoaded: model.Loaded,
		ModelPath:    model.ModelPath,
		ModelBytes:   model.SizeBytes,
		State:        StateIdle.String(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		st.SessionID = s.active.ID()
		st.State = s.active.State().String()
	}
	if s.serializer != nil {
		st.QueueDepth = s.serializer.Depth()
	}
	return st
}

func (s *Service) handleStart(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, startTimeout)
	defer cancel()

	sess, err := s.StartCapture(ctx)
	if err != nil {
		s.log.Warn("capture start rejected", slogError(err))
		s.respond(msg, protocol.CaptureStartReply{Error: err.Error(), Code: errorCode(err)})
		return
	}
	s.respond(msg, protocol.CaptureStartReply{SessionID: sess.ID(), SampleRate: sess.SampleRate()})
}

func (s *Service) handleStop(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, stopTimeout)
	defer cancel()

	res, err := s.StopCapture(ctx)
	if err != nil {
		s.log.Warn("capture stop failed", slogError(err))
		s.respond(msg, protocol.CaptureStopReply{SessionID: res.SessionID, Error: err.Error(), Code: errorCode(err)})
		return
	}
	s.respond(msg, protocol.CaptureStopReply{
		SessionID:    res.SessionID,
		Transcript:   res.Transcript,
		NoSpeech:     res.NoSpeech,
		DurationMS:   res.Duration.Milliseconds(),
		Samples:      res.Samples,
		Chunks:       res.Chunks,
		FailedChunks: res.FailedChunks,
	})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	s.respond(msg, s.Status())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return protocol.CodeDeviceUnavailable
	case errors.Is(err, stt.ErrEngineNotReady):
		return protocol.CodeEngineNotReady
	case errors.Is(err, ErrBusy):
		return protocol.CodeBusy
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrSessionClosed):
		return protocol.CodeNoSession
	default:
		return protocol.CodeInternal
	}
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// publishFinal stores the final transcript in the transcript stream when one
// is available, so it survives consumers that were offline.
func (s *Service) publishFinal(res Result) {
	msg := protocol.Transcript{
		SessionID:  res.SessionID,
		Text:       res.Transcript,
		NoSpeech:   res.NoSpeech,
		Timestamp:  time.Now().UTC(),
		DurationMS: res.Duration.Milliseconds(),
		Samples:    res.Samples,
	}
	if s.bus == nil || !s.durable {
		s.publish(protocol.SubjectTranscriptFinal, msg)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.PublishDurable(ctx, protocol.SubjectTranscriptFinal, data); err != nil {
		s.log.Warn("failed to persist final transcript", slog.String("session_id", res.SessionID), slogError(err))
	}
}

func (s *Service) publish(subject string, msg protocol.Transcript) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("subject", subject), slogError(err))
	}
}
