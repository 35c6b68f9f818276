package protocol

import "time"

// Transcript represents capture output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	NoSpeech  bool      `json:"no_speech,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// DurationMS and Samples are only set on final transcripts.
	DurationMS int64 `json:"duration_ms,omitempty"`
	Samples    int   `json:"samples,omitempty"`
}

// CaptureStartReply answers a capture.start request.
type CaptureStartReply struct {
	SessionID  string  `json:"session_id,omitempty"`
	SampleRate float64 `json:"sample_rate,omitempty"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// CaptureStopReply answers a capture.stop request with the final transcript.
type CaptureStopReply struct {
	SessionID    string `json:"session_id,omitempty"`
	Transcript   string `json:"transcript"`
	NoSpeech     bool   `json:"no_speech"`
	DurationMS   int64  `json:"duration_ms"`
	Samples      int    `json:"samples"`
	Chunks       int    `json:"chunks"`
	FailedChunks int    `json:"failed_chunks"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

// CaptureStatus answers a capture.status request.
type CaptureStatus struct {
	EngineReady  bool   `json:"engine_ready"`
	EngineLoaded bool   `json:"engine_loaded"`
	ModelPath    string `json:"model_path,omitempty"`
	ModelBytes   int64  `json:"model_bytes"`
	SessionID    string `json:"session_id,omitempty"`
	State        string `json:"state"`
	QueueDepth   int64  `json:"queue_depth"`
}

// Error codes carried in replies.
const (
	CodeDeviceUnavailable = "device_unavailable"
	CodeEngineNotReady    = "engine_not_ready"
	CodeBusy              = "busy"
	CodeNoSession         = "no_session"
	CodeInternal          = "internal"
)

const (
	SubjectCaptureStart      = "capture.start"
	SubjectCaptureStop       = "capture.stop"
	SubjectCaptureStatus     = "capture.status"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	// StreamTranscripts persists final transcripts so consumers can replay
	// the ones they missed.
	StreamTranscripts = "CAPTURE_TRANSCRIPTS"
)

// Capability is one thing a node can do, e.g. audio.capture or stt.whisper.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is published periodically with the node's capture status.
type NodeHeartbeat struct {
	NodeID    string        `json:"node_id"`
	Status    CaptureStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
