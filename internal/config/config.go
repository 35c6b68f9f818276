package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Engine      EngineConfig     `yaml:"engine"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	Node        NodeConfig       `yaml:"node"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// TranscriptRetentionHours bounds the final transcript stream; 0 keeps
	// everything.
	TranscriptRetentionHours int `yaml:"transcript_retention_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig controls the microphone side of the pipeline.
type CaptureConfig struct {
	Device           string  `yaml:"device"`
	Channels         int     `yaml:"channels"`
	FramesPerBuffer  int     `yaml:"frames_per_buffer"`
	ChunkSeconds     float64 `yaml:"chunk_seconds"`
	BlockQueueSize   int     `yaml:"block_queue_size"`
	RecordDir        string  `yaml:"record_dir"`
}

// EngineConfig selects and configures the speech recognition backend.
type EngineConfig struct {
	Mode          string `yaml:"mode"` // whisper, exec, mock
	ModelPath     string `yaml:"model_path"`
	MinModelBytes int64  `yaml:"min_model_bytes"`
	Language      string `yaml:"language"`
	Threads       int    `yaml:"threads"`
	Command       string `yaml:"command"`
	NoTimestamps  bool   `yaml:"no_timestamps"`
}

type TranscriptConfig struct {
	NonSpeechMarker string `yaml:"non_speech_marker"`
}

// NodeConfig identifies this daemon on the bus. An empty ID falls back to
// the hostname.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-capture",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			TranscriptRetentionHours: 168,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-capture.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Channels:        1,
			FramesPerBuffer: 1024,
			ChunkSeconds:    5,
			BlockQueueSize:  256,
		},
		Engine: EngineConfig{
			Mode:          "whisper",
			ModelPath:     "./models/ggml-small.en.bin",
			MinModelBytes: 1_000_000,
			Language:      "en",
			NoTimestamps:  true,
		},
		Transcript: TranscriptConfig{
			NonSpeechMarker: "[BLANK_AUDIO]",
		},
		Node: NodeConfig{
			Role:              "capture",
			HeartbeatInterval: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadEnvFile(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile reads LOQA_ENV_FILE, or ./.env when present, into the process
// environment. Variables that are already set win over the file.
func loadEnvFile() error {
	path, explicit := os.LookupEnv("LOQA_ENV_FILE")
	if !explicit || strings.TrimSpace(path) == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.TranscriptRetentionHours, "LOQA_BUS_TRANSCRIPT_RETENTION_HOURS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LOQA_CAPTURE_FRAMES_PER_BUFFER")
	overrideFloat(&cfg.Capture.ChunkSeconds, "LOQA_CAPTURE_CHUNK_SECONDS")
	overrideInt(&cfg.Capture.BlockQueueSize, "LOQA_CAPTURE_BLOCK_QUEUE_SIZE")
	overrideString(&cfg.Capture.RecordDir, "LOQA_CAPTURE_RECORD_DIR")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.ModelPath, "LOQA_ENGINE_MODEL_PATH")
	overrideInt64(&cfg.Engine.MinModelBytes, "LOQA_ENGINE_MIN_MODEL_BYTES")
	overrideString(&cfg.Engine.Language, "LOQA_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "LOQA_ENGINE_THREADS")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideBool(&cfg.Engine.NoTimestamps, "LOQA_ENGINE_NO_TIMESTAMPS")
	overrideString(&cfg.Transcript.NonSpeechMarker, "LOQA_TRANSCRIPT_NON_SPEECH_MARKER")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be -1 (random) or between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.TranscriptRetentionHours < 0 {
		return errors.New("bus.transcript_retention_hours must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1 (mono)")
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		return errors.New("capture.frames_per_buffer must be >= 0")
	}
	if cfg.Capture.ChunkSeconds <= 0 {
		return errors.New("capture.chunk_seconds must be positive")
	}
	if cfg.Capture.BlockQueueSize <= 0 {
		return errors.New("capture.block_queue_size must be >= 1")
	}
	switch cfg.Engine.Mode {
	case "whisper", "exec", "mock":
	default:
		return errors.New("engine.mode must be one of whisper|exec|mock")
	}
	if cfg.Engine.Mode != "mock" && cfg.Engine.ModelPath == "" {
		return errors.New("engine.model_path must be set unless mode=mock")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.MinModelBytes < 0 {
		return errors.New("engine.min_model_bytes must be >= 0")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	return nil
}
