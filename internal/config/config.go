package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
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
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig drives both the transcription backend and the conversational
// service that feeds it from the bus.
type STTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // mock, onnx, exec
	Command string `yaml:"command"`

	ModelDir       string         `yaml:"model_dir"`
	ONNXLibrary    string         `yaml:"onnx_library"`
	IntraOpThreads int            `yaml:"intra_op_threads"`
	Language       string         `yaml:"language"`
	MinFrames      int            `yaml:"min_frames"`
	MaxFrames      int            `yaml:"max_frames"`
	Chunking       ChunkingConfig `yaml:"chunking"`

	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	BufferCapacity   int     `yaml:"buffer_capacity"`
	PauseThresholdMS int     `yaml:"pause_threshold_ms"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	IdleFlushMS      int     `yaml:"idle_flush_ms"`
	PartialEveryMS   int     `yaml:"partial_every_ms"`
	PublishInterim   bool    `yaml:"publish_interim"`
	TimeoutMS        int     `yaml:"timeout_ms"`
}

// ChunkingConfig overrides the model's own chunking settings when Enabled is
// set explicitly.
type ChunkingConfig struct {
	Enabled        *bool   `yaml:"enabled"`
	ChunkSeconds   float64 `yaml:"chunk_seconds"`
	OverlapSeconds float64 `yaml:"overlap_seconds"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-asr-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:          true,
			Mode:             "mock",
			ModelDir:         "./models/parakeet-tdt",
			SampleRate:       16000,
			Channels:         1,
			BufferCapacity:   512000,
			PauseThresholdMS: 800,
			SilenceThreshold: 0.02,
			IdleFlushMS:      3000,
			PartialEveryMS:   800,
			TimeoutMS:        45000,
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
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
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelDir, "LOQA_STT_MODEL_DIR")
	overrideString(&cfg.STT.ONNXLibrary, "LOQA_STT_ONNX_LIBRARY")
	overrideInt(&cfg.STT.IntraOpThreads, "LOQA_STT_INTRA_OP_THREADS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.MinFrames, "LOQA_STT_MIN_FRAMES")
	overrideInt(&cfg.STT.MaxFrames, "LOQA_STT_MAX_FRAMES")
	overrideBoolPtr(&cfg.STT.Chunking.Enabled, "LOQA_STT_CHUNKING_ENABLED")
	overrideFloat(&cfg.STT.Chunking.ChunkSeconds, "LOQA_STT_CHUNK_SECONDS")
	overrideFloat(&cfg.STT.Chunking.OverlapSeconds, "LOQA_STT_OVERLAP_SECONDS")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.BufferCapacity, "LOQA_STT_BUFFER_CAPACITY")
	overrideInt(&cfg.STT.PauseThresholdMS, "LOQA_STT_PAUSE_THRESHOLD_MS")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.IdleFlushMS, "LOQA_STT_IDLE_FLUSH_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBoolPtr(target **bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = &parsed
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
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		if err := validateSTT(cfg.STT); err != nil {
			return err
		}
	}
	return nil
}

func validateSTT(stt STTConfig) error {
	switch stt.Mode {
	case "mock", "onnx", "exec":
	default:
		return errors.New("stt.mode must be one of mock|onnx|exec")
	}
	if stt.Mode == "exec" && stt.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if stt.Mode == "onnx" && stt.ModelDir == "" {
		return errors.New("stt.model_dir must be set when mode=onnx")
	}
	if stt.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if stt.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if stt.BufferCapacity <= 0 {
		return errors.New("stt.buffer_capacity must be positive")
	}
	if stt.PauseThresholdMS <= 0 {
		return errors.New("stt.pause_threshold_ms must be positive")
	}
	if stt.SilenceThreshold < 0 || stt.SilenceThreshold >= 1 {
		return errors.New("stt.silence_threshold must be in [0, 1)")
	}
	if stt.MinFrames < 0 || stt.MaxFrames < 0 {
		return errors.New("stt.min_frames and stt.max_frames must be >= 0")
	}
	if stt.MaxFrames > 0 && stt.MinFrames > stt.MaxFrames {
		return errors.New("stt.min_frames must not exceed stt.max_frames")
	}
	if c := stt.Chunking; c.Enabled != nil && *c.Enabled {
		if c.ChunkSeconds <= 0 {
			return errors.New("stt.chunking.chunk_seconds must be positive when chunking is enabled")
		}
		if c.OverlapSeconds < 0 || c.OverlapSeconds >= c.ChunkSeconds {
			return errors.New("stt.chunking.overlap_seconds must be in [0, chunk_seconds)")
		}
	}
	return nil
}
