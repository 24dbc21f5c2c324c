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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Sink         SinkConfig         `yaml:"sink"`
	Cache        CacheConfig        `yaml:"cache"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Stream       StreamConfig       `yaml:"stream"`
	STT          STTConfig          `yaml:"stt"`
	Chat         ChatConfig         `yaml:"chat"`
	TTS          TTSConfig          `yaml:"tts"`
	Conversation ConversationConfig `yaml:"conversation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SinkConfig struct {
	Mode          string `yaml:"mode"` // none, bus, store, both
	SubjectPrefix string `yaml:"subject_prefix"`
	StorePath     string `yaml:"store_path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CacheConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	MaxDiskBytes   int64  `yaml:"max_disk_bytes"`
	MaxMemoryItems int    `yaml:"max_memory_items"`
}

type ChunkerConfig struct {
	MaxChunkLen int `yaml:"max_chunk_len"`
	MinChunkLen int `yaml:"min_chunk_len"`
}

type SchedulerConfig struct {
	Workers         int `yaml:"workers"`
	GapSilenceMS    int `yaml:"gap_silence_ms"`
	ChunkTimeoutSec int `yaml:"chunk_timeout_sec"`
}

type StreamConfig struct {
	FrameDurationMS    int     `yaml:"frame_duration_ms"`
	HitFrameDurationMS int     `yaml:"hit_frame_duration_ms"`
	FastRTF            float64 `yaml:"fast_rtf"`
	ModerateRTF        float64 `yaml:"moderate_rtf"`
	FastDelayMS        int     `yaml:"fast_delay_ms"`
	ModerateDelayMS    int     `yaml:"moderate_delay_ms"`
	SlowDelayMS        int     `yaml:"slow_delay_ms"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type ChatConfig struct {
	Mode          string  `yaml:"mode"` // mock, openai
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	HistoryWindow int     `yaml:"history_window"`
	TimeoutSec    int     `yaml:"timeout_sec"`
}

type TTSConfig struct {
	Mode         string  `yaml:"mode"` // mock, http, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	Language     string  `yaml:"language"`
	SampleRate   int     `yaml:"sample_rate"`
	SpeakingRate float64 `yaml:"speaking_rate"`
	PitchStd     float64 `yaml:"pitch_std"`
	TimeoutSec   int     `yaml:"timeout_sec"`
}

type ConversationConfig struct {
	MaxRecordingBytes int    `yaml:"max_recording_bytes"`
	SystemPrompt      string `yaml:"system_prompt"`
	DefaultLanguage   string `yaml:"default_language"`
}

func Default() Config {
	return Config{
		RuntimeName: "sonora-runtime",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Sink: SinkConfig{
			Mode:          "store",
			SubjectPrefix: "conversation",
			StorePath:     "./data/sonora-conversations.db",
			RetentionDays: 30,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Dir:            "./cache/tts",
			MaxDiskBytes:   2 << 30,
			MaxMemoryItems: 100,
		},
		Chunker: ChunkerConfig{
			MaxChunkLen: 100,
			MinChunkLen: 20,
		},
		Scheduler: SchedulerConfig{
			Workers:         2,
			GapSilenceMS:    100,
			ChunkTimeoutSec: 45,
		},
		Stream: StreamConfig{
			FrameDurationMS:    100,
			HitFrameDurationMS: 50,
			FastRTF:            0.3,
			ModerateRTF:        0.7,
			FastDelayMS:        20,
			ModerateDelayMS:    50,
			SlowDelayMS:        100,
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			TimeoutSec: 45,
		},
		Chat: ChatConfig{
			Mode:          "mock",
			Endpoint:      "https://api.deepseek.com/v1",
			Model:         "deepseek-chat",
			MaxTokens:     100,
			Temperature:   0.7,
			HistoryWindow: 16,
			TimeoutSec:    30,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Model:        "sonora-v1",
			Language:     "ko",
			SampleRate:   44100,
			SpeakingRate: 20.0,
			PitchStd:     30.0,
			TimeoutSec:   45,
		},
		Conversation: ConversationConfig{
			MaxRecordingBytes: 10 << 20,
			DefaultLanguage:   "ko",
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
	overrideString(&cfg.RuntimeName, "SONORA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SONORA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SONORA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SONORA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SONORA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SONORA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SONORA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SONORA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SONORA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SONORA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SONORA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SONORA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SONORA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SONORA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SONORA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SONORA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SONORA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Sink.Mode, "SONORA_SINK_MODE")
	overrideString(&cfg.Sink.SubjectPrefix, "SONORA_SINK_SUBJECT_PREFIX")
	overrideString(&cfg.Sink.StorePath, "SONORA_SINK_STORE_PATH")
	overrideInt(&cfg.Sink.RetentionDays, "SONORA_SINK_RETENTION_DAYS")
	overrideBool(&cfg.Sink.VacuumOnStart, "SONORA_SINK_VACUUM_ON_START")
	overrideBool(&cfg.Cache.Enabled, "SONORA_CACHE_ENABLED")
	overrideString(&cfg.Cache.Dir, "SONORA_CACHE_DIR")
	overrideInt64(&cfg.Cache.MaxDiskBytes, "SONORA_CACHE_MAX_DISK_BYTES")
	overrideInt(&cfg.Cache.MaxMemoryItems, "SONORA_CACHE_MAX_MEMORY_ITEMS")
	overrideInt(&cfg.Chunker.MaxChunkLen, "SONORA_CHUNKER_MAX_CHUNK_LEN")
	overrideInt(&cfg.Chunker.MinChunkLen, "SONORA_CHUNKER_MIN_CHUNK_LEN")
	overrideInt(&cfg.Scheduler.Workers, "SONORA_SCHEDULER_WORKERS")
	overrideInt(&cfg.Scheduler.GapSilenceMS, "SONORA_SCHEDULER_GAP_SILENCE_MS")
	overrideInt(&cfg.Scheduler.ChunkTimeoutSec, "SONORA_SCHEDULER_CHUNK_TIMEOUT_SEC")
	overrideInt(&cfg.Stream.FrameDurationMS, "SONORA_STREAM_FRAME_DURATION_MS")
	overrideInt(&cfg.Stream.HitFrameDurationMS, "SONORA_STREAM_HIT_FRAME_DURATION_MS")
	overrideFloat(&cfg.Stream.FastRTF, "SONORA_STREAM_FAST_RTF")
	overrideFloat(&cfg.Stream.ModerateRTF, "SONORA_STREAM_MODERATE_RTF")
	overrideInt(&cfg.Stream.FastDelayMS, "SONORA_STREAM_FAST_DELAY_MS")
	overrideInt(&cfg.Stream.ModerateDelayMS, "SONORA_STREAM_MODERATE_DELAY_MS")
	overrideInt(&cfg.Stream.SlowDelayMS, "SONORA_STREAM_SLOW_DELAY_MS")
	overrideString(&cfg.STT.Mode, "SONORA_STT_MODE")
	overrideString(&cfg.STT.Command, "SONORA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SONORA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SONORA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SONORA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SONORA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutSec, "SONORA_STT_TIMEOUT_SEC")
	overrideString(&cfg.Chat.Mode, "SONORA_CHAT_MODE")
	overrideString(&cfg.Chat.Endpoint, "SONORA_CHAT_ENDPOINT")
	overrideString(&cfg.Chat.APIKey, "SONORA_CHAT_API_KEY")
	overrideString(&cfg.Chat.Model, "SONORA_CHAT_MODEL")
	overrideInt(&cfg.Chat.MaxTokens, "SONORA_CHAT_MAX_TOKENS")
	overrideFloat(&cfg.Chat.Temperature, "SONORA_CHAT_TEMPERATURE")
	overrideInt(&cfg.Chat.HistoryWindow, "SONORA_CHAT_HISTORY_WINDOW")
	overrideInt(&cfg.Chat.TimeoutSec, "SONORA_CHAT_TIMEOUT_SEC")
	overrideString(&cfg.TTS.Mode, "SONORA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "SONORA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "SONORA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "SONORA_TTS_MODEL")
	overrideString(&cfg.TTS.Language, "SONORA_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "SONORA_TTS_SAMPLE_RATE")
	overrideFloat(&cfg.TTS.SpeakingRate, "SONORA_TTS_SPEAKING_RATE")
	overrideFloat(&cfg.TTS.PitchStd, "SONORA_TTS_PITCH_STD")
	overrideInt(&cfg.TTS.TimeoutSec, "SONORA_TTS_TIMEOUT_SEC")
	overrideInt(&cfg.Conversation.MaxRecordingBytes, "SONORA_CONVERSATION_MAX_RECORDING_BYTES")
	overrideString(&cfg.Conversation.SystemPrompt, "SONORA_CONVERSATION_SYSTEM_PROMPT")
	overrideString(&cfg.Conversation.DefaultLanguage, "SONORA_CONVERSATION_DEFAULT_LANGUAGE")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Sink.Mode {
	case "none", "bus", "store", "both":
	default:
		return errors.New("sink.mode must be one of none|bus|store|both")
	}
	if cfg.Sink.Mode == "bus" || cfg.Sink.Mode == "both" {
		if !cfg.Bus.Enabled {
			return errors.New("sink.mode requires bus.enabled when publishing to the bus")
		}
		if cfg.Sink.SubjectPrefix == "" {
			return errors.New("sink.subject_prefix must not be empty")
		}
	}
	if cfg.Sink.Mode == "store" || cfg.Sink.Mode == "both" {
		if cfg.Sink.StorePath == "" {
			return errors.New("sink.store_path must not be empty")
		}
	}
	if cfg.Sink.RetentionDays < 0 {
		return errors.New("sink.retention_days must be >= 0")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Dir == "" {
			return errors.New("cache.dir must not be empty when cache is enabled")
		}
		if cfg.Cache.MaxDiskBytes <= 0 {
			return errors.New("cache.max_disk_bytes must be positive")
		}
		if cfg.Cache.MaxMemoryItems <= 0 {
			return errors.New("cache.max_memory_items must be positive")
		}
	}
	if cfg.Chunker.MaxChunkLen <= 0 {
		return errors.New("chunker.max_chunk_len must be positive")
	}
	if cfg.Chunker.MinChunkLen < 0 || cfg.Chunker.MinChunkLen > cfg.Chunker.MaxChunkLen {
		return errors.New("chunker.min_chunk_len must be between 0 and max_chunk_len")
	}
	if cfg.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be >= 1")
	}
	if cfg.Scheduler.GapSilenceMS < 0 {
		return errors.New("scheduler.gap_silence_ms must be >= 0")
	}
	if cfg.Stream.FrameDurationMS <= 0 || cfg.Stream.HitFrameDurationMS <= 0 {
		return errors.New("stream frame durations must be positive")
	}
	if cfg.Stream.FastRTF <= 0 || cfg.Stream.ModerateRTF <= cfg.Stream.FastRTF {
		return errors.New("stream.moderate_rtf must be greater than stream.fast_rtf, both positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	switch cfg.Chat.Mode {
	case "mock", "openai":
	default:
		return errors.New("chat.mode must be one of mock|openai")
	}
	if cfg.Chat.Mode == "openai" && cfg.Chat.APIKey == "" {
		return errors.New("chat.api_key must be set when mode=openai")
	}
	if cfg.Chat.HistoryWindow <= 0 {
		return errors.New("chat.history_window must be >= 1")
	}
	switch cfg.TTS.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Conversation.MaxRecordingBytes <= 0 {
		return errors.New("conversation.max_recording_bytes must be positive")
	}
	return nil
}
