// Package config loads the service configuration from environment variables.
// Invalid values fall back to defaults rather than failing startup; only a
// missing upstream credential is a hard error, surfaced when dialing.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Voices is the fixed set of voices accepted by the upstream model.
var Voices = []string{"alloy", "echo", "shimmer", "ash", "ballad", "coral", "sage", "verse"}

const (
	defaultVoice        = "alloy"
	defaultSystemPrompt = "You are a helpful voice assistant. Keep your responses concise and natural " +
		"for voice conversation, ideally 1-3 sentences unless more detail is specifically requested. " +
		"Speak in a friendly, conversational tone."
	defaultGreeting = "Hello! I'm your voice assistant. Just start speaking and I'll respond."
)

// Interrupted-transcript policies: what happens to the partially received
// transcript of a response superseded by barge-in.
const (
	InterruptedTranscriptKeep    = "keep"
	InterruptedTranscriptDiscard = "discard"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	Upstream      UpstreamConfig
	Session       SessionConfig
	Recording     RecordingConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener settings.
type ServiceConfig struct {
	HTTPPort    string
	MetricsPort string
}

// UpstreamConfig holds connection settings for the remote speech model.
type UpstreamConfig struct {
	Provider       string // openai or azure
	Endpoint       string // wss URL (openai) or resource endpoint (azure)
	APIKey         string
	Model          string
	Deployment     string // azure only
	APIVersion     string // azure only
	ConnectTimeout time.Duration
}

// SessionConfig is the immutable per-session configuration snapshot. A copy
// is taken at session creation; reconfiguration replaces the snapshot, it
// never mutates fields of a live one.
type SessionConfig struct {
	Voice                 string
	SystemPrompt          string
	Greeting              string
	VADThreshold          float64
	PrefixPaddingMS       int
	SilenceDurationMS     int
	SampleRate            int
	FrameSamples          int
	InputLanguage         string
	InterruptedTranscript string // keep or discard
	PlaybackQueueSize     int
	ErrorWindow           time.Duration
}

// RecordingConfig controls optional persistence of inbound session audio.
type RecordingConfig struct {
	Enabled bool
	Dir     string
}

// KafkaConfig holds transcript event publishing settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment.
func Load() *Config {
	cfg := &Config{
		Service: ServiceConfig{
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Upstream: UpstreamConfig{
			Provider:       envOrDefault("UPSTREAM_PROVIDER", "openai"),
			Endpoint:       envOrDefault("UPSTREAM_ENDPOINT", "wss://api.openai.com/v1/realtime"),
			APIKey:         firstEnv("OPENAI_API_KEY", "AZURE_OPENAI_API_KEY"),
			Model:          envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
			Deployment:     stripQuotes(os.Getenv("AZURE_OPENAI_DEPLOYMENT")),
			APIVersion:     envOrDefault("AZURE_API_VERSION", "2024-10-01-preview"),
			ConnectTimeout: envOrDefaultDuration("UPSTREAM_CONNECT_TIMEOUT", 30*time.Second),
		},
		Session: SessionConfig{
			Voice:                 validVoice(envOrDefault("VOICE", defaultVoice)),
			SystemPrompt:          envOrDefault("SYSTEM_PROMPT", defaultSystemPrompt),
			Greeting:              envOrDefault("GREETING", defaultGreeting),
			VADThreshold:          ClampThreshold(envOrDefaultFloat("VAD_THRESHOLD", 0.7)),
			PrefixPaddingMS:       envOrDefaultInt("VAD_PREFIX_PADDING_MS", 200),
			SilenceDurationMS:     envOrDefaultInt("VAD_SILENCE_DURATION_MS", 700),
			SampleRate:            envOrDefaultInt("SAMPLE_RATE", 24000),
			FrameSamples:          envOrDefaultInt("FRAME_SAMPLES", 480),
			InputLanguage:         envOrDefault("INPUT_LANGUAGE", "en"),
			InterruptedTranscript: transcriptPolicy(envOrDefault("INTERRUPTED_TRANSCRIPT", InterruptedTranscriptKeep)),
			PlaybackQueueSize:     envOrDefaultInt("PLAYBACK_QUEUE_SIZE", 64),
			ErrorWindow:           envOrDefaultDuration("ERROR_THROTTLE_WINDOW", time.Second),
		},
		Recording: RecordingConfig{
			Enabled: envOrDefaultBool("ENABLE_RECORDINGS", false),
			Dir:     envOrDefault("RECORDINGS_DIR", "recordings"),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      splitList(os.Getenv("KAFKA_BROKERS")),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "conversation.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "conversation.transcript.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", envOrDefault("SERVICE_PRINCIPAL", "svc-voice-relay")),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}

	if strings.EqualFold(envOrDefault("USE_AZURE", "false"), "true") {
		cfg.Upstream.Provider = "azure"
		cfg.Upstream.Endpoint = stripQuotes(os.Getenv("AZURE_OPENAI_ENDPOINT"))
		cfg.Upstream.APIKey = stripQuotes(os.Getenv("AZURE_OPENAI_API_KEY"))
	}

	return cfg
}

// ClampThreshold clamps a VAD threshold to the valid [0,1] range.
func ClampThreshold(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validVoice(v string) string {
	for _, known := range Voices {
		if v == known {
			return v
		}
	}
	return defaultVoice
}

func transcriptPolicy(v string) string {
	if v == InterruptedTranscriptDiscard {
		return InterruptedTranscriptDiscard
	}
	return InterruptedTranscriptKeep
}

// stripQuotes removes stray quotes some container platforms add to env values.
func stripQuotes(v string) string {
	return strings.Trim(v, `"'`)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := stripQuotes(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
