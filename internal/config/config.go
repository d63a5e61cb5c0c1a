// Package config provides the configuration schema, loader, file watcher and
// provider registry for the crosstalk server.
package config

import (
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/dsp"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

// LogLevel controls log verbosity for the crosstalk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Speakers      []SpeakerConfig     `yaml:"speakers"`
	Capture       CaptureConfig       `yaml:"capture"`
	VAD           VADConfig           `yaml:"vad"`
	Collision     CollisionConfig     `yaml:"collision"`
	Noise         NoiseConfig         `yaml:"noise"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	EventFeed     EventFeedConfig     `yaml:"event_feed"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SpeakerConfig binds a speaker to a capture device.
type SpeakerConfig struct {
	// Name identifies the speaker in utterances. Must be unique.
	Name string `yaml:"name"`

	// Device selects the capture device by name or index. Empty selects the
	// default input device.
	Device string `yaml:"device"`
}

// CaptureConfig selects the capture backend and stream format.
type CaptureConfig struct {
	// Source selects the registered capture backend (e.g., "portaudio").
	Source ProviderEntry `yaml:"source"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the length of one capture frame in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// Retry bounds device open attempts.
	Retry RetryConfig `yaml:"retry"`
}

// FrameDuration returns FrameMs as a duration.
func (c CaptureConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

// RetryConfig bounds the device acquisition retry loop.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// VADConfig tunes the voice activity detector. Thresholds are frame RMS
// levels in [0, 1].
type VADConfig struct {
	StartThreshold float64       `yaml:"start_threshold"`
	EndThreshold   float64       `yaml:"end_threshold"`
	Hangover       time.Duration `yaml:"hangover"`
	MinSpeech      time.Duration `yaml:"min_speech"`
	MaxSpeech      time.Duration `yaml:"max_speech"`
}

// CollisionConfig tunes overlap resolution.
type CollisionConfig struct {
	// Hold is how long two speakers must overlap before the earlier one is
	// discarded.
	Hold time.Duration `yaml:"hold"`
}

// NoiseConfig tunes the noise reduction chain. All fields except Enabled can
// be changed without a restart.
type NoiseConfig struct {
	// Enabled turns the chain on. Default true.
	Enabled *bool `yaml:"enabled"`

	HighPassHz    float64 `yaml:"high_pass_hz"`
	LowPassHz     float64 `yaml:"low_pass_hz"`
	GateThreshold float64 `yaml:"gate_threshold"`

	// Compressor enables the compressor stage. Default true.
	Compressor *bool `yaml:"compressor"`
}

// IsEnabled reports whether noise reduction runs.
func (n NoiseConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

// Params converts n to chain parameters.
func (n NoiseConfig) Params() dsp.Params {
	return dsp.Params{
		HighPassHz:    n.HighPassHz,
		LowPassHz:     n.LowPassHz,
		GateThreshold: n.GateThreshold,
		Compressor:    n.Compressor == nil || *n.Compressor,
	}
}

// RecorderConfig tunes speech recording.
type RecorderConfig struct {
	// Encodings is the preference list for encoding recordings. The first
	// encoding usable at the capture rate wins.
	Encodings []audio.Encoding `yaml:"encodings"`

	// PreRoll is how much audio before a detected speech start is kept.
	// Zero keeps none; omit the key for the default.
	PreRoll *time.Duration `yaml:"pre_roll"`

	// MaxDuration caps a single recording.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// STT is the primary transcription backend.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the primary fails or its circuit
	// is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// VAD selects the voice activity detector.
	VAD ProviderEntry `yaml:"vad"`

	// CircuitBreaker tunes the breaker in front of every STT backend.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-backend circuit breakers. Zero values
// select the breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2"),
	// or a model file path for local backends.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig tunes how recordings become text.
type TranscriptionConfig struct {
	// Language is the BCP-47 tag passed to the backend. Empty selects the
	// backend default.
	Language string `yaml:"language"`

	// FailureText replaces the transcript when transcription fails.
	FailureText string `yaml:"failure_text"`

	// Vocabulary lists domain terms. They are sent as keyword hints and used
	// to correct misheard words. It can be changed without a restart.
	Vocabulary []string `yaml:"vocabulary"`

	// KeywordBoost is the hint intensity sent with each vocabulary term.
	KeywordBoost float64 `yaml:"keyword_boost"`

	// Timeout bounds one transcription.
	Timeout time.Duration `yaml:"timeout"`

	// QueueSize is how many recordings per speaker may wait for
	// transcription.
	QueueSize int `yaml:"queue_size"`

	// DrainTimeout bounds how long shutdown waits for pending
	// transcriptions.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Keywords returns the vocabulary as recognition hints.
func (t TranscriptionConfig) Keywords() []stt.KeywordBoost {
	if len(t.Vocabulary) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(t.Vocabulary))
	for _, term := range t.Vocabulary {
		out = append(out, stt.KeywordBoost{Keyword: term, Boost: t.KeywordBoost})
	}
	return out
}

// EventFeedConfig tunes the utterance event feed.
type EventFeedConfig struct {
	// Capacity is how many recent utterances are kept in memory.
	Capacity int `yaml:"capacity"`

	// OriginPatterns lists hosts allowed to open cross-origin websockets.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// TelemetryConfig tunes metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of traces sampled, in [0, 1].
	SampleRatio float64 `yaml:"sample_ratio"`
}
