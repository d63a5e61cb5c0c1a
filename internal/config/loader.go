package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/crosstalk/internal/conversation"
	"github.com/MrWong99/crosstalk/pkg/audio/codec"
	"github.com/MrWong99/crosstalk/pkg/audio/dsp"
	"github.com/MrWong99/crosstalk/pkg/audio/recorder"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultSampleRate   = 48000
	DefaultFrameMs      = 20
	DefaultCaptureName  = "portaudio"
	DefaultVADName      = "energy"
	DefaultFeedCapacity = 256
	DefaultServiceName  = "crosstalk"

	// maxLowPassHz caps the default low-pass cutoff.
	maxLowPassHz = 8000
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper", "whisper-native", "deepgram", "google"},
	"capture": {"portaudio"},
	"vad":     {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Capture.Source.Name == "" {
		cfg.Capture.Source.Name = DefaultCaptureName
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.FrameMs == 0 {
		cfg.Capture.FrameMs = DefaultFrameMs
	}

	v := &cfg.VAD
	if v.StartThreshold == 0 {
		v.StartThreshold = vad.DefaultStartThreshold
	}
	if v.EndThreshold == 0 {
		v.EndThreshold = vad.DefaultEndThreshold
	}
	if v.Hangover == 0 {
		v.Hangover = vad.DefaultHangover
	}
	if v.MinSpeech == 0 {
		v.MinSpeech = vad.DefaultMinSpeech
	}
	if v.MaxSpeech == 0 {
		v.MaxSpeech = vad.DefaultMaxSpeech
	}

	if cfg.Collision.Hold == 0 {
		cfg.Collision.Hold = conversation.DefaultCollisionHold
	}

	n := &cfg.Noise
	def := dsp.DefaultParams()
	if n.HighPassHz == 0 {
		n.HighPassHz = def.HighPassHz
	}
	if n.LowPassHz == 0 {
		n.LowPassHz = defaultLowPass(cfg.Capture.SampleRate)
	}
	if n.GateThreshold == 0 {
		n.GateThreshold = def.GateThreshold
	}

	rec := &cfg.Recorder
	if len(rec.Encodings) == 0 {
		rec.Encodings = slices.Clone(codec.DefaultPreference)
	}
	if rec.PreRoll == nil {
		d := recorder.DefaultPreRoll
		rec.PreRoll = &d
	}
	if rec.MaxDuration == 0 {
		rec.MaxDuration = recorder.DefaultMaxDuration
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVADName
	}

	tr := &cfg.Transcription
	if tr.FailureText == "" {
		tr.FailureText = conversation.DefaultFailureText
	}
	if tr.Timeout == 0 {
		tr.Timeout = conversation.DefaultTranscribeTimeout
	}
	if tr.QueueSize == 0 {
		tr.QueueSize = conversation.DefaultQueueSize
	}
	if tr.DrainTimeout == 0 {
		tr.DrainTimeout = conversation.DefaultDrainTimeout
	}

	if cfg.EventFeed.Capacity == 0 {
		cfg.EventFeed.Capacity = DefaultFeedCapacity
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// defaultLowPass returns the default low-pass cutoff for rate: 8 kHz, or 45%
// of the rate when that is lower.
func defaultLowPass(rate int) float64 {
	if rate <= 0 {
		return maxLowPassHz
	}
	return math.Min(maxLowPassHz, math.Floor(0.45*float64(rate)))
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing all validation failures
// found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Speakers
	if len(cfg.Speakers) == 0 {
		errs = append(errs, errors.New("speakers: at least one speaker is required"))
	}
	seen := make(map[string]int, len(cfg.Speakers))
	for i, s := range cfg.Speakers {
		prefix := fmt.Sprintf("speakers[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of speakers[%d]", prefix, s.Name, prev))
		}
		seen[s.Name] = i
	}
	if len(cfg.Speakers) > 2 {
		slog.Warn("more than two speakers configured; collisions between three or more speakers keep only the latest starter",
			"speakers", len(cfg.Speakers),
		)
	}

	// Capture
	rate := cfg.Capture.SampleRate
	if rate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be positive, got %d", rate))
	}
	if cfg.Capture.FrameMs <= 0 || cfg.Capture.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("capture.frame_ms %d is out of range (0, 1000]", cfg.Capture.FrameMs))
	}
	retry := cfg.Capture.Retry
	if retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("capture.retry.max_attempts must not be negative, got %d", retry.MaxAttempts))
	}
	if retry.Backoff < 0 || retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("capture.retry backoff values must not be negative"))
	}
	validateProviderName("capture", cfg.Capture.Source.Name)

	// Detection and noise are validated against the capture rate.
	if rate > 0 {
		if err := cfg.VADSettings(rate).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vad: %w", err))
		}
		if cfg.Noise.IsEnabled() {
			if err := cfg.Noise.Params().Validate(rate); err != nil {
				errs = append(errs, fmt.Errorf("noise: %w", err))
			}
		}
	}
	if cfg.Collision.Hold < 0 {
		errs = append(errs, fmt.Errorf("collision.hold must not be negative, got %s", cfg.Collision.Hold))
	}

	// Recorder
	for i, e := range cfg.Recorder.Encodings {
		if !e.IsValid() {
			errs = append(errs, fmt.Errorf("recorder.encodings[%d] %q is invalid; valid values: opus, wav, pcm16", i, e))
		}
	}
	if p := cfg.Recorder.PreRoll; p != nil && *p < 0 {
		errs = append(errs, fmt.Errorf("recorder.pre_roll must not be negative, got %s", *p))
	}
	if cfg.Recorder.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("recorder.max_duration must not be negative, got %s", cfg.Recorder.MaxDuration))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	cb := cfg.Providers.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Transcription
	tr := cfg.Transcription
	if tr.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout must not be negative, got %s", tr.Timeout))
	}
	if tr.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transcription.queue_size must not be negative, got %d", tr.QueueSize))
	}
	if tr.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.drain_timeout must not be negative, got %s", tr.DrainTimeout))
	}

	// Event feed and telemetry
	if cfg.EventFeed.Capacity < 0 {
		errs = append(errs, fmt.Errorf("event_feed.capacity must not be negative, got %d", cfg.EventFeed.Capacity))
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// VADSettings returns the detector settings for audio at rate.
func (c *Config) VADSettings(rate int) vad.Config {
	return vad.Config{
		SampleRate:     rate,
		StartThreshold: c.VAD.StartThreshold,
		EndThreshold:   c.VAD.EndThreshold,
		Hangover:       c.VAD.Hangover,
		MinSpeech:      c.VAD.MinSpeech,
		MaxSpeech:      c.VAD.MaxSpeech,
	}
}

// PreRollDuration returns the configured pre-roll, or zero when unset.
func (r RecorderConfig) PreRollDuration() time.Duration {
	if r.PreRoll == nil {
		return 0
	}
	return *r.PreRoll
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
