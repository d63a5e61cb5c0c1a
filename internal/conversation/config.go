package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/crosstalk/internal/device"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/transcript"
	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/codec"
	"github.com/MrWong99/crosstalk/pkg/audio/dsp"
	"github.com/MrWong99/crosstalk/pkg/audio/recorder"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// Defaults for the optional [Config] fields.
const (
	DefaultTranscribeTimeout = 30 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultQueueSize         = 16
)

// Speaker binds a speaker name to a capture device.
type Speaker struct {
	// Name identifies the speaker in utterances and callbacks. Must be unique.
	Name string

	// DeviceID selects the capture device. Empty selects the default input.
	DeviceID string
}

// Config holds the settings of a [Coordinator]. Zero values of the optional
// fields are replaced by defaults; see the field docs.
type Config struct {
	// Speakers lists the participants in registration order. At least one
	// is required.
	Speakers []Speaker

	// SampleRate is the expected capture rate in Hz. Settings are validated
	// against it. A device that delivers another rate gets a pipeline built
	// for its actual rate.
	SampleRate int

	// VAD configures speech detection. Its SampleRate field is ignored.
	VAD vad.Config

	// CollisionHold is how long speakers must overlap before the overlap is
	// resolved. Default [DefaultCollisionHold].
	CollisionHold time.Duration

	// Noise configures the noise reduction chain.
	Noise dsp.Params

	// DisableNoise bypasses noise reduction entirely.
	DisableNoise bool

	// PreRoll is how much audio before a speech start is kept. Zero keeps
	// none.
	PreRoll time.Duration

	// MaxRecording caps a single recording. Default
	// [recorder.DefaultMaxDuration].
	MaxRecording time.Duration

	// Encodings is the preference list for encoding recordings. Default
	// [codec.DefaultPreference].
	Encodings []audio.Encoding

	// Language is passed to the transcriber.
	Language string

	// Keywords are passed to the transcriber as recognition hints.
	Keywords []stt.KeywordBoost

	// FailureText replaces the transcript when transcription fails or hears
	// nothing. Default [DefaultFailureText].
	FailureText string

	// TranscribeTimeout bounds one transcription. Default
	// [DefaultTranscribeTimeout].
	TranscribeTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for pending transcriptions.
	// Default [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// QueueSize is the number of finished recordings a speaker may have
	// waiting for transcription. Default [DefaultQueueSize].
	QueueSize int

	// Acquire bounds device open retries.
	Acquire device.Policy
}

func (c Config) withDefaults() Config {
	if c.CollisionHold == 0 {
		c.CollisionHold = DefaultCollisionHold
	}
	if c.MaxRecording == 0 {
		c.MaxRecording = recorder.DefaultMaxDuration
	}
	if len(c.Encodings) == 0 {
		c.Encodings = codec.DefaultPreference
	}
	if c.FailureText == "" {
		c.FailureText = DefaultFailureText
	}
	if c.TranscribeTimeout == 0 {
		c.TranscribeTimeout = DefaultTranscribeTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// vadConfig returns the VAD settings for audio at rate.
func (c Config) vadConfig(rate int) vad.Config {
	v := c.VAD
	v.SampleRate = rate
	return v
}

// Validate reports every problem with c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if len(c.Speakers) == 0 {
		errs = append(errs, errors.New("conversation: at least one speaker is required"))
	}
	seen := make(map[string]bool, len(c.Speakers))
	for i, s := range c.Speakers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("conversation: speakers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("conversation: speakers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("conversation: sample rate must be positive, got %d", c.SampleRate))
	} else {
		if err := c.vadConfig(c.SampleRate).Validate(); err != nil {
			errs = append(errs, err)
		}
		if !c.DisableNoise {
			if err := c.Noise.Validate(c.SampleRate); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.CollisionHold < 0 {
		errs = append(errs, fmt.Errorf("conversation: collision hold must not be negative, got %s", c.CollisionHold))
	}
	if c.PreRoll < 0 {
		errs = append(errs, fmt.Errorf("conversation: pre-roll must not be negative, got %s", c.PreRoll))
	}
	if c.MaxRecording < 0 {
		errs = append(errs, fmt.Errorf("conversation: max recording must not be negative, got %s", c.MaxRecording))
	}
	for _, e := range c.Encodings {
		if !e.IsValid() {
			errs = append(errs, fmt.Errorf("conversation: unknown encoding %q", e))
		}
	}
	if c.TranscribeTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation: transcribe timeout must not be negative, got %s", c.TranscribeTimeout))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("conversation: queue size must not be negative, got %d", c.QueueSize))
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of a [Coordinator].
type Deps struct {
	// Source opens capture devices. Required.
	Source audio.Source

	// VAD creates one detection session per speaker. Required.
	VAD vad.Engine

	// Transcriber turns recordings into text. Required.
	Transcriber stt.Transcriber

	// TranscriberName labels transcription metrics. Default "stt".
	TranscriberName string

	// Corrector post-processes transcripts. Defaults to [transcript.Nop].
	Corrector transcript.Corrector

	// Metrics receives pipeline metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Source == nil {
		errs = append(errs, errors.New("conversation: capture source is required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("conversation: VAD engine is required"))
	}
	if d.Transcriber == nil {
		errs = append(errs, errors.New("conversation: transcriber is required"))
	}
	return errors.Join(errs...)
}

// Option configures a [Coordinator].
type Option func(*options)

type options struct {
	onUtterance       func(Utterance)
	onLoudness        func(speaker string, v float64)
	onSpeakingChanged func(speaker string, speaking bool)
	now               func() time.Time
	afterFunc         AfterFunc
	sleep             func(ctx context.Context, d time.Duration) error
}

// OnUtterance registers the callback receiving finished utterances. It is
// called from the speaker's transcription goroutine and must not call
// [Coordinator.Stop].
func OnUtterance(fn func(Utterance)) Option {
	return func(o *options) { o.onUtterance = fn }
}

// OnLoudness registers the callback receiving every frame's level. It is
// called on the real-time capture path and must return quickly.
func OnLoudness(fn func(speaker string, v float64)) Option {
	return func(o *options) { o.onLoudness = fn }
}

// OnSpeakingChanged registers the callback receiving speech start and end
// transitions. It must return quickly.
func OnSpeakingChanged(fn func(speaker string, speaking bool)) Option {
	return func(o *options) { o.onSpeakingChanged = fn }
}

// WithClock overrides the wall clock that anchors capture time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAfterFunc overrides how the collision hold timer is scheduled.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *options) { o.afterFunc = fn }
}

// WithRetrySleep overrides the wait between device open attempts.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}
