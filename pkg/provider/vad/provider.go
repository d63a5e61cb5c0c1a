// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own state machine
// (speaking flag, speech and silence counters, loudness accumulator) so that
// multiple concurrent audio streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a typed event, so
// the caller's capture loop reacts to transitions without any listener state.
// All timing is measured in samples of the processed stream, never in wall
// clock time, so processing jitter cannot shift segment boundaries.
//
// Implementations must be safe for concurrent use across different sessions.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// ErrInvalidFrame is returned by ProcessFrame for empty frames, frames
// whose sample rate does not match the session and frames carrying NaN or
// infinite samples. The session state is left untouched.
var ErrInvalidFrame = errors.New("vad: invalid frame")

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Default detector settings.
const (
	DefaultStartThreshold = 0.5
	DefaultEndThreshold   = 0.3
	DefaultHangover       = 500 * time.Millisecond
	DefaultMinSpeech      = 150 * time.Millisecond
	DefaultMaxSpeech      = 10 * time.Second
)

// Config holds the parameters for a VAD session. Thresholds are frame RMS
// levels in [0, 1].
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// StartThreshold is the level at or above which an idle stream starts
	// speaking.
	StartThreshold float64

	// EndThreshold is the level below which a speaking stream accumulates
	// silence. Must be <= StartThreshold. Levels between the two thresholds
	// count as speech.
	EndThreshold float64

	// Hangover is how long the level must stay below EndThreshold before
	// speech ends.
	Hangover time.Duration

	// MinSpeech is the shortest voiced duration that produces a speech end.
	// Shorter segments are discarded.
	MinSpeech time.Duration

	// MaxSpeech caps a segment; reaching it forces a speech end.
	MaxSpeech time.Duration
}

// DefaultConfig returns the default settings for audio at sampleRate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:     sampleRate,
		StartThreshold: DefaultStartThreshold,
		EndThreshold:   DefaultEndThreshold,
		Hangover:       DefaultHangover,
		MinSpeech:      DefaultMinSpeech,
		MaxSpeech:      DefaultMaxSpeech,
	}
}

// Validate reports every problem with c. Values are never clamped.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.StartThreshold < 0 || c.StartThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: start_threshold %.3f must be in [0, 1]", c.StartThreshold))
	}
	if c.EndThreshold < 0 || c.EndThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: end_threshold %.3f must be in [0, 1]", c.EndThreshold))
	}
	if c.EndThreshold > c.StartThreshold {
		errs = append(errs, fmt.Errorf("vad: end_threshold %.3f must not exceed start_threshold %.3f", c.EndThreshold, c.StartThreshold))
	}
	if c.Hangover < 0 {
		errs = append(errs, fmt.Errorf("vad: hangover must not be negative, got %s", c.Hangover))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("vad: min_speech must not be negative, got %s", c.MinSpeech))
	}
	if c.MaxSpeech <= 0 {
		errs = append(errs, fmt.Errorf("vad: max_speech must be positive, got %s", c.MaxSpeech))
	} else if c.MaxSpeech < c.MinSpeech {
		errs = append(errs, fmt.Errorf("vad: max_speech %s must not be below min_speech %s", c.MaxSpeech, c.MinSpeech))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine.
type SessionHandle interface {
	// ProcessFrame advances the state machine by one frame and returns the
	// resulting event. Every valid frame yields exactly one event, which
	// always carries the frame's loudness.
	//
	// Returns [ErrInvalidFrame] for empty, mismatched or non-finite frames
	// without changing state. Must not block.
	ProcessFrame(frame audio.AudioFrame) (VADEvent, error)

	// ForceEnd ends an in-progress segment immediately. If the session is
	// speaking it returns a forced [VADSpeechEnd] event and true; otherwise
	// it returns the zero event and false.
	ForceEnd() (VADEvent, bool)

	// Speaking reports whether the session is inside a speech segment.
	Speaking() bool

	// Reset returns the session to idle and rewinds its stream position to
	// zero. Use it when the underlying stream restarts.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
