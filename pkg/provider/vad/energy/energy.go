// Package energy implements a level-based [vad.Engine].
//
// Each frame is reduced to its RMS level. An idle stream starts speaking when
// the level reaches the start threshold; a speaking stream ends once the level
// has stayed below the end threshold for the hangover period. Levels between
// the two thresholds keep the stream speaking, which stops flapping at the
// boundary. Segments whose voiced part is shorter than the minimum speech
// duration are discarded, and segments reaching the maximum duration are
// force-ended.
package energy

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// Engine creates level-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{
		cfg:       cfg,
		hangover:  samplesFor(cfg.SampleRate, cfg.Hangover),
		minSpeech: samplesFor(cfg.SampleRate, cfg.MinSpeech),
		maxSpeech: samplesFor(cfg.SampleRate, cfg.MaxSpeech),
	}, nil
}

// samplesFor converts d to a whole number of samples, rounding down.
func samplesFor(rate int, d time.Duration) int64 {
	return int64(rate) * d.Milliseconds() / 1000
}

// session is safe for concurrent use so that ForceEnd may be called from a
// goroutine other than the one feeding frames.
type session struct {
	mu  sync.Mutex
	cfg vad.Config

	hangover  int64
	minSpeech int64
	maxSpeech int64

	// pos is the number of samples processed since creation or Reset.
	pos int64

	speaking      bool
	start         int64
	speechSamples int64
	silenceRun    int64
	silenceStart  int64
	loudSum       float64
	loudCount     int
	closed        bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame audio.AudioFrame) (vad.VADEvent, error) {
	if err := frame.Validate(s.cfg.SampleRate); err != nil {
		return vad.VADEvent{}, fmt.Errorf("%w: %w", vad.ErrInvalidFrame, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}

	level := audio.RMS(frame.Samples)
	n := int64(len(frame.Samples))
	frameStart := s.pos
	s.pos += n

	if !s.speaking {
		if level < s.cfg.StartThreshold {
			return vad.VADEvent{Type: vad.VADSilence, Loudness: level}, nil
		}
		s.speaking = true
		s.start = frameStart
		s.speechSamples = n
		s.silenceRun = 0
		s.loudSum = level
		s.loudCount = 1
		return vad.VADEvent{
			Type:     vad.VADSpeechStart,
			Loudness: level,
			Offset:   s.duration(frameStart),
		}, nil
	}

	s.speechSamples += n
	s.loudSum += level
	s.loudCount++

	if s.speechSamples >= s.maxSpeech {
		ev := s.end(s.pos, true)
		ev.Loudness = level
		return ev, nil
	}

	if level < s.cfg.EndThreshold {
		if s.silenceRun == 0 {
			s.silenceStart = frameStart
		}
		s.silenceRun += n
		if s.silenceRun >= s.hangover {
			voiced := s.silenceStart - s.start
			ev := s.end(s.silenceStart, false)
			ev.Loudness = level
			if voiced < s.minSpeech {
				ev.Type = vad.VADSpeechDiscarded
			}
			return ev, nil
		}
	} else {
		s.silenceRun = 0
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Loudness: level}, nil
}

// end closes the current segment at endPos and returns to idle.
func (s *session) end(endPos int64, forced bool) vad.VADEvent {
	var avg float64
	if s.loudCount > 0 {
		avg = s.loudSum / float64(s.loudCount)
	}
	ev := vad.VADEvent{
		Type:        vad.VADSpeechEnd,
		AvgLoudness: audio.NormalizeLoudness(avg),
		Forced:      forced,
		Offset:      s.duration(endPos),
		Duration:    s.duration(max(endPos-s.start, 0)),
	}
	s.speaking = false
	s.speechSamples = 0
	s.silenceRun = 0
	s.loudSum = 0
	s.loudCount = 0
	return ev
}

func (s *session) duration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)
}

// ForceEnd implements [vad.SessionHandle].
func (s *session) ForceEnd() (vad.VADEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.speaking {
		return vad.VADEvent{}, false
	}
	return s.end(s.pos, true), true
}

// Speaking implements [vad.SessionHandle].
func (s *session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.speaking = false
	s.start = 0
	s.speechSamples = 0
	s.silenceRun = 0
	s.silenceStart = 0
	s.loudSum = 0
	s.loudCount = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.Engine = (*Engine)(nil)
