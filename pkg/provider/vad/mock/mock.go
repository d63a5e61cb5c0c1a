// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script VADEvent responses and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    Events: []vad.VADEvent{{Type: vad.VADSpeechStart, Loudness: 0.9}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Events is a script of results returned by successive ProcessFrame
	// calls. Once exhausted, EventResult is returned.
	Events []vad.VADEvent

	// EventResult is returned once Events is exhausted.
	EventResult vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// ForceEndResult is returned by ForceEnd while the session is speaking.
	ForceEndResult vad.VADEvent

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to ProcessFrame.
	Frames []audio.AudioFrame

	// ForceEndCallCount is the number of times ForceEnd was called.
	ForceEndCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	speaking bool
}

// ProcessFrame records the call and returns the next scripted event. The
// mock tracks speaking state from the events it hands out.
func (s *Session) ProcessFrame(frame audio.AudioFrame) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := frame
	cp.Samples = append([]float32(nil), frame.Samples...)
	s.Frames = append(s.Frames, cp)
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	ev := s.EventResult
	if len(s.Events) > 0 {
		ev = s.Events[0]
		s.Events = s.Events[1:]
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		s.speaking = true
	case vad.VADSpeechEnd, vad.VADSpeechDiscarded:
		s.speaking = false
	}
	return ev, nil
}

// ForceEnd records the call. It returns ForceEndResult and true when the
// session is speaking.
func (s *Session) ForceEnd() (vad.VADEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ForceEndCallCount++
	if !s.speaking {
		return vad.VADEvent{}, false
	}
	s.speaking = false
	ev := s.ForceEndResult
	ev.Type = vad.VADSpeechEnd
	ev.Forced = true
	return ev, true
}

// Speaking reports the speaking state derived from scripted events.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.speaking = false
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = nil
	s.ForceEndCallCount = 0
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
