// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(48000)
//	src := &mock.Source{Streams: map[string]*mock.Stream{"mic-1": stream}}
//	got, err := src.Open(ctx, "mic-1")
//	stream.Push(audio.AudioFrame{Samples: frame, SampleRate: 48000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames pushed with
// [Stream.Push] are delivered on the Frames channel in order.
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.AudioFrame
	closed bool
}

// NewStream returns an open mock stream delivering mono frames at sampleRate.
// The frame channel has a generous buffer so tests can push ahead of the
// consumer.
func NewStream(sampleRate int) *Stream {
	return &Stream{
		FormatResult: audio.Format{SampleRate: sampleRate, Channels: 1},
		frames:       make(chan audio.AudioFrame, 1024),
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Stream]. Returns FormatResult.
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Push delivers a frame to the consumer. Returns false if the stream has
// been closed.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Drop simulates the device disappearing: the frame channel is closed without
// a call to Close.
func (s *Stream) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.Stream]. Idempotent; returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether the frame channel has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// DeviceID is the deviceID argument passed to Open.
	DeviceID string
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Streams maps device IDs to the stream returned by Open. When a device
	// has no entry, Open returns a fresh 48 kHz stream.
	Streams map[string]*Stream

	// OpenErrors maps device IDs to a queue of errors returned by successive
	// Open calls before the stream is handed out. Useful for exercising
	// retry logic.
	OpenErrors map[string][]error

	// OpenError, if non-nil, is returned by every Open call regardless of
	// device.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Opened records every stream handed out, in order.
	Opened []*Stream
}

// Open implements [audio.Source]. Records the call and returns the configured
// stream or error.
func (s *Source) Open(_ context.Context, deviceID string) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{DeviceID: deviceID})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if errs := s.OpenErrors[deviceID]; len(errs) > 0 {
		err := errs[0]
		s.OpenErrors[deviceID] = errs[1:]
		return nil, err
	}
	st, ok := s.Streams[deviceID]
	if !ok || st.Closed() {
		st = NewStream(48000)
		if s.Streams == nil {
			s.Streams = make(map[string]*Stream)
		}
		s.Streams[deviceID] = st
	}
	s.Opened = append(s.Opened, st)
	return st, nil
}

// OpenCount returns the number of Open calls for deviceID. Thread-safe.
func (s *Source) OpenCount(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.OpenCalls {
		if c.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// Stream returns the current stream for deviceID, or nil. Thread-safe.
func (s *Source) Stream(deviceID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Streams[deviceID]
}

// Ensure mocks implement the audio interfaces at compile time.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
