// Package audio defines the interfaces and types for microphone capture and
// frame transport within crosstalk.
//
// The two primary abstractions are:
//
//   - [Source]: opens a capture device by identifier and returns a [Stream].
//   - [Stream]: a live capture handle delivering [AudioFrame] values until it
//     is closed or the device goes away.
//
// Implementations live in backend packages (e.g., audio/portaudio) and in
// audio/mock for tests. The interfaces are intentionally narrow so that the
// conversation pipeline stays decoupled from device details.
//
// This package lives under pkg/ because external code (third-party capture
// backends) is expected to implement [Source] and [Stream].
package audio

import (
	"context"
	"errors"
)

// ErrDeviceBusy is returned (possibly wrapped) by [Source.Open] when the device
// exists but cannot be opened right now. Callers treat it as transient and
// retry with backoff.
var ErrDeviceBusy = errors.New("audio: device busy")

// ErrDeviceNotFound is returned (possibly wrapped) by [Source.Open] when no
// device matches the requested identifier.
var ErrDeviceNotFound = errors.New("audio: device not found")

// Stream represents an open capture device.
//
// A Stream is obtained by calling [Source.Open] and remains valid until
// [Stream.Close] is called or the device is lost. Implementations must be
// safe for concurrent use.
type Stream interface {
	// Frames returns the read-only channel of captured mono frames. Every
	// frame carries the stream's sample rate. The channel is closed when the
	// stream ends, either through Close or because the device went away.
	Frames() <-chan AudioFrame

	// Format returns the sample rate and channel count delivered on Frames.
	// Channels is always 1 after the backend has down-mixed.
	Format() Format

	// Close stops capture and releases the device. The Frames channel is
	// closed once the backend has stopped producing. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Source is the entry point for a capture backend.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open starts capturing from the device identified by deviceID. The
	// empty string selects the backend's default input device. The supplied
	// ctx governs the open attempt only; once open, the Stream stays alive
	// until Close is called.
	//
	// Returns an error wrapping [ErrDeviceBusy] for transient failures and
	// [ErrDeviceNotFound] when the identifier matches no device.
	Open(ctx context.Context, deviceID string) (Stream, error)
}
