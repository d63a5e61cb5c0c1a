// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A transcriber wraps a recognition service (e.g., Deepgram, Google
// Speech-to-Text, or a local Whisper server) and exposes a uniform batch
// interface: one finished recording in, one [Transcript] out. Recordings are
// encoded [audio.Blob] values, so each backend can declare which encodings it
// accepts and convert the rest.
//
// Implementations must be safe for concurrent use. Calls from different
// speakers may run at the same time.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// ErrEmptyAudio is returned when a request carries no audio data.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one recording to transcribe.
type Request struct {
	// Audio is the encoded recording.
	Audio audio.Blob

	// SampleRateHint, when non-zero, tells the backend the rate of the
	// recording. Callers only set it for rates that recognition services
	// commonly accept; backends fall back to Audio.SampleRate.
	SampleRateHint int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "ja-JP"). An empty string selects the backend default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words. Backends without hint support ignore it.
	Keywords []KeywordBoost
}

// Validate reports whether r can be sent to a backend.
func (r Request) Validate() error {
	if len(r.Audio.Data) == 0 {
		return ErrEmptyAudio
	}
	return nil
}

// EffectiveSampleRate returns SampleRateHint when set, otherwise the blob's
// own sample rate.
func (r Request) EffectiveSampleRate() int {
	if r.SampleRateHint > 0 {
		return r.SampleRateHint
	}
	return r.Audio.SampleRate
}

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe recognises the speech in req and returns the transcript.
	// An empty Text with a nil error means the backend heard nothing.
	//
	// Returns an error if the backend cannot be reached, rejects the
	// request, or ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
