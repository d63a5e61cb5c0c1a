package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Reasons reported by [AudioFrame.Validate].
var (
	ErrEmptyFrame       = errors.New("audio: empty frame")
	ErrSampleRate       = errors.New("audio: sample rate mismatch")
	ErrNonFiniteSamples = errors.New("audio: non-finite sample")
)

// AudioFrame represents a single frame of audio flowing through the capture
// pipeline. Frames are the atomic unit of audio transport: captured from a
// device stream, filtered by the noise chain, measured by the VAD and buffered
// by the recorder.
type AudioFrame struct {
	// Samples holds mono amplitudes, nominally in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for most USB microphones, 16000 for STT).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Returns 0 when the
// sample rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Validate reports whether f can enter a pipeline running at rate. It
// rejects empty frames, frames at another rate and frames holding NaN or
// infinite samples.
func (f AudioFrame) Validate(rate int) error {
	if len(f.Samples) == 0 {
		return ErrEmptyFrame
	}
	if f.SampleRate != rate {
		return fmt.Errorf("%w: got %d Hz, want %d Hz", ErrSampleRate, f.SampleRate, rate)
	}
	if i := NonFinite(f.Samples); i >= 0 {
		return fmt.Errorf("%w at index %d", ErrNonFiniteSamples, i)
	}
	return nil
}

// NonFinite returns the index of the first NaN or infinite sample, or -1.
func NonFinite(samples []float32) int {
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// Encoding names the container/codec of an encoded [Blob].
type Encoding string

const (
	// EncodingWAV is 16-bit little-endian PCM in a RIFF/WAV container.
	EncodingWAV Encoding = "wav"

	// EncodingPCM16 is headerless 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus is Opus packets in an Ogg container.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingWAV, EncodingPCM16, EncodingOpus:
		return true
	}
	return false
}

// MIMEType returns the media type used when uploading a blob of this encoding.
func (e Encoding) MIMEType() string {
	switch e {
	case EncodingWAV:
		return "audio/wav"
	case EncodingPCM16:
		return "audio/L16"
	case EncodingOpus:
		return "audio/ogg; codecs=opus"
	default:
		return "application/octet-stream"
	}
}

// Blob is an encoded recording handed to a transcription backend.
type Blob struct {
	// Data is the encoded audio.
	Data []byte

	// Encoding describes how Data is encoded.
	Encoding Encoding

	// SampleRate of the encoded audio in Hz.
	SampleRate int

	// Channels in the encoded audio. Recordings are always mono.
	Channels int
}

// String returns a short description, e.g. "opus 48000Hz mono (1234 bytes)".
func (b Blob) String() string {
	return fmt.Sprintf("%s %s (%d bytes)", b.Encoding, formatString(b.SampleRate, b.Channels), len(b.Data))
}
