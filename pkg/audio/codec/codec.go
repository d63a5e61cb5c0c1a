// Package codec turns recorded mono samples into encoded [audio.Blob] values
// for transcription backends, and back.
//
// Three encodings are supported: WAV (16-bit PCM with a RIFF header),
// headerless PCM16 and Ogg/Opus. [Preferred] picks the first encoding from a
// preference list that can represent a given sample rate, so callers can ask
// for Opus and fall back to WAV on rates Opus cannot carry.
package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// ErrUnsupportedEncoding is returned when an encoding is unknown or cannot
// represent the requested sample rate.
var ErrUnsupportedEncoding = errors.New("codec: unsupported encoding")

// DefaultPreference is the encoding order used when none is configured.
var DefaultPreference = []audio.Encoding{audio.EncodingOpus, audio.EncodingWAV}

// Supports reports whether enc can represent mono audio at sampleRate.
func Supports(enc audio.Encoding, sampleRate int) bool {
	switch enc {
	case audio.EncodingWAV, audio.EncodingPCM16:
		return sampleRate > 0
	case audio.EncodingOpus:
		return IsOpusRate(sampleRate)
	}
	return false
}

// Preferred returns the first encoding in prefs that supports sampleRate.
// WAV is the final fallback, so the result is always usable for a positive
// sample rate.
func Preferred(prefs []audio.Encoding, sampleRate int) audio.Encoding {
	for _, enc := range prefs {
		if Supports(enc, sampleRate) {
			return enc
		}
	}
	return audio.EncodingWAV
}

// Encode encodes mono samples at sampleRate into a blob of the given encoding.
func Encode(enc audio.Encoding, samples []float32, sampleRate int) (audio.Blob, error) {
	if !Supports(enc, sampleRate) {
		return audio.Blob{}, fmt.Errorf("%w: %q at %d Hz", ErrUnsupportedEncoding, enc, sampleRate)
	}
	blob := audio.Blob{Encoding: enc, SampleRate: sampleRate, Channels: 1}
	switch enc {
	case audio.EncodingWAV:
		blob.Data = EncodeWAV(samples, sampleRate)
	case audio.EncodingPCM16:
		blob.Data = audio.Float32ToPCM16(samples)
	case audio.EncodingOpus:
		data, err := EncodeOggOpus(samples, sampleRate)
		if err != nil {
			return audio.Blob{}, err
		}
		blob.Data = data
	}
	return blob, nil
}

// Decode returns the mono samples carried by b.
func Decode(b audio.Blob) ([]float32, error) {
	switch b.Encoding {
	case audio.EncodingWAV:
		samples, _, err := DecodeWAV(b.Data)
		return samples, err
	case audio.EncodingPCM16:
		return audio.DownmixInterleaved(audio.PCM16ToFloat32(b.Data), b.Channels), nil
	case audio.EncodingOpus:
		samples, _, err := DecodeOggOpus(b.Data)
		return samples, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, b.Encoding)
}

// ToWAV converts b to a WAV blob. WAV input is returned unchanged.
func ToWAV(b audio.Blob) (audio.Blob, error) {
	if b.Encoding == audio.EncodingWAV {
		return b, nil
	}
	samples, err := Decode(b)
	if err != nil {
		return audio.Blob{}, err
	}
	return audio.Blob{
		Data:       EncodeWAV(samples, b.SampleRate),
		Encoding:   audio.EncodingWAV,
		SampleRate: b.SampleRate,
		Channels:   1,
	}, nil
}
