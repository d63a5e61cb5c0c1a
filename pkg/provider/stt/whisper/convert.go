package whisper

import (
	"fmt"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/codec"
)

// whisperSampleRate is the only rate whisper.cpp models accept.
const whisperSampleRate = 16000

// toWhisperSamples decodes blob and resamples it to 16 kHz mono float32, the
// input format whisper.cpp expects.
func toWhisperSamples(blob audio.Blob) ([]float32, error) {
	samples, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode %s: %w", blob.Encoding, err)
	}
	return audio.ResampleMono(samples, blob.SampleRate, whisperSampleRate), nil
}

// toWhisperWAV returns blob as a 16 kHz mono WAV file. A blob that already
// has that shape is passed through untouched.
func toWhisperWAV(blob audio.Blob) ([]byte, error) {
	if blob.Encoding == audio.EncodingWAV && blob.SampleRate == whisperSampleRate && blob.Channels <= 1 {
		return blob.Data, nil
	}
	samples, err := toWhisperSamples(blob)
	if err != nil {
		return nil, err
	}
	return codec.EncodeWAV(samples, whisperSampleRate), nil
}
