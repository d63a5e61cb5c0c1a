package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

const (
	wavHeaderSize    = 44
	wavBitsPerSample = 16
	wavFormatPCM     = 1
)

// ErrMalformedWAV is returned by [DecodeWAV] when the input is not a 16-bit
// PCM RIFF/WAVE stream.
var ErrMalformedWAV = errors.New("codec: malformed wav")

// EncodeWAV wraps mono float samples as 16-bit PCM in a canonical 44-byte
// RIFF/WAV header.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	return wrapPCM16(audio.Float32ToPCM16(samples), sampleRate, 1)
}

func wrapPCM16(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * wavBitsPerSample / 8
	blockAlign := channels * wavBitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size - 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], wavBitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a 16-bit PCM WAV file and returns mono samples and the
// sample rate. Multi-channel input is down-mixed. Unknown chunks are skipped.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrMalformedWAV)
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			// Some writers leave the data size at zero or overshoot when
			// streaming; take whatever is present.
			if id != "data" {
				return nil, 0, fmt.Errorf("%w: chunk %q truncated", ErrMalformedWAV, id)
			}
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: fmt chunk too short", ErrMalformedWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != wavFormatPCM || bits != wavBitsPerSample {
				return nil, 0, fmt.Errorf("%w: unsupported format %d/%d-bit", ErrMalformedWAV, format, bits)
			}
			if channels < 1 || sampleRate <= 0 {
				return nil, 0, fmt.Errorf("%w: invalid fmt %d ch %d Hz", ErrMalformedWAV, channels, sampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrMalformedWAV)
			}
			samples := audio.PCM16ToFloat32(data[body : body+size])
			return audio.DownmixInterleaved(samples, channels), sampleRate, nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return nil, 0, fmt.Errorf("%w: no data chunk", ErrMalformedWAV)
}
