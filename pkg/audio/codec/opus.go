package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

const (
	opusFrameMs = 20

	// opusGranuleStep is the Ogg granule increment per 20 ms packet. Ogg Opus
	// always counts granules at 48 kHz regardless of the input rate.
	opusGranuleStep = 48000 * opusFrameMs / 1000 // 960

	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 4000

	opusPayloadType = 111
)

// IsOpusRate reports whether Opus can encode audio at sampleRate directly.
func IsOpusRate(sampleRate int) bool {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// EncodeOggOpus encodes mono float samples as 20 ms Opus packets wrapped in an
// Ogg container. The final partial frame is zero padded. sampleRate must
// satisfy [IsOpusRate].
func EncodeOggOpus(samples []float32, sampleRate int) ([]byte, error) {
	if !IsOpusRate(sampleRate) {
		return nil, fmt.Errorf("codec: opus does not support %d Hz", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}

	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, uint32(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create ogg writer: %w", err)
	}

	frameSize := sampleRate * opusFrameMs / 1000
	pcm := audio.Float32ToInt16(samples)
	frame := make([]int16, frameSize)

	var (
		seq uint16
		ts  uint32
	)
	for off := 0; off < len(pcm); off += frameSize {
		n := copy(frame, pcm[off:])
		clear(frame[n:])

		packet, err := enc.Encode(frame, frameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		err = w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: packet,
		})
		if err != nil {
			return nil, fmt.Errorf("codec: write ogg page: %w", err)
		}
		seq++
		ts += opusGranuleStep
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: close ogg writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOggOpus decodes an Ogg/Opus stream produced by [EncodeOggOpus] back
// into mono float samples at the rate recorded in the stream header.
func DecodeOggOpus(data []byte) ([]float32, int, error) {
	r, head, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("codec: read ogg header: %w", err)
	}
	sampleRate := int(head.SampleRate)
	if !IsOpusRate(sampleRate) {
		sampleRate = 48000
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, 0, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	frameSize := sampleRate * opusFrameMs / 1000

	var out []float32
	for {
		page, _, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("codec: read ogg page: %w", err)
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}
		pcm, err := dec.Decode(page, frameSize, false)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: opus decode: %w", err)
		}
		out = append(out, audio.Int16ToFloat32(pcm)...)
	}
	return out, sampleRate, nil
}
