package codec_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/codec"
)

func sine(freq, amplitude float64, sampleRate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestEncodeWAV_Header(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1}
	wav := codec.EncodeWAV(samples, 16000)

	if len(wav) != 44+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(samples)*2)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(samples)*2) {
		t.Errorf("data size = %d, want %d", got, len(samples)*2)
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	in := sine(440, 0.5, 16000, 1600)
	got, rate, err := codec.DecodeWAV(codec.EncodeWAV(in, 16000))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if math.Abs(float64(got[i]-in[i])) > 1.0/16384 {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	wav := codec.EncodeWAV([]float32{0.25, -0.25}, 8000)

	// Splice a LIST chunk with an odd body between fmt and data.
	var buf bytes.Buffer
	buf.Write(wav[:36])
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{1, 2, 3, 0})
	buf.Write(wav[36:])

	got, rate, err := codec.DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 8000 || len(got) != 2 {
		t.Errorf("got %d samples at %d Hz, want 2 at 8000", len(got), rate)
	}
}

func TestDecodeWAV_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("RIFX0000WAVEfmt ")},
		{"no data chunk", codec.EncodeWAV(nil, 8000)[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := codec.DecodeWAV(tt.data)
			if !errors.Is(err, codec.ErrMalformedWAV) {
				t.Errorf("err = %v, want ErrMalformedWAV", err)
			}
		})
	}
}

func TestOggOpus_RoundTrip(t *testing.T) {
	const rate = 16000
	in := sine(440, 0.5, rate, rate) // 1 s

	data, err := codec.EncodeOggOpus(in, rate)
	if err != nil {
		t.Fatalf("EncodeOggOpus: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("output does not start with an Ogg page")
	}

	out, gotRate, err := codec.DecodeOggOpus(data)
	if err != nil {
		t.Fatalf("DecodeOggOpus: %v", err)
	}
	if gotRate != rate {
		t.Errorf("rate = %d, want %d", gotRate, rate)
	}
	// 50 packets of 20 ms.
	if want := rate; len(out) != want {
		t.Errorf("decoded %d samples, want %d", len(out), want)
	}

	inRMS, outRMS := audio.RMS(in), audio.RMS(out)
	if ratio := outRMS / inRMS; ratio < 0.5 || ratio > 1.5 {
		t.Errorf("rms ratio = %.2f, want within [0.5, 1.5]", ratio)
	}
}

func TestEncodeOggOpus_UnsupportedRate(t *testing.T) {
	if _, err := codec.EncodeOggOpus(make([]float32, 441), 44100); err == nil {
		t.Fatal("expected error for 44.1 kHz")
	}
}

func TestPreferred(t *testing.T) {
	tests := []struct {
		name  string
		prefs []audio.Encoding
		rate  int
		want  audio.Encoding
	}{
		{"opus at 48k", codec.DefaultPreference, 48000, audio.EncodingOpus},
		{"opus falls back at 44.1k", codec.DefaultPreference, 44100, audio.EncodingWAV},
		{"pcm first", []audio.Encoding{audio.EncodingPCM16, audio.EncodingOpus}, 48000, audio.EncodingPCM16},
		{"unknown skipped", []audio.Encoding{"flac", audio.EncodingOpus}, 16000, audio.EncodingOpus},
		{"empty list", nil, 22050, audio.EncodingWAV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codec.Preferred(tt.prefs, tt.rate); got != tt.want {
				t.Errorf("Preferred = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sine(300, 0.3, 48000, 4800)
	for _, enc := range []audio.Encoding{audio.EncodingWAV, audio.EncodingPCM16, audio.EncodingOpus} {
		t.Run(string(enc), func(t *testing.T) {
			blob, err := codec.Encode(enc, in, 48000)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if blob.Encoding != enc || blob.SampleRate != 48000 || blob.Channels != 1 {
				t.Errorf("blob = %s", blob)
			}
			out, err := codec.Decode(blob)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(out) < len(in) {
				t.Errorf("decoded %d samples, want at least %d", len(out), len(in))
			}
		})
	}
}

func TestEncode_Unsupported(t *testing.T) {
	_, err := codec.Encode(audio.EncodingOpus, nil, 44100)
	if !errors.Is(err, codec.ErrUnsupportedEncoding) {
		t.Errorf("err = %v, want ErrUnsupportedEncoding", err)
	}
	_, err = codec.Decode(audio.Blob{Encoding: "mp3"})
	if !errors.Is(err, codec.ErrUnsupportedEncoding) {
		t.Errorf("Decode err = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestToWAV(t *testing.T) {
	in := sine(300, 0.3, 16000, 1600)
	pcm, err := codec.Encode(audio.EncodingPCM16, in, 16000)
	if err != nil {
		t.Fatal(err)
	}
	wav, err := codec.ToWAV(pcm)
	if err != nil {
		t.Fatalf("ToWAV: %v", err)
	}
	if wav.Encoding != audio.EncodingWAV || len(wav.Data) != 44+len(pcm.Data) {
		t.Errorf("ToWAV = %s, want wav with %d bytes", wav, 44+len(pcm.Data))
	}
}
