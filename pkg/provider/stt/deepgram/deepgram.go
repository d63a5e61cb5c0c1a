// Package deepgram provides a Deepgram-backed transcriber using the Deepgram
// live WebSocket API. It implements the stt.Transcriber interface.
//
// Each Transcribe call opens a connection, streams the recording, sends a
// CloseStream message and collects final results until Deepgram closes the
// connection.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkSize bounds a single binary message.
	chunkSize = 8192
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring the Deepgram Transcriber.
type Option func(*Transcriber)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Transcriber) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code used when a request does not
// carry one (e.g., "en", "ja").
func WithLanguage(language string) Option {
	return func(p *Transcriber) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and for
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Transcriber) {
		p.endpoint = endpoint
	}
}

// Transcriber implements stt.Transcriber backed by the Deepgram live API.
type Transcriber struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Transcriber{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams req.Audio to Deepgram and returns the concatenated final
// results.
func (p *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if err := req.Validate(); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", err)
	}
	wsURL, err := p.buildURL(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	var result stt.Transcript
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writeAudio(gctx, conn, req.Audio.Data) })
	g.Go(func() error {
		var err error
		result, err = readResults(gctx, conn)
		return err
	})
	if err := g.Wait(); err != nil {
		return stt.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "transcription complete")
	return result, nil
}

// writeAudio sends data in binary chunks followed by a CloseStream message,
// which tells Deepgram to flush and finish.
func writeAudio(ctx context.Context, conn *websocket.Conn, data []byte) error {
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if err := conn.Write(ctx, websocket.MessageBinary, data[off:end]); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: send CloseStream: %w", err)
	}
	return nil
}

// readResults collects final transcripts until the server closes the
// connection or sends its closing Metadata message.
func readResults(ctx context.Context, conn *websocket.Conn) (stt.Transcript, error) {
	var (
		parts   []string
		words   []stt.WordDetail
		confSum float64
		finals  int
		dur     time.Duration
	)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &head); err == nil && head.Type == "Metadata" {
			break
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok || !t.final {
			continue
		}
		if t.Text != "" {
			parts = append(parts, t.Text)
		}
		words = append(words, t.Words...)
		confSum += t.Confidence
		finals++
		dur = max(dur, t.end)
	}

	out := stt.Transcript{
		Text:     strings.Join(parts, " "),
		Words:    words,
		Duration: dur,
	}
	if finals > 0 {
		out.Confidence = confSum / float64(finals)
	}
	return out, nil
}

// buildURL constructs the Deepgram endpoint URL for req.
func (p *Transcriber) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")

	// Containerised audio (WAV, Ogg) is self-describing; raw PCM is not.
	if req.Audio.Encoding == audio.EncodingPCM16 {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(req.EffectiveSampleRate()))
		q.Set("channels", strconv.Itoa(max(req.Audio.Channels, 1)))
	}

	for _, kw := range req.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results message.
type result struct {
	stt.Transcript
	final bool
	end   time.Duration
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return result{
		Transcript: stt.Transcript{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Words:      words,
		},
		final: resp.IsFinal,
		end:   seconds(resp.Start + resp.Duration),
	}, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
