// Package google provides a Google Cloud Speech-to-Text transcriber using the
// v1 REST API (speech:recognize) with API-key authentication.
//
// WAV and raw PCM16 recordings are sent as LINEAR16. Ogg/Opus recordings are
// sent as OGG_OPUS and carry their own sample rate, so no rate is declared for
// them.
//
// Usage:
//
//	tr, err := google.New(apiKey, google.WithLanguage("ja-JP"))
//	transcript, err := tr.Transcribe(ctx, stt.Request{Audio: blob})
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://speech.googleapis.com/v1/speech:recognize"
	defaultLanguage = "ja-JP"
	defaultModel    = "latest_long"
	defaultTimeout  = 30 * time.Second

	// maxErrorBody bounds how much of an error response ends up in the
	// returned error.
	maxErrorBody = 512
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the default BCP-47 language code. Defaults to "ja-JP".
func WithLanguage(lang string) Option {
	return func(p *Transcriber) {
		p.language = lang
	}
}

// WithModel sets the recognition model. Defaults to "latest_long".
func WithModel(model string) Option {
	return func(p *Transcriber) {
		p.model = model
	}
}

// WithEndpoint overrides the recognize URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Transcriber) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Transcriber) {
		p.httpClient = c
	}
}

// Transcriber implements stt.Transcriber against Google Speech-to-Text.
type Transcriber struct {
	apiKey     string
	language   string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a Transcriber authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("google: apiKey must not be empty")
	}
	p := &Transcriber{
		apiKey:     apiKey,
		language:   defaultLanguage,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type recognitionConfig struct {
	Encoding                   string          `json:"encoding"`
	SampleRateHertz            int             `json:"sampleRateHertz,omitempty"`
	AudioChannelCount          int             `json:"audioChannelCount,omitempty"`
	LanguageCode               string          `json:"languageCode"`
	Model                      string          `json:"model,omitempty"`
	EnableAutomaticPunctuation bool            `json:"enableAutomaticPunctuation"`
	EnableWordTimeOffsets      bool            `json:"enableWordTimeOffsets"`
	SpeechContexts             []speechContext `json:"speechContexts,omitempty"`
}

type speechContext struct {
	Phrases []string `json:"phrases"`
	Boost   float64  `json:"boost,omitempty"`
}

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				StartTime string `json:"startTime"`
				EndTime   string `json:"endTime"`
				Word      string `json:"word"`
			} `json:"words"`
		} `json:"alternatives"`
		LanguageCode string `json:"languageCode"`
	} `json:"results"`
	TotalBilledTime string `json:"totalBilledTime"`
}

// Transcribe sends the recording to speech:recognize and joins the top
// alternative of every result.
func (p *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if err := req.Validate(); err != nil {
		return stt.Transcript{}, fmt.Errorf("google: %w", err)
	}
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("google: marshal request: %w", err)
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("google: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", p.apiKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("google: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("google: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return stt.Transcript{}, fmt.Errorf("google: server returned HTTP %d: %s", resp.StatusCode, msg)
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return stt.Transcript{}, fmt.Errorf("google: parse JSON response: %w", err)
	}
	return toTranscript(parsed, p.languageFor(req)), nil
}

func (p *Transcriber) languageFor(req stt.Request) string {
	if req.Language != "" {
		return req.Language
	}
	return p.language
}

func (p *Transcriber) buildRequest(req stt.Request) recognizeRequest {
	cfg := recognitionConfig{
		LanguageCode:               p.languageFor(req),
		Model:                      p.model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	switch req.Audio.Encoding {
	case audio.EncodingOpus:
		cfg.Encoding = "OGG_OPUS"
	default:
		cfg.Encoding = "LINEAR16"
		cfg.SampleRateHertz = req.EffectiveSampleRate()
		cfg.AudioChannelCount = req.Audio.Channels
	}
	if len(req.Keywords) > 0 {
		sc := speechContext{Phrases: make([]string, 0, len(req.Keywords))}
		for _, kw := range req.Keywords {
			sc.Phrases = append(sc.Phrases, kw.Keyword)
			sc.Boost = max(sc.Boost, kw.Boost)
		}
		cfg.SpeechContexts = []speechContext{sc}
	}

	var out recognizeRequest
	out.Config = cfg
	out.Audio.Content = base64.StdEncoding.EncodeToString(req.Audio.Data)
	return out
}

// toTranscript concatenates results without separators. Google already
// includes the spacing the language needs, and Japanese has none.
func toTranscript(resp recognizeResponse, lang string) stt.Transcript {
	var (
		text    strings.Builder
		words   []stt.WordDetail
		confSum float64
		n       int
	)
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text.WriteString(alt.Transcript)
		confSum += alt.Confidence
		n++
		if r.LanguageCode != "" {
			lang = r.LanguageCode
		}
		for _, w := range alt.Words {
			words = append(words, stt.WordDetail{
				Word:  w.Word,
				Start: parseOffset(w.StartTime),
				End:   parseOffset(w.EndTime),
			})
		}
	}
	out := stt.Transcript{
		Text:     strings.TrimSpace(text.String()),
		Words:    words,
		Language: lang,
		Duration: parseOffset(resp.TotalBilledTime),
	}
	if n > 0 {
		out.Confidence = confSum / float64(n)
	}
	return out
}

// parseOffset parses the protobuf JSON duration form ("1.500s"). Malformed
// values yield zero.
func parseOffset(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
