package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/crosstalk/internal/app"
	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/conversation"
	"github.com/MrWong99/crosstalk/internal/eventfeed"
	"github.com/MrWong99/crosstalk/internal/resilience"
	"github.com/MrWong99/crosstalk/pkg/audio"
	amock "github.com/MrWong99/crosstalk/pkg/audio/mock"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	sttmock "github.com/MrWong99/crosstalk/pkg/provider/stt/mock"
	"github.com/MrWong99/crosstalk/pkg/provider/vad/energy"
)

const (
	testRate = 16000
	waitFor  = 2 * time.Second
)

const testYAML = `
speakers:
  - name: p1
    device: mic-1
  - name: p2
    device: mic-2
capture:
  sample_rate: 16000
  retry:
    max_attempts: 1
noise:
  enabled: false
recorder:
  encodings: [wav]
providers:
  stt:
    name: whisper
transcription:
  language: en-US
  vocabulary: [Grimjaw]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

type fixture struct {
	src *amock.Source
	stt *sttmock.Transcriber
	app *app.App
	url string
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		src: &amock.Source{Streams: map[string]*amock.Stream{
			"mic-1": amock.NewStream(testRate),
			"mic-2": amock.NewStream(testRate),
		}},
		stt: &sttmock.Transcriber{Result: stt.Transcript{Text: "hello world"}},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f.url = "http://" + ln.Addr().String()

	opts = append([]app.Option{app.WithListener(ln)}, opts...)
	f.app, err = app.New(cfg, &app.Providers{
		Source:  f.src,
		VAD:     energy.New(),
		STT:     resilience.NewTranscriberFallback(f.stt, "mock", resilience.FallbackConfig{}),
		STTName: "mock",
	}, opts...)
	if err != nil {
		_ = ln.Close()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.app.Shutdown(ctx)
	})
	return f
}

// run starts the app and waits until both devices are connected.
func (f *fixture) run(t *testing.T) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()

	eventually(t, "devices connected", func() bool {
		for _, st := range f.app.Coordinator().Snapshot() {
			if !st.Connected {
				return false
			}
		}
		return true
	})
	return cancel, errc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frame(amp float32) audio.AudioFrame {
	samples := make([]float32, testRate/50)
	for i := range samples {
		samples[i] = amp
	}
	return audio.AudioFrame{Samples: samples, SampleRate: testRate}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := app.New(nil, &app.Providers{}); err == nil {
		t.Error("New(nil config) should fail")
	}
	if _, err := app.New(testConfig(t), nil); err == nil {
		t.Error("New(nil providers) should fail")
	}
	if _, err := app.New(testConfig(t), &app.Providers{}); err == nil {
		t.Error("New without source, VAD and transcriber should fail")
	}
}

func TestApp_UtteranceReachesFeed(t *testing.T) {
	f := newFixture(t, testConfig(t))
	cancel, done := f.run(t)
	defer cancel()

	st := f.src.Stream("mic-1")
	for range 40 {
		st.Push(frame(0.8))
	}
	for range 30 {
		st.Push(frame(0))
	}

	var packets []conversation.Packet
	eventually(t, "utterance in feed", func() bool {
		packets = nil
		getJSON(t, f.url+"/utterances", &packets)
		return len(packets) == 1
	})
	p := packets[0]
	if p.Speaker != "p1" || p.Text != "hello world" || p.IsCollision {
		t.Errorf("packet = %+v, want p1 saying hello world", p)
	}
	if p.DurationMs != 800 {
		t.Errorf("DurationMs = %d, want 800", p.DurationMs)
	}
	if reqs := f.stt.Requests(); len(reqs) != 1 || reqs[0].Language != "en-US" {
		t.Errorf("transcriber requests = %+v, want one en-US request", reqs)
	}

	var status app.Status
	if code := getJSON(t, f.url+"/status", &status); code != http.StatusOK {
		t.Fatalf("/status = %d", code)
	}
	if len(status.Speakers) != 2 || status.Speakers[0].Name != "p1" || status.Speakers[0].Utterances != 1 {
		t.Errorf("status speakers = %+v", status.Speakers)
	}
	if status.Transcriber["mock"] != "closed" {
		t.Errorf("transcriber states = %v, want mock closed", status.Transcriber)
	}

	if code := getJSON(t, f.url+"/readyz", nil); code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", code)
	}
	if code := getJSON(t, f.url+"/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ShutdownClosesEverything(t *testing.T) {
	f := newFixture(t, testConfig(t))
	cancel, done := f.run(t)
	cancel()
	<-done

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range []string{"mic-1", "mic-2"} {
		if !f.src.Stream(id).Closed() {
			t.Errorf("stream %s still open after Shutdown", id)
		}
	}
	if err := f.app.Feed().Publish(conversation.Utterance{ID: "late"}); !errors.Is(err, eventfeed.ErrClosed) {
		t.Errorf("Publish after Shutdown = %v, want ErrClosed", err)
	}
	if _, err := http.Get(f.url + "/healthz"); err == nil {
		t.Error("http server still serving after Shutdown")
	}

	// Second call is a no-op.
	if err := f.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}

func TestApp_ReadyzFailsWithoutDevices(t *testing.T) {
	f := newFixture(t, testConfig(t))

	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before Run = %d, want 503", rec.Code)
	}
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	var lv slog.LevelVar
	f := newFixture(t, cfg, app.WithLevelVar(&lv))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Noise.GateThreshold = 0.05
	next.Transcription.Vocabulary = []string{"Grimjaw", "Vess"}
	next.Server.ListenAddr = ":1"

	f.app.ApplyConfig(next)
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want DEBUG", lv.Level())
	}

	// Applying the same file again only repeats the restart warning.
	f.app.ApplyConfig(next)
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level after reapply = %s, want DEBUG", lv.Level())
	}
}

func TestApp_WatchesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosstalk.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(testYAML)

	var lv slog.LevelVar
	newFixture(t, testConfig(t),
		app.WithLevelVar(&lv),
		app.WithConfigWatch(path, 20*time.Millisecond),
	)

	write(testYAML + "server:\n  log_level: error\n")
	// Coarse file system timestamps would otherwise hide the rewrite.
	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
	eventually(t, "log level reload", func() bool { return lv.Level() == slog.LevelError })
}

func TestConversationConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Transcription.KeywordBoost = 2

	cc := app.ConversationConfig(cfg)
	if len(cc.Speakers) != 2 || cc.Speakers[1] != (conversation.Speaker{Name: "p2", DeviceID: "mic-2"}) {
		t.Errorf("Speakers = %+v", cc.Speakers)
	}
	if !cc.DisableNoise {
		t.Error("DisableNoise = false, want true for noise.enabled: false")
	}
	if cc.SampleRate != testRate || cc.VAD.SampleRate != testRate {
		t.Errorf("rates = %d/%d, want %d", cc.SampleRate, cc.VAD.SampleRate, testRate)
	}
	if cc.Acquire.MaxAttempts != 1 {
		t.Errorf("Acquire.MaxAttempts = %d, want 1", cc.Acquire.MaxAttempts)
	}
	if len(cc.Keywords) != 1 || cc.Keywords[0].Keyword != "Grimjaw" || cc.Keywords[0].Boost != 2 {
		t.Errorf("Keywords = %+v", cc.Keywords)
	}
	if len(cc.Encodings) != 1 || cc.Encodings[0] != audio.EncodingWAV {
		t.Errorf("Encodings = %v, want [wav]", cc.Encodings)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	} {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
