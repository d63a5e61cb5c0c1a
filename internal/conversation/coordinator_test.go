package conversation_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/crosstalk/internal/conversation"
	"github.com/MrWong99/crosstalk/internal/device"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/transcript"
	"github.com/MrWong99/crosstalk/pkg/audio"
	amock "github.com/MrWong99/crosstalk/pkg/audio/mock"
	"github.com/MrWong99/crosstalk/pkg/audio/recorder"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	sttmock "github.com/MrWong99/crosstalk/pkg/provider/stt/mock"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
	"github.com/MrWong99/crosstalk/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/crosstalk/pkg/provider/vad/mock"
)

const (
	testRate = 16000
	waitFor  = 2 * time.Second
)

var origin = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// frame returns 20 ms of constant amplitude at rate.
func frame(rate int, amp float32) audio.AudioFrame {
	samples := make([]float32, rate/50)
	for i := range samples {
		samples[i] = amp
	}
	return audio.AudioFrame{Samples: samples, SampleRate: rate}
}

type timer struct {
	d       time.Duration
	fire    func()
	stopped atomic.Bool
}

// harness runs a two-speaker coordinator against mock devices, the energy
// VAD and a mock transcriber.
type harness struct {
	t      *testing.T
	src    *amock.Source
	stt    *sttmock.Transcriber
	reader *sdkmetric.ManualReader
	coord  *conversation.Coordinator

	utterances chan conversation.Utterance

	mu       sync.Mutex
	frames   map[string]int
	speaking []string
	timers   []*timer
}

func defaultConfig() conversation.Config {
	return conversation.Config{
		Speakers: []conversation.Speaker{
			{Name: "p1", DeviceID: "mic-1"},
			{Name: "p2", DeviceID: "mic-2"},
		},
		SampleRate:   testRate,
		VAD:          vad.DefaultConfig(testRate),
		DisableNoise: true,
		PreRoll:      recorder.DefaultPreRoll,
		Encodings:    []audio.Encoding{audio.EncodingWAV},
		Language:     "en-US",
		Acquire:      device.Policy{MaxAttempts: 1},
	}
}

func newHarness(t *testing.T, cfg conversation.Config, deps conversation.Deps) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		t:          t,
		reader:     reader,
		utterances: make(chan conversation.Utterance, 16),
		frames:     make(map[string]int),
	}
	if deps.Source == nil {
		h.src = &amock.Source{Streams: map[string]*amock.Stream{
			"mic-1": amock.NewStream(testRate),
			"mic-2": amock.NewStream(testRate),
		}}
		deps.Source = h.src
	}
	if deps.VAD == nil {
		deps.VAD = energy.New()
	}
	if deps.Transcriber == nil {
		h.stt = &sttmock.Transcriber{Result: stt.Transcript{Text: "hello world"}}
		deps.Transcriber = h.stt
	}
	deps.Metrics = metrics

	h.coord, err = conversation.New(cfg, deps,
		conversation.OnUtterance(func(u conversation.Utterance) { h.utterances <- u }),
		conversation.OnLoudness(func(speaker string, _ float64) {
			h.mu.Lock()
			h.frames[speaker]++
			h.mu.Unlock()
		}),
		conversation.OnSpeakingChanged(func(speaker string, speaking bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if speaking {
				h.speaking = append(h.speaking, speaker+":on")
			} else {
				h.speaking = append(h.speaking, speaker+":off")
			}
		}),
		conversation.WithClock(func() time.Time { return origin }),
		conversation.WithAfterFunc(func(d time.Duration, f func()) func() bool {
			tm := &timer{d: d, fire: f}
			h.mu.Lock()
			h.timers = append(h.timers, tm)
			h.mu.Unlock()
			return func() bool { return !tm.stopped.Swap(true) }
		}),
		conversation.WithRetrySleep(func(context.Context, time.Duration) error { return nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.coord.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

// push feeds n frames of amplitude amp to device id.
func (h *harness) push(id string, amp float32, n int) {
	h.t.Helper()
	st := h.src.Stream(id)
	rate := st.Format().SampleRate
	for range n {
		if !st.Push(frame(rate, amp)) {
			h.t.Fatalf("push to %s: stream closed", id)
		}
	}
}

// eventually polls cond until it holds or the wait budget runs out.
func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitFrames(speaker string, n int) {
	h.t.Helper()
	h.eventually(speaker+" frames", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.frames[speaker] >= n
	})
}

func (h *harness) waitTimer(i int) *timer {
	h.t.Helper()
	h.eventually("collision timer", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.timers) > i
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timers[i]
}

func (h *harness) next() conversation.Utterance {
	h.t.Helper()
	select {
	case u := <-h.utterances:
		return u
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for utterance")
		return conversation.Utterance{}
	}
}

func (h *harness) expectNone(d time.Duration) {
	h.t.Helper()
	select {
	case u := <-h.utterances:
		h.t.Fatalf("unexpected utterance %s", u)
	case <-time.After(d):
	}
}

func (h *harness) state(speaker string) conversation.SpeakerState {
	h.t.Helper()
	for _, st := range h.coord.Snapshot() {
		if st.Speaker == speaker {
			return st
		}
	}
	h.t.Fatalf("no state for %s", speaker)
	return conversation.SpeakerState{}
}

func (h *harness) speakingEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.speaking...)
}

func (h *harness) counter(name string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestCoordinator_SingleUtterance(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	// 800 ms of speech, then silence. The end is detected once 500 ms of
	// silence have been seen, i.e. at 1300 ms of stream time.
	h.push("mic-1", 0.8, 40)
	h.push("mic-1", 0, 24)
	h.waitFrames("p1", 64)
	h.expectNone(20 * time.Millisecond)
	if !h.state("p1").Speaking {
		t.Fatal("p1 stopped speaking before the hangover elapsed")
	}

	h.push("mic-1", 0, 1)
	u := h.next()

	if u.Speaker != "p1" {
		t.Errorf("Speaker = %q, want p1", u.Speaker)
	}
	if u.DurationMs != 800 {
		t.Errorf("DurationMs = %d, want 800", u.DurationMs)
	}
	if !u.StartTime.Equal(origin) {
		t.Errorf("StartTime = %s, want %s", u.StartTime, origin)
	}
	// The mean covers the hangover frames: 40 x 0.8 / 65.
	if u.Loudness != 0.492 {
		t.Errorf("Loudness = %v, want 0.492", u.Loudness)
	}
	if u.Text != "hello world" || u.TranscriptionFailed {
		t.Errorf("Text = %q (failed %v), want hello world", u.Text, u.TranscriptionFailed)
	}
	if u.IsCollision {
		t.Error("IsCollision = true, want false")
	}
	if u.Seq != 1 {
		t.Errorf("Seq = %d, want 1", u.Seq)
	}
	id, err := uuid.Parse(u.ID)
	if err != nil || id.Version() != 7 {
		t.Errorf("ID = %q, want a UUIDv7 (err %v)", u.ID, err)
	}

	reqs := h.stt.Requests()
	if len(reqs) != 1 {
		t.Fatalf("transcriber calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.SampleRateHint != testRate || req.Language != "en-US" {
		t.Errorf("request hint/language = %d/%q, want %d/en-US", req.SampleRateHint, req.Language, testRate)
	}
	if req.Audio.Encoding != audio.EncodingWAV || req.Audio.SampleRate != testRate {
		t.Errorf("request audio = %s, want wav at %d Hz", req.Audio, testRate)
	}

	if got := h.speakingEvents(); len(got) != 2 || got[0] != "p1:on" || got[1] != "p1:off" {
		t.Errorf("speaking events = %v, want [p1:on p1:off]", got)
	}
	if st := h.state("p1"); st.Speaking || st.LastAvgLoudness != 0.492 || st.Utterances != 1 {
		t.Errorf("state = %+v, want idle with avg 0.492 and one utterance", st)
	}
}

func TestCoordinator_CollisionDiscardsEarlierSpeaker(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	// p1 starts at 0 ms, p2 at 200 ms.
	h.push("mic-1", 0.8, 10)
	h.waitFrames("p1", 10)
	h.push("mic-2", 0, 10)
	h.push("mic-2", 0.8, 15)
	h.waitFrames("p2", 25)

	tm := h.waitTimer(0)
	if tm.d != conversation.DefaultCollisionHold {
		t.Errorf("hold = %s, want %s", tm.d, conversation.DefaultCollisionHold)
	}
	tm.fire()

	if h.state("p1").Speaking {
		t.Fatal("p1 still speaking after collision")
	}
	if !h.state("p2").Speaking {
		t.Fatal("p2 stopped speaking after collision")
	}

	h.push("mic-1", 0, 30)
	h.push("mic-2", 0, 30)
	u := h.next()
	if u.Speaker != "p2" || !u.IsCollision {
		t.Errorf("utterance = %s, want p2 flagged as collision", u)
	}
	if want := origin.Add(200 * time.Millisecond); !u.StartTime.Equal(want) {
		t.Errorf("StartTime = %s, want %s", u.StartTime, want)
	}
	if u.DurationMs != 300 {
		t.Errorf("DurationMs = %d, want 300", u.DurationMs)
	}
	h.waitFrames("p1", 40)
	h.expectNone(50 * time.Millisecond)

	if n := h.stt.CallCount(); n != 1 {
		t.Errorf("transcriber calls = %d, want 1", n)
	}
	if n := h.counter("crosstalk.collisions"); n != 1 {
		t.Errorf("collisions metric = %d, want 1", n)
	}
	if n := h.counter("crosstalk.utterances.discarded"); n != 1 {
		t.Errorf("discarded metric = %d, want 1", n)
	}
}

// alternates reports whether the speaking notifications of speaker switch
// between on and off, starting with on.
func alternates(events []string, speaker string) bool {
	want := speaker + ":on"
	for _, ev := range events {
		if !strings.HasPrefix(ev, speaker+":") {
			continue
		}
		if ev != want {
			return false
		}
		if want == speaker+":on" {
			want = speaker + ":off"
		} else {
			want = speaker + ":on"
		}
	}
	return true
}

func TestCoordinator_CollisionNotificationsStayOrdered(t *testing.T) {
	for range 20 {
		h := newHarness(t, defaultConfig(), conversation.Deps{})
		h.start()

		h.push("mic-1", 0.8, 10)
		h.waitFrames("p1", 10)
		h.push("mic-2", 0, 10)
		h.push("mic-2", 0.8, 15)
		h.waitFrames("p2", 25)

		// The discarded speaker keeps talking while the timer resolves the
		// overlap, so a new speech start races the discard notification.
		fired := make(chan struct{})
		tm := h.waitTimer(0)
		go func() {
			tm.fire()
			close(fired)
		}()
		h.push("mic-1", 0.8, 5)
		<-fired

		h.push("mic-1", 0, 30)
		h.push("mic-2", 0, 30)
		h.waitFrames("p1", 45)
		h.waitFrames("p2", 55)

		events := h.speakingEvents()
		if !alternates(events, "p1") || !alternates(events, "p2") {
			t.Fatalf("speaking notifications out of order: %v", events)
		}
		h.coord.Stop()
	}
}

func TestCoordinator_CollisionTieDiscardsFirstSpeaker(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	h.push("mic-1", 0.8, 10)
	h.push("mic-2", 0.8, 10)
	h.waitFrames("p1", 10)
	h.waitFrames("p2", 10)
	h.waitTimer(0).fire()

	h.push("mic-1", 0, 30)
	h.push("mic-2", 0, 30)
	u := h.next()
	if u.Speaker != "p2" || !u.IsCollision {
		t.Errorf("utterance = %s, want p2 flagged as collision", u)
	}
	h.waitFrames("p1", 40)
	h.expectNone(50 * time.Millisecond)
}

func TestCoordinator_ShortOverlapKeepsBoth(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	h.push("mic-1", 0.8, 10)
	h.waitFrames("p1", 10)
	h.push("mic-2", 0, 5)
	h.push("mic-2", 0.8, 20)
	h.waitFrames("p2", 25)
	tm := h.waitTimer(0)

	// p1 ends before the hold elapses.
	h.push("mic-1", 0, 25)
	u1 := h.next()
	if !tm.stopped.Load() {
		t.Error("collision timer not cancelled when the overlap ended")
	}
	tm.fire()

	h.push("mic-2", 0, 25)
	u2 := h.next()

	if u1.Speaker != "p1" || u1.IsCollision || u1.DurationMs != 200 {
		t.Errorf("first utterance = %s, want plain p1 of 200ms", u1)
	}
	if u2.Speaker != "p2" || u2.IsCollision || u2.DurationMs != 400 {
		t.Errorf("second utterance = %s, want plain p2 of 400ms", u2)
	}
	if u2.Seq <= u1.Seq {
		t.Errorf("Seq order = %d then %d, want increasing", u1.Seq, u2.Seq)
	}
}

func TestCoordinator_ShortBlipIgnored(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	h.push("mic-1", 0.8, 5) // 100 ms, below the 150 ms minimum
	h.push("mic-1", 0, 30)
	h.waitFrames("p1", 35)
	h.expectNone(50 * time.Millisecond)

	if got := h.speakingEvents(); len(got) != 2 || got[1] != "p1:off" {
		t.Errorf("speaking events = %v, want on then off", got)
	}
	if n := h.stt.CallCount(); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
}

func TestCoordinator_BelowThresholdNeverStarts(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	h.push("mic-1", 0.45, 100)
	h.waitFrames("p1", 100)
	h.expectNone(20 * time.Millisecond)
	if got := h.speakingEvents(); len(got) != 0 {
		t.Errorf("speaking events = %v, want none", got)
	}
}

func TestCoordinator_MaxSpeechForcesEnd(t *testing.T) {
	cfg := defaultConfig()
	cfg.VAD.MaxSpeech = time.Second
	h := newHarness(t, cfg, conversation.Deps{})
	h.start()

	h.push("mic-1", 0.8, 50)
	u := h.next()
	if u.DurationMs != 1000 {
		t.Errorf("DurationMs = %d, want 1000", u.DurationMs)
	}
	h.expectNone(20 * time.Millisecond)
}

func TestCoordinator_TranscriptionFailure(t *testing.T) {
	tests := []struct {
		name        string
		transcriber *sttmock.Transcriber
		failureText string
		wantText    string
	}{
		{
			name:        "backend error",
			transcriber: &sttmock.Transcriber{Err: errors.New("backend down")},
			wantText:    conversation.DefaultFailureText,
		},
		{
			name:        "empty transcript",
			transcriber: &sttmock.Transcriber{Result: stt.Transcript{Text: "  "}},
			wantText:    conversation.DefaultFailureText,
		},
		{
			name:        "custom failure text",
			transcriber: &sttmock.Transcriber{Err: errors.New("timeout")},
			failureText: "???",
			wantText:    "???",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.FailureText = tt.failureText
			h := newHarness(t, cfg, conversation.Deps{Transcriber: tt.transcriber})
			h.start()

			h.push("mic-1", 0.8, 20)
			h.push("mic-1", 0, 25)
			u := h.next()
			if u.Text != tt.wantText || !u.TranscriptionFailed {
				t.Errorf("Text = %q (failed %v), want %q", u.Text, u.TranscriptionFailed, tt.wantText)
			}
			if u.DurationMs != 400 {
				t.Errorf("DurationMs = %d, want 400", u.DurationMs)
			}
		})
	}
}

func TestCoordinator_NoHintForUncommonRate(t *testing.T) {
	const rate = 44100
	cfg := defaultConfig()
	cfg.SampleRate = rate
	cfg.VAD = vad.DefaultConfig(rate)
	src := &amock.Source{Streams: map[string]*amock.Stream{
		"mic-1": amock.NewStream(rate),
		"mic-2": amock.NewStream(rate),
	}}
	h := newHarness(t, cfg, conversation.Deps{Source: src})
	h.src = src
	h.start()

	h.push("mic-1", 0.8, 20)
	h.push("mic-1", 0, 25)
	h.next()

	req := h.stt.Requests()[0]
	if req.SampleRateHint != 0 {
		t.Errorf("SampleRateHint = %d, want 0", req.SampleRateHint)
	}
	if req.Audio.SampleRate != rate {
		t.Errorf("audio rate = %d, want %d", req.Audio.SampleRate, rate)
	}
}

func TestCoordinator_CorrectsVocabulary(t *testing.T) {
	tr := &sttmock.Transcriber{Result: stt.Transcript{Text: "ask grimjah"}}
	h := newHarness(t, defaultConfig(), conversation.Deps{
		Transcriber: tr,
		Corrector:   transcript.New([]string{"Grimjaw"}),
	})
	h.start()

	h.push("mic-2", 0.8, 20)
	h.push("mic-2", 0, 25)
	if u := h.next(); u.Text != "ask Grimjaw" {
		t.Errorf("Text = %q, want %q", u.Text, "ask Grimjaw")
	}
}

func TestCoordinator_StartRollsBack(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.src.OpenErrors = map[string][]error{"mic-2": {audio.ErrDeviceBusy}}
	first := h.src.Stream("mic-1")

	err := h.coord.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if !errors.Is(err, device.ErrExhausted) || !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("Start error = %v, want exhausted busy device", err)
	}
	// p1 may have been cancelled before it opened its device.
	if h.src.OpenCount("mic-1") > 0 && !first.Closed() {
		t.Error("acquired stream of p1 not closed on rollback")
	}
	for _, st := range h.coord.Snapshot() {
		if st.Connected {
			t.Errorf("%s still connected after rollback", st.Speaker)
		}
	}

	// The busy device is free now; a retry succeeds.
	h.start()
	if err := h.coord.CheckDevices(context.Background()); err != nil {
		t.Errorf("CheckDevices after retry: %v", err)
	}
}

func TestCoordinator_Lifecycle(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})

	if err := h.coord.CheckDevices(context.Background()); err == nil {
		t.Error("CheckDevices before Start = nil, want error")
	}
	h.start()
	if err := h.coord.Start(context.Background()); !errors.Is(err, conversation.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	h.coord.Stop()
	h.coord.Stop()

	if !h.src.Stream("mic-1").Closed() || !h.src.Stream("mic-2").Closed() {
		t.Error("streams not closed after Stop")
	}
	if err := h.coord.Start(context.Background()); !errors.Is(err, conversation.ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.coord.Stop()
	h.coord.Stop()
	if n := h.src.OpenCount("mic-1"); n != 0 {
		t.Errorf("opens = %d, want 0", n)
	}
}

func TestCoordinator_StopDrainsPendingTranscription(t *testing.T) {
	tr := &sttmock.Transcriber{
		Result:  stt.Transcript{Text: "late"},
		Block:   make(chan struct{}),
		Started: make(chan struct{}, 1),
	}
	h := newHarness(t, defaultConfig(), conversation.Deps{Transcriber: tr})
	h.start()

	h.push("mic-1", 0.8, 20)
	h.push("mic-1", 0, 25)
	select {
	case <-tr.Started:
	case <-time.After(waitFor):
		t.Fatal("transcription never started")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(tr.Block)
	}()
	h.coord.Stop()

	if u := h.next(); u.Text != "late" {
		t.Errorf("Text = %q, want late", u.Text)
	}
}

func TestCoordinator_StopCancelsStuckTranscription(t *testing.T) {
	cfg := defaultConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	tr := &sttmock.Transcriber{Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	h := newHarness(t, cfg, conversation.Deps{Transcriber: tr})
	h.start()

	h.push("mic-1", 0.8, 20)
	h.push("mic-1", 0, 25)
	<-tr.Started

	done := make(chan struct{})
	go func() {
		h.coord.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return after the drain timeout")
	}
	// The cancelled transcription is reported before Stop returns.
	select {
	case u := <-h.utterances:
		if !u.TranscriptionFailed {
			t.Errorf("utterance = %s, want failed transcription", u)
		}
	default:
		t.Fatal("no utterance delivered by the time Stop returned")
	}
	h.expectNone(20 * time.Millisecond)
}

func TestCoordinator_FramesAfterCancelDiscarded(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push("mic-1", 0, 1)
	h.waitFrames("p1", 1)
	cancel()

	h.push("mic-1", 0.8, 40)
	h.push("mic-1", 0, 30)
	h.expectNone(50 * time.Millisecond)

	h.mu.Lock()
	seen := h.frames["p1"]
	h.mu.Unlock()
	if seen != 1 {
		t.Errorf("frames processed after cancel = %d, want 0", seen-1)
	}
	if got := h.speakingEvents(); len(got) != 0 {
		t.Errorf("speaking events = %v, want none", got)
	}

	h.coord.Stop()
	if !h.src.Stream("mic-1").Closed() {
		t.Error("stream not closed by Stop")
	}
}

func TestCoordinator_DeviceDropReacquires(t *testing.T) {
	h := newHarness(t, defaultConfig(), conversation.Deps{})
	h.start()

	first := h.src.Stream("mic-1")
	h.push("mic-1", 0.8, 10)
	h.waitFrames("p1", 10)
	first.Drop()

	h.eventually("re-acquired device", func() bool {
		st := h.state("p1")
		return h.src.OpenCount("mic-1") == 2 && st.Connected && !st.Speaking
	})

	// The replacement stream runs at 48 kHz.
	h.push("mic-1", 0.8, 40)
	h.push("mic-1", 0, 25)
	u := h.next()
	if u.DurationMs != 800 {
		t.Errorf("DurationMs = %d, want 800", u.DurationMs)
	}
	if u.Seq != 1 {
		t.Errorf("Seq = %d, want 1 (interrupted speech must not emit)", u.Seq)
	}
	if n := h.counter("crosstalk.utterances.discarded"); n != 1 {
		t.Errorf("discarded metric = %d, want 1", n)
	}
}

// flakySource fails every Open once fail is set.
type flakySource struct {
	*amock.Source
	fail atomic.Bool
}

func (s *flakySource) Open(ctx context.Context, id string) (audio.Stream, error) {
	if s.fail.Load() {
		return nil, audio.ErrDeviceNotFound
	}
	return s.Source.Open(ctx, id)
}

func TestCoordinator_DeviceLostReported(t *testing.T) {
	src := &flakySource{Source: &amock.Source{Streams: map[string]*amock.Stream{
		"mic-1": amock.NewStream(testRate),
		"mic-2": amock.NewStream(testRate),
	}}}
	h := newHarness(t, defaultConfig(), conversation.Deps{Source: src})
	h.src = src.Source
	h.start()

	src.fail.Store(true)
	h.src.Stream("mic-1").Drop()

	h.eventually("device error", func() bool { return h.state("p1").Err != nil })
	err := h.coord.CheckDevices(context.Background())
	if err == nil || !strings.Contains(err.Error(), "p1") {
		t.Errorf("CheckDevices = %v, want error naming p1", err)
	}
	if st := h.state("p1"); !errors.Is(st.Err, audio.ErrDeviceNotFound) {
		t.Errorf("state error = %v, want ErrDeviceNotFound", st.Err)
	}
	if !h.state("p2").Connected {
		t.Error("p2 disconnected by p1's failure")
	}
}

func TestCoordinator_ApplyNoise(t *testing.T) {
	cfg := defaultConfig()
	cfg.DisableNoise = false
	cfg.Noise.HighPassHz = 150
	cfg.Noise.LowPassHz = 7000
	cfg.Noise.GateThreshold = 0.02
	h := newHarness(t, cfg, conversation.Deps{})
	h.start()

	valid := cfg.Noise
	valid.GateThreshold = 0.05
	if err := h.coord.ApplyNoise(valid); err != nil {
		t.Errorf("ApplyNoise(valid): %v", err)
	}

	invalid := cfg.Noise
	invalid.LowPassHz = 9000 // above Nyquist at 16 kHz
	if err := h.coord.ApplyNoise(invalid); err == nil {
		t.Error("ApplyNoise(invalid) = nil, want error")
	}
}

func TestCoordinator_MalformedFramesDropped(t *testing.T) {
	cfg := defaultConfig()
	cfg.DisableNoise = false
	cfg.Noise.HighPassHz = 150
	cfg.Noise.LowPassHz = 7000
	cfg.Noise.GateThreshold = 0.02
	cfg.Noise.Compressor = true
	h := newHarness(t, cfg, conversation.Deps{})
	h.start()

	st := h.src.Stream("mic-1")
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		f := frame(testRate, 0)
		f.Samples[7] = float32(v)
		st.Push(f)
	}
	st.Push(frame(48000, 0.8))
	st.Push(audio.AudioFrame{SampleRate: testRate})

	h.push("mic-1", 0, 20)
	h.waitFrames("p1", 20)
	h.expectNone(20 * time.Millisecond)

	h.mu.Lock()
	seen := h.frames["p1"]
	h.mu.Unlock()
	if seen != 20 {
		t.Errorf("frames reaching the VAD = %d, want 20", seen)
	}
	state := h.state("p1")
	if state.Speaking || state.Loudness != 0 {
		t.Errorf("state after malformed frames = %+v, want idle at zero loudness", state)
	}
	if got := h.speakingEvents(); len(got) != 0 {
		t.Errorf("speaking events = %v, want none", got)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*conversation.Config, *conversation.Deps)
		want   string
	}{
		{
			name:   "no speakers",
			mutate: func(c *conversation.Config, _ *conversation.Deps) { c.Speakers = nil },
			want:   "at least one speaker",
		},
		{
			name: "duplicate speaker",
			mutate: func(c *conversation.Config, _ *conversation.Deps) {
				c.Speakers = []conversation.Speaker{{Name: "a"}, {Name: "a"}}
			},
			want: "duplicate name",
		},
		{
			name: "inverted thresholds",
			mutate: func(c *conversation.Config, _ *conversation.Deps) {
				c.VAD.EndThreshold = 0.9
			},
			want: "must not exceed start_threshold",
		},
		{
			name: "low-pass above nyquist",
			mutate: func(c *conversation.Config, _ *conversation.Deps) {
				c.DisableNoise = false
				c.Noise.HighPassHz = 150
				c.Noise.LowPassHz = 8000
				c.Noise.GateThreshold = 0.02
			},
			want: "low-pass",
		},
		{
			name:   "missing transcriber",
			mutate: func(_ *conversation.Config, d *conversation.Deps) { d.Transcriber = nil },
			want:   "transcriber is required",
		},
		{
			name:   "bad encoding",
			mutate: func(c *conversation.Config, _ *conversation.Deps) { c.Encodings = []audio.Encoding{"mp3"} },
			want:   "unknown encoding",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			deps := conversation.Deps{
				Source:      &amock.Source{},
				VAD:         energy.New(),
				Transcriber: &sttmock.Transcriber{},
			}
			tt.mutate(&cfg, &deps)
			_, err := conversation.New(cfg, deps)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("New error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestCoordinator_ScriptedVADTiming(t *testing.T) {
	sess := &vadmock.Session{
		Events: []vad.VADEvent{
			{Type: vad.VADSilence},
			{Type: vad.VADSpeechStart, Loudness: 0.6, Offset: 40 * time.Millisecond},
			{Type: vad.VADSpeechContinue, Loudness: 0.6},
			{Type: vad.VADSpeechEnd, AvgLoudness: 0.4567, Offset: 1274 * time.Millisecond, Duration: 1234 * time.Millisecond},
		},
	}
	eng := &vadmock.Engine{Session: sess}
	h := newHarness(t, defaultConfig(), conversation.Deps{VAD: eng})
	h.start()

	h.push("mic-1", 0.1, 4)
	u := h.next()

	if !u.StartTime.Equal(origin.Add(40 * time.Millisecond)) {
		t.Errorf("StartTime = %s, want origin+40ms", u.StartTime)
	}
	if u.DurationMs != 1234 {
		t.Errorf("DurationMs = %d, want 1234", u.DurationMs)
	}
	if u.Loudness != 0.457 {
		t.Errorf("Loudness = %v, want 0.457", u.Loudness)
	}

	if n := len(eng.NewSessionCalls); n != 2 {
		t.Fatalf("NewSession calls = %d, want one per speaker", n)
	}
	cfg := eng.NewSessionCalls[0].Cfg
	if cfg.SampleRate != testRate || cfg.StartThreshold != vad.DefaultConfig(testRate).StartThreshold {
		t.Errorf("session config = %+v, want defaults at %d Hz", cfg, testRate)
	}
}

func TestCoordinator_ScriptedVADDiscardAndErrors(t *testing.T) {
	sess := &vadmock.Session{
		Events: []vad.VADEvent{
			{Type: vad.VADSpeechStart, Loudness: 0.7},
			{Type: vad.VADSpeechDiscarded, AvgLoudness: 0.2},
		},
	}
	h := newHarness(t, defaultConfig(), conversation.Deps{VAD: &vadmock.Engine{Session: sess}})
	h.start()

	h.push("mic-1", 0.1, 3)
	h.waitFrames("p1", 3)
	h.expectNone(20 * time.Millisecond)

	if n := h.counter("crosstalk.utterances.discarded"); n != 1 {
		t.Errorf("discarded = %d, want 1", n)
	}
	if st := h.state("p1"); st.Speaking || st.LastAvgLoudness != 0.2 {
		t.Errorf("state = %+v, want idle with avg 0.2", st)
	}
	if got := h.speakingEvents(); len(got) != 2 || got[1] != "p1:off" {
		t.Errorf("speaking events = %v, want [p1:on p1:off]", got)
	}
}
