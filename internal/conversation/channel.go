package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/crosstalk/internal/device"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/transcript"
	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/dsp"
	"github.com/MrWong99/crosstalk/pkg/audio/recorder"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// Discard reasons reported in metrics.
const (
	reasonCollision  = "collision"
	reasonTooShort   = "too_short"
	reasonDeviceLost = "device_lost"
	reasonStopped    = "stopped"
	reasonQueueFull  = "queue_full"
)

var errChannelStopping = errors.New("conversation: channel stopping")

// hintRates are the sample rates passed to transcribers as a hint. Other
// rates are left for the backend to read from the recording.
var hintRates = map[int]bool{
	8000:  true,
	12000: true,
	16000: true,
	24000: true,
	48000: true,
}

// SampleRateHint returns rate if transcription services commonly accept it
// and 0 otherwise.
func SampleRateHint(rate int) int {
	if hintRates[rate] {
		return rate
	}
	return 0
}

// SpeakerState is a point-in-time view of one speaker.
type SpeakerState struct {
	Speaker  string
	DeviceID string

	// Connected is true while a capture stream is open.
	Connected bool

	// Speaking is true inside a detected speech segment.
	Speaking bool

	// Loudness is the level of the last processed frame.
	Loudness float64

	// LastAvgLoudness is the mean level of the last finished segment.
	LastAvgLoudness float64

	// Utterances counts the utterances emitted for this speaker.
	Utterances uint64

	// Err is the last device error, set when the device could not be
	// re-acquired.
	Err error
}

// job is a finished recording waiting for transcription.
type job struct {
	start     time.Time
	duration  time.Duration
	loudness  float64
	collision bool
	segment   recorder.Segment
}

// outcome collects what a state change must announce once the channel
// mutex is released.
type outcome struct {
	changed    bool
	speaking   bool
	transition string
	discard    string
	job        *job
	// ticket orders delivery of changed outcomes. It is taken with the
	// channel mutex held, so tickets follow the order of state changes.
	ticket uint64
}

// turnstile lets ticket holders through one at a time in ticket order.
// The zero value is ready to use.
type turnstile struct {
	mu      sync.Mutex
	issued  uint64
	serving uint64
	wake    chan struct{}
}

func (t *turnstile) take() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.issued
	t.issued++
	return n
}

// enter blocks until ticket n is being served.
func (t *turnstile) enter(n uint64) {
	for {
		t.mu.Lock()
		if t.serving == n {
			t.mu.Unlock()
			return
		}
		if t.wake == nil {
			t.wake = make(chan struct{})
		}
		wake := t.wake
		t.mu.Unlock()
		<-wake
	}
}

// leave hands the turn to the next ticket.
func (t *turnstile) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serving++
	if t.wake != nil {
		close(t.wake)
		t.wake = nil
	}
}

// Channel is the pipeline of one speaker: capture stream, noise reduction,
// speech detection, recording and transcription.
//
// The capture goroutine handles one frame at a time with the channel mutex
// held. Finished recordings go to a per-channel worker that transcribes them
// in order, one at a time.
type Channel struct {
	speaker     string
	cfg         Config
	acquirer    *device.Acquirer
	engine      vad.Engine
	transcriber stt.Transcriber
	sttName     string
	corrector   transcript.Corrector
	metrics     *observe.Metrics
	ids         *idSource
	arbiter     *arbiter
	opts        *options

	// turns orders speaking notifications: the collision timer and the
	// capture goroutine both deliver outcomes of this channel.
	turns turnstile

	mu         sync.Mutex
	running    bool
	stopping   bool
	stream     audio.Stream
	rate       int
	noise      dsp.Params
	chain      *dsp.Chain
	vad        vad.SessionHandle
	rec        *recorder.Recorder
	origin     time.Time
	connected  bool
	lastErr    error
	utterances uint64

	speaking        bool
	seq             uint64
	speakStartAt    time.Time
	shouldDiscard   bool
	collisionFlag   bool
	loudness        float64
	lastAvgLoudness float64

	cancel       context.CancelFunc
	workerCancel context.CancelFunc
	jobs         chan job
	captureDone  chan struct{}
	workerDone   chan struct{}
}

// Speaker returns the speaker name.
func (c *Channel) Speaker() string { return c.speaker }

// State returns a snapshot of the channel.
func (c *Channel) State() SpeakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SpeakerState{
		Speaker:         c.speaker,
		DeviceID:        c.acquirer.DeviceID(),
		Connected:       c.connected,
		Speaking:        c.speaking,
		Loudness:        c.loudness,
		LastAvgLoudness: c.lastAvgLoudness,
		Utterances:      c.utterances,
		Err:             c.lastErr,
	}
}

// applyNoise updates the noise chain parameters in place.
func (c *Channel) applyNoise(p dsp.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chain != nil {
		if err := c.chain.Apply(p); err != nil {
			return fmt.Errorf("speaker %q: %w", c.speaker, err)
		}
	}
	c.noise = p
	return nil
}

// ─── Device binding ─────────────────────────────────────────────────────────

// acquire opens the device and prepares the pipeline for its sample rate.
func (c *Channel) acquire(ctx context.Context) error {
	stream, err := c.acquirer.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("speaker %q: %w", c.speaker, err)
	}
	if err := c.attach(stream); err != nil {
		_ = stream.Close()
		return fmt.Errorf("speaker %q: %w", c.speaker, err)
	}
	return nil
}

// attach binds stream to the channel. Processing state is rebuilt when the
// sample rate changed and reset otherwise; capture time restarts at zero.
func (c *Channel) attach(stream audio.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return errChannelStopping
	}

	rate := stream.Format().SampleRate
	if rate <= 0 {
		rate = c.cfg.SampleRate
	}
	if c.vad == nil || rate != c.rate {
		if err := c.buildLocked(rate); err != nil {
			return err
		}
	} else {
		c.vad.Reset()
		if c.chain != nil {
			c.chain.Reset()
		}
		_ = c.rec.Discard()
	}

	c.stream = stream
	c.origin = c.opts.now()
	c.connected = true
	c.lastErr = nil
	c.metrics.ActiveChannels.Add(context.Background(), 1)
	slog.Info("capture device attached",
		"speaker", c.speaker,
		"device_id", c.acquirer.DeviceID(),
		"format", stream.Format().String(),
	)
	return nil
}

func (c *Channel) buildLocked(rate int) error {
	var chain *dsp.Chain
	if !c.cfg.DisableNoise {
		var err error
		if chain, err = dsp.New(rate, c.noise); err != nil {
			return err
		}
	}
	sess, err := c.engine.NewSession(c.cfg.vadConfig(rate))
	if err != nil {
		return fmt.Errorf("create VAD session: %w", err)
	}
	rec, err := recorder.New(rate,
		recorder.WithPreRoll(c.cfg.PreRoll),
		recorder.WithMaxDuration(c.cfg.MaxRecording),
	)
	if err != nil {
		_ = sess.Close()
		return err
	}
	if c.vad != nil {
		_ = c.vad.Close()
	}
	c.rate = rate
	c.chain = chain
	c.vad = sess
	c.rec = rec
	return nil
}

// detach closes the current stream. An in-progress segment is force-ended
// and dropped.
func (c *Channel) detach(reason string) {
	c.mu.Lock()
	var out outcome
	if c.speaking {
		if _, ok := c.vad.ForceEnd(); !ok {
			slog.Debug("VAD was not speaking at detach", "speaker", c.speaker)
		}
		out = c.dropLocked(reason, vad.VADSpeechEnd.String())
	}
	wasConnected := c.connected
	c.connected = false
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("failed to close capture stream", "speaker", c.speaker, "err", err)
		}
	}
	if wasConnected {
		c.metrics.ActiveChannels.Add(context.Background(), -1)
	}
	c.deliver(out)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// run starts the capture and transcription goroutines. ctx bounds device
// re-acquisition.
func (c *Channel) run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	var workerCtx context.Context
	workerCtx, c.workerCancel = context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.jobs = make(chan job, c.cfg.QueueSize)
	c.captureDone = make(chan struct{})
	c.workerDone = make(chan struct{})
	go c.capture(ctx)
	go c.work(workerCtx)
}

// stop closes the capture stream, waits for the capture goroutine and gives
// pending transcriptions up to the drain timeout before cancelling them.
// No callback fires after stop returns. It is a no-op unless the channel is
// running.
func (c *Channel) stop() {
	c.mu.Lock()
	if !c.running || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.cancel()
	c.detach(reasonStopped)
	<-c.captureDone
	close(c.jobs)

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-c.workerDone:
	case <-timer.C:
		slog.Warn("transcriptions still pending at shutdown, cancelling",
			"speaker", c.speaker,
			"timeout", c.cfg.DrainTimeout,
		)
	}
	c.workerCancel()
	// Cancelled work still emits its failure-text utterance; it must land
	// before stop returns.
	<-c.workerDone

	c.mu.Lock()
	if c.vad != nil {
		_ = c.vad.Close()
	}
	c.running = false
	c.mu.Unlock()
}

// teardown releases a stream acquired by a Start that failed before the
// channel ran.
func (c *Channel) teardown() {
	c.detach(reasonStopped)
	c.mu.Lock()
	c.stream = nil
	c.mu.Unlock()
}

// capture is the real-time loop. It returns when the channel stops or the
// device cannot be re-acquired.
func (c *Channel) capture(ctx context.Context) {
	defer close(c.captureDone)
	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()

		for frame := range stream.Frames() {
			if ctx.Err() != nil {
				// Frames still buffered at stop belong to no conversation.
				audio.Drain(stream.Frames())
				break
			}
			c.handleFrame(frame)
		}

		if ctx.Err() != nil {
			return
		}
		slog.Warn("capture stream ended, re-acquiring device",
			"speaker", c.speaker,
			"device_id", c.acquirer.DeviceID(),
		)
		c.detach(reasonDeviceLost)

		next, err := c.acquirer.Acquire(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("capture device lost", "speaker", c.speaker, "err", err)
				c.mu.Lock()
				c.lastErr = err
				c.mu.Unlock()
			}
			return
		}
		if err := c.attach(next); err != nil {
			_ = next.Close()
			if !errors.Is(err, errChannelStopping) {
				slog.Error("failed to attach capture device", "speaker", c.speaker, "err", err)
				c.mu.Lock()
				c.lastErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// handleFrame runs one frame through the pipeline.
func (c *Channel) handleFrame(frame audio.AudioFrame) {
	c.mu.Lock()
	// Malformed frames are dropped before any stage sees them.
	if err := frame.Validate(c.rate); err != nil {
		c.mu.Unlock()
		slog.Debug("dropping frame", "speaker", c.speaker, "samples", len(frame.Samples), "err", err)
		return
	}
	if c.chain != nil {
		_ = c.chain.Process(frame.Samples)
	}
	ev, err := c.vad.ProcessFrame(frame)
	if err != nil {
		c.mu.Unlock()
		slog.Debug("dropping frame", "speaker", c.speaker, "samples", len(frame.Samples), "err", err)
		return
	}
	c.loudness = ev.Loudness

	var out outcome
	switch ev.Type {
	case vad.VADSpeechStart:
		out = c.startLocked(ev)
	case vad.VADSpeechEnd:
		out = c.endLocked(ev)
	case vad.VADSpeechDiscarded:
		c.lastAvgLoudness = ev.AvgLoudness
		out = c.dropLocked(reasonTooShort, vad.VADSpeechDiscarded.String())
	}
	// After a start the frame opens the recording; after an end it only
	// refreshes the pre-roll.
	c.rec.Write(frame.Samples)
	c.mu.Unlock()

	if fn := c.opts.onLoudness; fn != nil {
		fn(c.speaker, ev.Loudness)
	}
	c.deliver(out)
}

func (c *Channel) startLocked(ev vad.VADEvent) outcome {
	c.speaking = true
	c.seq++
	c.speakStartAt = c.origin.Add(ev.Offset)
	c.shouldDiscard = false
	c.collisionFlag = false
	if err := c.rec.Start(); err != nil {
		slog.Warn("recorder start failed", "speaker", c.speaker, "err", err)
	}
	return outcome{changed: true, speaking: true, transition: vad.VADSpeechStart.String(), ticket: c.turns.take()}
}

func (c *Channel) endLocked(ev vad.VADEvent) outcome {
	c.speaking = false
	c.lastAvgLoudness = audio.NormalizeLoudness(ev.AvgLoudness)
	out := outcome{changed: true, transition: vad.VADSpeechEnd.String(), ticket: c.turns.take()}

	if c.shouldDiscard {
		_ = c.rec.Discard()
		c.shouldDiscard = false
		c.collisionFlag = false
		out.discard = reasonCollision
		return out
	}

	seg, err := c.rec.Stop()
	if err != nil {
		slog.Warn("recorder stop failed", "speaker", c.speaker, "err", err)
		return out
	}
	out.job = &job{
		start:     c.speakStartAt,
		duration:  ev.Duration,
		loudness:  c.lastAvgLoudness,
		collision: c.collisionFlag,
		segment:   seg,
	}
	c.collisionFlag = false
	return out
}

// dropLocked leaves the speaking state without producing an utterance.
func (c *Channel) dropLocked(reason, transition string) outcome {
	c.speaking = false
	c.shouldDiscard = false
	c.collisionFlag = false
	_ = c.rec.Discard()
	return outcome{changed: true, transition: transition, discard: reason, ticket: c.turns.take()}
}

// deliver announces out. It must be called without the channel mutex held.
// Outcomes of one channel are announced in the order their state changes
// happened, whichever goroutine delivers them.
func (c *Channel) deliver(out outcome) {
	if !out.changed {
		return
	}
	c.turns.enter(out.ticket)
	ctx := context.Background()
	c.metrics.RecordVADTransition(ctx, c.speaker, out.transition)
	if out.discard != "" {
		c.metrics.RecordDiscard(ctx, c.speaker, out.discard)
		slog.Debug("speech discarded", "speaker", c.speaker, "reason", out.discard)
	}
	if fn := c.opts.onSpeakingChanged; fn != nil {
		fn(c.speaker, out.speaking)
	}
	if out.job != nil {
		c.enqueue(*out.job)
	}
	c.turns.leave()
	c.arbiter.evaluate()
}

// enqueue hands j to the worker without blocking the capture path.
func (c *Channel) enqueue(j job) {
	select {
	case c.jobs <- j:
	default:
		slog.Warn("transcription queue full, dropping utterance",
			"speaker", c.speaker,
			"queue_size", cap(c.jobs),
		)
		c.metrics.RecordDiscard(context.Background(), c.speaker, reasonQueueFull)
	}
}

// ─── Collision participant ──────────────────────────────────────────────────

func (c *Channel) name() string { return c.speaker }
func (c *Channel) lockState()    { c.mu.Lock() }
func (c *Channel) unlockState()  { c.mu.Unlock() }

func (c *Channel) speechLocked() (bool, time.Time, uint64) {
	return c.speaking, c.speakStartAt, c.seq
}

func (c *Channel) discardLocked() func() {
	c.shouldDiscard = true
	ev, ok := c.vad.ForceEnd()
	if !ok {
		c.shouldDiscard = false
		return func() {}
	}
	out := c.endLocked(ev)
	return func() { c.deliver(out) }
}

func (c *Channel) flagCollisionLocked() { c.collisionFlag = true }

var _ participant = (*Channel)(nil)

// ─── Transcription worker ───────────────────────────────────────────────────

func (c *Channel) work(ctx context.Context) {
	defer close(c.workerDone)
	for j := range c.jobs {
		c.process(ctx, j)
	}
}

// process turns one recording into an emitted utterance.
func (c *Channel) process(ctx context.Context, j job) {
	text, failed := c.transcribe(ctx, j.segment)
	id, seq := c.ids.next()
	u := Utterance{
		ID:                  id,
		Seq:                 seq,
		Speaker:             c.speaker,
		StartTime:           j.start,
		DurationMs:          max(j.duration.Milliseconds(), 0),
		Loudness:            j.loudness,
		Text:                text,
		IsCollision:         j.collision,
		TranscriptionFailed: failed,
		Truncated:           j.segment.Truncated,
	}

	c.mu.Lock()
	c.utterances++
	c.mu.Unlock()

	c.metrics.RecordUtterance(ctx, c.speaker, u.IsCollision, j.duration.Seconds())
	slog.Info("utterance",
		"speaker", u.Speaker,
		"seq", u.Seq,
		"id", u.ID,
		"duration_ms", u.DurationMs,
		"volume", u.Loudness,
		"collision", u.IsCollision,
		"text", u.Text,
	)
	if fn := c.opts.onUtterance; fn != nil {
		fn(u)
	}
}

// transcribe returns the corrected text of seg, or the failure text and
// true when nothing usable came back.
func (c *Channel) transcribe(ctx context.Context, seg recorder.Segment) (string, bool) {
	blob, err := seg.Encode(c.cfg.Encodings)
	if err != nil {
		slog.Warn("failed to encode recording", "speaker", c.speaker, "err", err)
		return c.cfg.FailureText, true
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TranscribeTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "conversation.transcribe",
		trace.WithAttributes(
			attribute.String("speaker", c.speaker),
			attribute.String("encoding", string(blob.Encoding)),
			attribute.Int("sample_rate", blob.SampleRate),
		),
	)

	req := stt.Request{
		Audio:          blob,
		SampleRateHint: SampleRateHint(blob.SampleRate),
		Language:       c.cfg.Language,
		Keywords:       c.cfg.Keywords,
	}
	start := time.Now()
	tr, err := c.transcriber.Transcribe(ctx, req)
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("speaker", c.speaker)),
	)
	observe.EndSpan(span, err)

	log := observe.Logger(ctx)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.sttName, "stt", "error")
		c.metrics.RecordProviderError(ctx, c.sttName, "stt")
		log.Warn("transcription failed", "speaker", c.speaker, "err", err)
		return c.cfg.FailureText, true
	}
	c.metrics.RecordProviderRequest(ctx, c.sttName, "stt", "ok")
	if strings.TrimSpace(tr.Text) == "" {
		log.Warn("transcription returned no text", "speaker", c.speaker, "audio", blob.String())
		return c.cfg.FailureText, true
	}

	res, err := c.corrector.Correct(ctx, tr)
	if err != nil {
		log.Warn("transcript correction failed, using raw text", "speaker", c.speaker, "err", err)
		return tr.Text, false
	}
	for _, fix := range res.Corrections {
		log.Debug("transcript corrected",
			"speaker", c.speaker,
			"original", fix.Original,
			"corrected", fix.Corrected,
			"confidence", fix.Confidence,
		)
	}
	return res.Text, false
}
