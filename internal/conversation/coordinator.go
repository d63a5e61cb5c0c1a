// Package conversation turns the microphones of several speakers into a
// stream of discrete, transcribed utterances.
//
// Each speaker gets a [Channel]: frames from its capture device pass through
// noise reduction and voice activity detection, speech is recorded, and every
// finished recording is transcribed and emitted as an [Utterance].
//
// When speakers talk over each other for longer than the collision hold, the
// [Coordinator] keeps only the speaker who started last. That speaker's
// utterance is flagged as a collision; the overlapping speech of the others
// is dropped.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/crosstalk/internal/device"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/transcript"
	"github.com/MrWong99/crosstalk/pkg/audio/dsp"
)

var (
	// ErrAlreadyStarted is returned by Start while the coordinator runs.
	ErrAlreadyStarted = errors.New("conversation: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("conversation: stopped")
)

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Coordinator owns the speaker channels and the collision arbiter.
//
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg      Config
	metrics  *observe.Metrics
	channels []*Channel
	arbiter  *arbiter

	mu    sync.Mutex
	state runState
}

// New validates cfg and deps and builds a coordinator. No device is opened
// until Start.
func New(cfg Config, deps Deps, opts ...Option) (*Coordinator, error) {
	if err := errors.Join(cfg.Validate(), deps.validate()); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if deps.Corrector == nil {
		deps.Corrector = transcript.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.TranscriberName == "" {
		deps.TranscriberName = "stt"
	}

	c := &Coordinator{cfg: cfg, metrics: deps.Metrics}
	c.arbiter = newArbiter(cfg.CollisionHold, o.afterFunc, c.resolved)

	ids := &idSource{}
	for _, s := range cfg.Speakers {
		acq, err := device.New(device.Config{
			Source:    deps.Source,
			DeviceID:  s.DeviceID,
			Policy:    cfg.Acquire,
			OnAttempt: c.deviceAttempt,
			Sleep:     o.sleep,
		})
		if err != nil {
			return nil, fmt.Errorf("conversation: speaker %q: %w", s.Name, err)
		}
		ch := &Channel{
			speaker:     s.Name,
			cfg:         cfg,
			acquirer:    acq,
			engine:      deps.VAD,
			transcriber: deps.Transcriber,
			sttName:     deps.TranscriberName,
			corrector:   deps.Corrector,
			metrics:     deps.Metrics,
			ids:         ids,
			arbiter:     c.arbiter,
			opts:        o,
			noise:       cfg.Noise,
		}
		c.channels = append(c.channels, ch)
		c.arbiter.register(ch)
	}
	return c, nil
}

// Start opens every speaker's device concurrently and starts processing. If
// any device cannot be acquired, the devices already opened are released and
// the error is returned; Start may then be called again.
//
// ctx bounds device acquisition, including re-acquisition after a device
// drops, until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range c.channels {
		g.Go(func() error { return ch.acquire(gctx) })
	}
	if err := g.Wait(); err != nil {
		for _, ch := range c.channels {
			ch.teardown()
		}
		return fmt.Errorf("conversation: start: %w", err)
	}

	for _, ch := range c.channels {
		ch.run(ctx)
	}
	c.state = stateRunning
	slog.Info("conversation started",
		"speakers", len(c.channels),
		"collision_hold", c.cfg.CollisionHold,
	)
	return nil
}

// Stop cancels the collision timer, closes every capture stream and waits up
// to the drain timeout for pending transcriptions. It is idempotent and safe
// to call when Start was never called or failed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateStopped {
		return
	}
	wasRunning := c.state == stateRunning
	c.state = stateStopped
	c.arbiter.stop()
	if !wasRunning {
		return
	}

	var wg sync.WaitGroup
	for _, ch := range c.channels {
		wg.Go(ch.stop)
	}
	wg.Wait()
	slog.Info("conversation stopped")
}

// Snapshot returns the state of every speaker in registration order.
func (c *Coordinator) Snapshot() []SpeakerState {
	out := make([]SpeakerState, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.State())
	}
	return out
}

// Speakers returns the speaker names in registration order.
func (c *Coordinator) Speakers() []string {
	names := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		names = append(names, ch.Speaker())
	}
	return names
}

// CheckDevices reports an error naming every speaker whose capture device
// is not connected. It is meant for readiness probes.
func (c *Coordinator) CheckDevices(_ context.Context) error {
	c.mu.Lock()
	running := c.state == stateRunning
	c.mu.Unlock()
	if !running {
		return errors.New("conversation: not running")
	}

	var down []string
	for _, st := range c.Snapshot() {
		if !st.Connected {
			down = append(down, st.Speaker)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("conversation: devices disconnected: %s", strings.Join(down, ", "))
	}
	return nil
}

// ApplyNoise updates the noise reduction parameters of every speaker
// without interrupting capture.
func (c *Coordinator) ApplyNoise(p dsp.Params) error {
	var errs []error
	for _, ch := range c.channels {
		if err := ch.applyNoise(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("conversation: apply noise: %w", err)
	}
	return nil
}

func (c *Coordinator) resolved(r resolution) {
	c.metrics.RecordCollision(context.Background(), len(r.discarded)+1)
	slog.Info("speaker collision resolved",
		"survivor", r.survivor,
		"discarded", r.discarded,
	)
}

func (c *Coordinator) deviceAttempt(deviceID string, _ int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordDeviceAttempt(context.Background(), deviceID, status)
}
