// Package device opens capture devices with bounded retries.
//
// Microphones disappear and come back: USB hubs reset, another program holds
// the device, the OS reassigns it after sleep. [Acquirer] hides that behind a
// single blocking [Acquirer.Acquire] call that retries with exponential
// backoff and gives up after a fixed number of attempts.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// Default retry policy.
const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 1 * time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// ErrExhausted is returned (wrapped together with the last open error) when
// every attempt failed.
var ErrExhausted = errors.New("device: retries exhausted")

// Policy bounds the retry loop. Zero fields select the defaults.
type Policy struct {
	// MaxAttempts is the total number of Open calls, including the first.
	MaxAttempts int

	// Backoff is the wait after the first failure. It doubles after each
	// further failure up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// Config configures an [Acquirer].
type Config struct {
	// Source opens the device. Required.
	Source audio.Source

	// DeviceID identifies the device within Source. Empty selects the
	// default input.
	DeviceID string

	// Policy bounds retries.
	Policy Policy

	// OnAttempt, when set, is called after every Open with the 1-based
	// attempt number and its error (nil on success).
	OnAttempt func(deviceID string, attempt int, err error)

	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Acquirer opens one capture device with retries. It is safe for concurrent
// use, though a channel normally has a single caller.
type Acquirer struct {
	source    audio.Source
	deviceID  string
	policy    Policy
	onAttempt func(string, int, error)
	sleep     func(context.Context, time.Duration) error
}

// New creates an Acquirer. It returns an error when cfg.Source is nil.
func New(cfg Config) (*Acquirer, error) {
	if cfg.Source == nil {
		return nil, errors.New("device: source must not be nil")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Acquirer{
		source:    cfg.Source,
		deviceID:  cfg.DeviceID,
		policy:    cfg.Policy.withDefaults(),
		onAttempt: cfg.OnAttempt,
		sleep:     cfg.Sleep,
	}, nil
}

// DeviceID returns the device this Acquirer opens.
func (a *Acquirer) DeviceID() string { return a.deviceID }

// Policy returns the effective retry policy.
func (a *Acquirer) Policy() Policy { return a.policy }

// Acquire opens the device, retrying failures with exponential backoff. It
// returns ctx.Err() if ctx ends first, and an error wrapping [ErrExhausted]
// and the last open error after MaxAttempts failures.
func (a *Acquirer) Acquire(ctx context.Context) (audio.Stream, error) {
	wait := a.policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= a.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := a.source.Open(ctx, a.deviceID)
		if a.onAttempt != nil {
			a.onAttempt(a.deviceID, attempt, err)
		}
		if err == nil {
			if attempt > 1 {
				slog.Info("capture device acquired", "device_id", a.deviceID, "attempt", attempt)
			}
			return stream, nil
		}
		lastErr = err

		if attempt == a.policy.MaxAttempts {
			break
		}
		slog.Warn("capture device open failed, retrying",
			"device_id", a.deviceID,
			"attempt", attempt,
			"max_attempts", a.policy.MaxAttempts,
			"backoff", wait,
			"err", err,
		)
		if err := a.sleep(ctx, wait); err != nil {
			return nil, err
		}
		wait = min(wait*2, a.policy.MaxBackoff)
	}

	slog.Error("capture device unavailable",
		"device_id", a.deviceID,
		"attempts", a.policy.MaxAttempts,
		"err", lastErr,
	)
	return nil, fmt.Errorf("%w: device %q after %d attempts: %w",
		ErrExhausted, a.deviceID, a.policy.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
