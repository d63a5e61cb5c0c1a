// Package dsp implements the per-speaker noise reduction chain applied to
// captured audio before voice-activity detection and recording.
//
// The chain runs, in order: a high-pass biquad, a low-pass biquad, a
// hysteresis noise gate and an optional soft-knee compressor. All parameters
// can be changed while audio is flowing; a change takes effect at the next
// frame and keeps filter state, so there is no need to rebuild the chain.
//
// A [Chain] processes one stream. It is safe to call the setters from any
// goroutine while another goroutine calls [Chain.Process].
package dsp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

// filterQ is the quality factor of both biquads.
const filterQ = 0.7

// Params holds the tunable parameters of a [Chain].
type Params struct {
	// HighPassHz is the high-pass cutoff in Hz.
	HighPassHz float64

	// LowPassHz is the low-pass cutoff in Hz. Must stay below Nyquist, so
	// the default is only usable at sample rates above 16 kHz.
	LowPassHz float64

	// GateThreshold is the amplitude in [0, 1] above which the gate opens.
	GateThreshold float64

	// Compressor enables the compressor stage.
	Compressor bool
}

// DefaultParams returns the default chain parameters.
func DefaultParams() Params {
	return Params{
		HighPassHz:    150,
		LowPassHz:     8000,
		GateThreshold: 0.02,
		Compressor:    true,
	}
}

// Validate checks p against sampleRate and returns all problems joined.
func (p Params) Validate(sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("dsp: sample rate must be positive, got %d", sampleRate)
	}
	var errs []error
	if err := validateCutoff("high-pass", p.HighPassHz, sampleRate); err != nil {
		errs = append(errs, err)
	}
	if err := validateCutoff("low-pass", p.LowPassHz, sampleRate); err != nil {
		errs = append(errs, err)
	}
	if err := validateThreshold(p.GateThreshold); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateCutoff(name string, hz float64, sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	if hz <= 0 || hz >= nyquist {
		return fmt.Errorf("dsp: %s cutoff %.1f Hz must be in (0, %.1f)", name, hz, nyquist)
	}
	return nil
}

func validateThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("dsp: gate threshold %.4f must be in [0, 1]", v)
	}
	return nil
}

// Chain is the noise reduction stage for a single mono stream.
type Chain struct {
	mu         sync.Mutex
	sampleRate int
	params     Params
	hpf        biquad
	lpf        biquad
	gate       gate
	comp       compressor
}

// New returns a chain for audio at sampleRate using p. Invalid parameters are
// rejected; nothing is clamped.
func New(sampleRate int, p Params) (*Chain, error) {
	if err := p.Validate(sampleRate); err != nil {
		return nil, err
	}
	c := &Chain{
		sampleRate: sampleRate,
		params:     p,
		gate:       newGate(sampleRate, p.GateThreshold),
		comp:       newCompressor(sampleRate),
	}
	c.hpf.setHighPass(sampleRate, p.HighPassHz, filterQ)
	c.lpf.setLowPass(sampleRate, p.LowPassHz, filterQ)
	return c, nil
}

// SampleRate returns the sample rate the chain was built for.
func (c *Chain) SampleRate() int { return c.sampleRate }

// Params returns the current parameters.
func (c *Chain) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Process filters samples in place. A buffer holding NaN or infinite
// samples is rejected untouched and leaves the filter state as it was.
func (c *Chain) Process(samples []float32) error {
	if i := audio.NonFinite(samples); i >= 0 {
		return fmt.Errorf("dsp: sample %d: %w", i, audio.ErrNonFiniteSamples)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	compOn := c.params.Compressor
	for i, s := range samples {
		x := c.hpf.process(float64(s))
		x = c.lpf.process(x)
		x = c.gate.process(x)
		if compOn {
			x = c.comp.process(x)
		}
		samples[i] = float32(min(max(x, -1), 1))
	}
	return nil
}

// SetGateThreshold changes the gate's open threshold. The close threshold
// follows at half the open threshold.
func (c *Chain) SetGateThreshold(v float64) error {
	if err := validateThreshold(v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.GateThreshold = v
	c.gate.threshold = v
	return nil
}

// SetHighPass changes the high-pass cutoff.
func (c *Chain) SetHighPass(hz float64) error {
	if err := validateCutoff("high-pass", hz, c.sampleRate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.HighPassHz = hz
	c.hpf.setHighPass(c.sampleRate, hz, filterQ)
	return nil
}

// SetLowPass changes the low-pass cutoff.
func (c *Chain) SetLowPass(hz float64) error {
	if err := validateCutoff("low-pass", hz, c.sampleRate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params.LowPassHz = hz
	c.lpf.setLowPass(c.sampleRate, hz, filterQ)
	return nil
}

// SetCompressorEnabled toggles the compressor stage. Enabling it resets the
// compressor envelope.
func (c *Chain) SetCompressorEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && !c.params.Compressor {
		c.comp.reset()
	}
	c.params.Compressor = on
}

// Apply validates p and applies every parameter that differs from the
// current setting. Either all changes are applied or none.
func (c *Chain) Apply(p Params) error {
	if err := p.Validate(c.sampleRate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.HighPassHz != c.params.HighPassHz {
		c.hpf.setHighPass(c.sampleRate, p.HighPassHz, filterQ)
	}
	if p.LowPassHz != c.params.LowPassHz {
		c.lpf.setLowPass(c.sampleRate, p.LowPassHz, filterQ)
	}
	c.gate.threshold = p.GateThreshold
	if p.Compressor && !c.params.Compressor {
		c.comp.reset()
	}
	c.params = p
	return nil
}

// Reset clears all filter, gate and compressor state.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hpf.reset()
	c.lpf.reset()
	c.gate.reset()
	c.comp.reset()
}
