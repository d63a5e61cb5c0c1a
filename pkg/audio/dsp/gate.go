package dsp

import "math"

// Gate timing constants. Attack and release are per-sample gain steps.
const (
	gateAttackStep  = 0.01
	gateReleaseStep = 0.0005
	gateHoldSeconds = 0.1
	gateHysteresis  = 0.5
)

// gate is a hysteresis noise gate with hold time and linear gain smoothing.
// It opens immediately when a sample exceeds the threshold and only closes
// after the level stays below threshold*gateHysteresis for the hold period.
type gate struct {
	threshold   float64
	holdSamples int

	open bool
	hold int
	gain float64
}

func newGate(sampleRate int, threshold float64) gate {
	return gate{
		threshold:   threshold,
		holdSamples: int(math.Floor(float64(sampleRate) * gateHoldSeconds)),
	}
}

func (g *gate) process(x float64) float64 {
	level := math.Abs(x)
	closeAt := g.threshold * gateHysteresis

	switch {
	case level > g.threshold:
		g.open = true
		g.hold = g.holdSamples
	case g.open && level < closeAt:
		g.hold--
		if g.hold <= 0 {
			g.open = false
		}
	}

	if g.open {
		g.gain = min(g.gain+gateAttackStep, 1)
	} else {
		g.gain = max(g.gain-gateReleaseStep, 0)
	}
	return x * g.gain
}

func (g *gate) reset() {
	g.open = false
	g.hold = 0
	g.gain = 0
}
