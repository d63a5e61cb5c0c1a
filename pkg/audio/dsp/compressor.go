package dsp

import "math"

// Compressor settings.
const (
	compThresholdDB = -24.0
	compKneeDB      = 30.0
	compRatio       = 12.0
	compAttack      = 0.003
	compRelease     = 0.25

	// compMakeupExponent scales the automatic makeup gain applied after
	// compression, derived from the static curve at full scale.
	compMakeupExponent = 0.6
)

// compressor is a feed-forward soft-knee compressor with a smoothed gain
// envelope in the decibel domain.
type compressor struct {
	attackCoef  float64
	releaseCoef float64
	makeupDB    float64

	envDB float64
}

func newCompressor(sampleRate int) compressor {
	return compressor{
		attackCoef:  math.Exp(-1 / (compAttack * float64(sampleRate))),
		releaseCoef: math.Exp(-1 / (compRelease * float64(sampleRate))),
		makeupDB:    -compMakeupExponent * staticGainDB(0),
	}
}

// staticGainDB returns the gain reduction in dB (<= 0) applied to an input
// at levelDB.
func staticGainDB(levelDB float64) float64 {
	over := levelDB - compThresholdDB
	var out float64
	switch {
	case 2*over < -compKneeDB:
		out = levelDB
	case 2*math.Abs(over) <= compKneeDB:
		k := over + compKneeDB/2
		out = levelDB + (1/compRatio-1)*k*k/(2*compKneeDB)
	default:
		out = compThresholdDB + over/compRatio
	}
	return out - levelDB
}

func (c *compressor) process(x float64) float64 {
	level := math.Abs(x)
	levelDB := -120.0
	if level > 1e-6 {
		levelDB = 20 * math.Log10(level)
	}
	target := staticGainDB(levelDB)

	coef := c.releaseCoef
	if target < c.envDB {
		coef = c.attackCoef
	}
	c.envDB = coef*c.envDB + (1-coef)*target

	return x * math.Pow(10, (c.envDB+c.makeupDB)/20)
}

func (c *compressor) reset() { c.envDB = 0 }
