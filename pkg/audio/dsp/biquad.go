package dsp

import "math"

// biquad is a second-order IIR section in transposed direct form II. The
// coefficients are normalised so that a0 == 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	// state
	z1, z2 float64
}

// setLowPass loads RBJ cookbook low-pass coefficients. Filter state is kept
// so a cutoff change does not click.
func (f *biquad) setLowPass(sampleRate int, cutoff, q float64) {
	w0 := 2 * math.Pi * cutoff / float64(sampleRate)
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	f.b0 = (1 - cos) / 2 / a0
	f.b1 = (1 - cos) / a0
	f.b2 = f.b0
	f.a1 = -2 * cos / a0
	f.a2 = (1 - alpha) / a0
}

// setHighPass loads RBJ cookbook high-pass coefficients.
func (f *biquad) setHighPass(sampleRate int, cutoff, q float64) {
	w0 := 2 * math.Pi * cutoff / float64(sampleRate)
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	f.b0 = (1 + cos) / 2 / a0
	f.b1 = -(1 + cos) / a0
	f.b2 = f.b0
	f.a1 = -2 * cos / a0
	f.a2 = (1 - alpha) / a0
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

func (f *biquad) reset() { f.z1, f.z2 = 0, 0 }
