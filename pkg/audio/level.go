package audio

import "math"

// RMS returns the root-mean-square level of samples. For samples in [-1, 1]
// the result lies in [0, 1]. Returns 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeLoudness rounds v to three decimals and clamps it to [0, 1].
// NaN maps to 0.
func NormalizeLoudness(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v*1000) / 1000
	return min(max(v, 0), 1)
}
