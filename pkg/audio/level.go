package audio

import "math"

// DefaultLevelGain is the multiplier applied to RMS before it is clamped into
// the [0, 1] level range shown to the user.
const DefaultLevelGain = 5

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level maps an RMS amplitude to a display level: min(rms*gain, 1), never
// negative.
func Level(rms, gain float64) float64 {
	return max(0, min(rms*gain, 1))
}
