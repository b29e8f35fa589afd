package vad

import "math"

const (
	// smoothingPrevious and smoothingCurrent weight the previous level and
	// the instantaneous RMS. They assume a tick rate near 60 Hz.
	smoothingPrevious = 0.7
	smoothingCurrent  = 0.3
)

// Analyzer converts per-tick frequency bins into one smoothed loudness level
// in [0, 1].
type Analyzer struct {
	level float64
}

// Update normalizes each bin to [0, 1], takes the root mean square across
// all bins, and folds it into the running level as
// 0.7 × previous + 0.3 × rms. It returns the new level. An empty slice
// counts as silence.
func (a *Analyzer) Update(bins []byte) float64 {
	a.level = smoothingPrevious*a.level + smoothingCurrent*RMS(bins)
	return a.level
}

// Level returns the current smoothed level.
func (a *Analyzer) Level() float64 { return a.level }

// Reset zeroes the smoothed level.
func (a *Analyzer) Reset() { a.level = 0 }

// RMS returns the root mean square of bins normalized to [0, 1].
func RMS(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		v := float64(b) / 255
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(bins)))
}
