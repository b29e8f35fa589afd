package vad

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize is the analysis window length in samples.
	DefaultFFTSize = 2048

	defaultMinDecibels   = -100.0
	defaultMaxDecibels   = -30.0
	defaultTimeSmoothing = 0.8

	minFFTSize = 32
	maxFFTSize = 32768
)

// SpectrumOption configures a [Spectrum].
type SpectrumOption func(*Spectrum)

// WithDecibelRange sets the dB range mapped onto byte values 0..255.
// Values at or below minDB map to 0, at or above maxDB to 255.
func WithDecibelRange(minDB, maxDB float64) SpectrumOption {
	return func(s *Spectrum) {
		if maxDB > minDB {
			s.minDB, s.maxDB = minDB, maxDB
		}
	}
}

// WithTimeSmoothing sets the blend between the previous and current
// magnitude of each bin, in [0, 1). Zero disables smoothing.
func WithTimeSmoothing(tau float64) SpectrumOption {
	return func(s *Spectrum) {
		if tau >= 0 && tau < 1 {
			s.tau = tau
		}
	}
}

// Spectrum computes byte frequency data the way a browser analyser node
// does: Blackman window, real FFT, magnitude scaled by the window length,
// per-bin time smoothing, conversion to decibels, and a linear map of the
// decibel range onto 0..255.
type Spectrum struct {
	size   int
	fft    *fourier.FFT
	window []float64
	minDB  float64
	maxDB  float64
	tau    float64

	frame  []float64
	coeffs []complex128
	smooth []float64
}

// NewSpectrum returns a spectrum for windows of size samples. size must be a
// power of two between 32 and 32768.
func NewSpectrum(size int, opts ...SpectrumOption) (*Spectrum, error) {
	if size < minFFTSize || size > maxFFTSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("vad: fft size %d must be a power of two in [%d, %d]", size, minFFTSize, maxFFTSize)
	}
	s := &Spectrum{
		size:   size,
		fft:    fourier.NewFFT(size),
		window: blackman(size),
		minDB:  defaultMinDecibels,
		maxDB:  defaultMaxDecibels,
		tau:    defaultTimeSmoothing,
		frame:  make([]float64, size),
		smooth: make([]float64, size/2),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Size returns the analysis window length in samples.
func (s *Spectrum) Size() int { return s.size }

// Bins returns the number of frequency bins, half the window length.
func (s *Spectrum) Bins() int { return s.size / 2 }

// Compute analyses samples (in [-1, 1]) and writes one byte per bin into
// dst, growing it if needed. Only the last Size samples are used; shorter
// input is zero-padded at the front. It returns the filled slice.
func (s *Spectrum) Compute(samples []float32, dst []byte) []byte {
	if len(samples) > s.size {
		samples = samples[len(samples)-s.size:]
	}
	pad := s.size - len(samples)
	for i := range pad {
		s.frame[i] = 0
	}
	for i, v := range samples {
		s.frame[pad+i] = float64(v) * s.window[pad+i]
	}

	s.coeffs = s.fft.Coefficients(s.coeffs, s.frame)

	bins := s.Bins()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	scale := 255 / (s.maxDB - s.minDB)
	for k := range bins {
		c := s.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(s.size)
		s.smooth[k] = s.tau*s.smooth[k] + (1-s.tau)*mag

		db := 20 * math.Log10(s.smooth[k])
		v := math.Floor(scale * (db - s.minDB))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Reset clears the time-smoothing history.
func (s *Spectrum) Reset() {
	clear(s.smooth)
}

func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
