package vad_test

import (
	"math"
	"testing"

	"github.com/aihub/voice/pkg/vad"
)

func sine(freq, rate float64, amp float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestNewSpectrum_InvalidSize(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 16, 1000, 65536} {
		if _, err := vad.NewSpectrum(n); err == nil {
			t.Errorf("NewSpectrum(%d): expected error", n)
		}
	}
}

func TestSpectrum_Silence(t *testing.T) {
	t.Parallel()
	s, err := vad.NewSpectrum(vad.DefaultFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	bins := s.Compute(make([]float32, vad.DefaultFFTSize), nil)
	if len(bins) != vad.DefaultFFTSize/2 {
		t.Fatalf("len = %d, want %d", len(bins), vad.DefaultFFTSize/2)
	}
	for i, b := range bins {
		if b != 0 {
			t.Fatalf("bin %d = %d, want 0 for silence", i, b)
		}
	}
}

func TestSpectrum_SinePeak(t *testing.T) {
	t.Parallel()
	const rate = 16000.0
	s, err := vad.NewSpectrum(2048, vad.WithTimeSmoothing(0), vad.WithDecibelRange(-100, 0))
	if err != nil {
		t.Fatal(err)
	}
	// 1 kHz lands exactly on bin 1000 * 2048 / 16000 = 128.
	bins := s.Compute(sine(1000, rate, 0.5, 2048), nil)

	peak := 0
	for i, b := range bins {
		if b > bins[peak] {
			peak = i
		}
	}
	if peak != 128 {
		t.Errorf("peak bin = %d, want 128", peak)
	}
	// Main lobe: 0.5/2 * 0.42 ≈ -19.6 dB, mapped onto [-100, 0].
	if bins[128] < 200 || bins[128] > 210 {
		t.Errorf("peak value = %d, want about 205", bins[128])
	}
	if vad.RMS(bins) <= vad.Threshold(vad.DefaultSensitivity) {
		t.Errorf("RMS of a loud tone %v does not exceed the default threshold", vad.RMS(bins))
	}
}

func TestSpectrum_TimeSmoothingAndReset(t *testing.T) {
	t.Parallel()
	s, err := vad.NewSpectrum(256)
	if err != nil {
		t.Fatal(err)
	}
	tone := sine(2000, 16000, 0.5, 256)
	first := s.Compute(tone, nil)[32]
	second := s.Compute(tone, nil)[32]
	if second <= first {
		t.Errorf("smoothed bin did not rise: %d then %d", first, second)
	}

	s.Reset()
	if again := s.Compute(tone, nil)[32]; again != first {
		t.Errorf("after Reset bin = %d, want %d", again, first)
	}
}

func TestSpectrum_ShortInputPadded(t *testing.T) {
	t.Parallel()
	s, err := vad.NewSpectrum(64)
	if err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 4)
	if got := s.Compute(nil, dst); len(got) != 32 {
		t.Errorf("len = %d, want 32", len(got))
	}
}
