package capture

// window is a fixed-size circular buffer of the most recent mono samples,
// read by the spectrum analysis each tick. It is not safe for concurrent use.
type window struct {
	data []float32
	pos  int // next write position
	full bool
}

func newWindow(size int) *window {
	return &window{data: make([]float32, size)}
}

// write appends samples, overwriting the oldest once the window is full.
func (w *window) write(samples []float32) {
	n := len(w.data)
	if len(samples) >= n {
		copy(w.data, samples[len(samples)-n:])
		w.pos = 0
		w.full = true
		return
	}
	m := copy(w.data[w.pos:], samples)
	if m < len(samples) {
		copy(w.data, samples[m:])
	}
	next := w.pos + len(samples)
	if next >= n {
		w.full = true
	}
	w.pos = next % n
}

// snapshot appends the buffered samples oldest first to dst[:0].
func (w *window) snapshot(dst []float32) []float32 {
	dst = dst[:0]
	if w.full {
		dst = append(dst, w.data[w.pos:]...)
	}
	return append(dst, w.data[:w.pos]...)
}
