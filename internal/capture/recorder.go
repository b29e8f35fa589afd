package capture

// recorder accumulates PCM and cuts it into fixed-size chunks, mirroring a
// media recorder with a timeslice. Chunk boundaries are counted in bytes so
// they do not depend on wall-clock jitter. It is not safe for concurrent use.
type recorder struct {
	chunkBytes int
	buf        []byte
	emit       func([]byte)
}

func newRecorder(chunkBytes int, emit func([]byte)) *recorder {
	return &recorder{
		chunkBytes: chunkBytes,
		buf:        make([]byte, 0, chunkBytes),
		emit:       emit,
	}
}

// write appends pcm and emits every completed chunk.
func (r *recorder) write(pcm []byte) {
	for len(pcm) > 0 {
		n := min(r.chunkBytes-len(r.buf), len(pcm))
		r.buf = append(r.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(r.buf) == r.chunkBytes {
			r.emit(r.buf)
			r.buf = make([]byte, 0, r.chunkBytes)
		}
	}
}

// flush returns the partial chunk accumulated so far and starts a new one.
// It returns nil if nothing is buffered.
func (r *recorder) flush() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = make([]byte, 0, r.chunkBytes)
	return out
}
