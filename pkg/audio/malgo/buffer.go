package malgo

import (
	"errors"
	"sync"
)

// errBufferClosed is returned by writes to a closed buffer.
var errBufferClosed = errors.New("malgo: speaker closed")

// pcmBuffer is the queue between Sink writers and the playback callback.
// Writers block while more than limit bytes are pending; the callback never
// blocks and pads underruns with silence.
type pcmBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	closed bool
}

func newPCMBuffer(limit int) *pcmBuffer {
	b := &pcmBuffer{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// write appends pcm, waiting for room first.
func (b *pcmBuffer) write(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.closed && len(b.buf) > 0 && len(b.buf)+len(pcm) > b.limit {
		b.cond.Wait()
	}
	if b.closed {
		return errBufferClosed
	}
	b.buf = append(b.buf, pcm...)
	return nil
}

// read fills out from the queue and zeroes whatever it could not fill. It
// returns the number of real bytes copied.
func (b *pcmBuffer) read(out []byte) int {
	b.mu.Lock()
	n := copy(out, b.buf)
	b.buf = b.buf[n:]
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}
	if n > 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()

	clear(out[n:])
	return n
}

// flush drops everything pending.
func (b *pcmBuffer) flush() {
	b.mu.Lock()
	b.buf = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

// pending returns the number of queued bytes.
func (b *pcmBuffer) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *pcmBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}
