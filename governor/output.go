package governor

import (
	"bytes"
	"sync"
)

// CappedBuffer is an io.Writer that keeps at most limit bytes. Writes past
// the limit are reported as successful and discarded so a runaway process
// can neither grow memory nor block on a full pipe.
type CappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int64
	dropped int64
}

// NewCappedBuffer returns a buffer that keeps the first limit bytes written
func NewCappedBuffer(limit int64) *CappedBuffer {
	return &CappedBuffer{limit: limit}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}

	keep := p
	if int64(len(p)) > room {
		keep = p[:room]
		b.dropped += int64(len(p)) - room
	}
	b.buf.Write(keep)

	return len(p), nil
}

// String returns the captured bytes
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the number of captured bytes
func (b *CappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Truncated reports whether any output was dropped
func (b *CappedBuffer) Truncated() bool {
	return b.Dropped() > 0
}

// Dropped returns the number of bytes discarded past the limit
func (b *CappedBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
