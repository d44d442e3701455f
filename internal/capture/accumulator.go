package capture

import (
	"sync"

	"github.com/compresr/prompt-gateway/internal/config"
)

// Accumulator is a bounded io.Writer. Bytes beyond the cap are discarded and
// Truncated reports true. Write never fails so it can sit behind an
// io.MultiWriter without disturbing the client stream.
type Accumulator struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	total     int64
	truncated bool
}

// NewAccumulator creates an accumulator keeping at most max bytes.
// max <= 0 selects config.DefaultMaxResponseBytes.
func NewAccumulator(max int) *Accumulator {
	if max <= 0 {
		max = config.DefaultMaxResponseBytes
	}
	return &Accumulator{max: max}
}

// Write keeps what fits under the cap.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total += int64(len(p))
	room := a.max - len(a.buf)
	if room <= 0 {
		if len(p) > 0 {
			a.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		a.buf = append(a.buf, p[:room]...)
		a.truncated = true
		return len(p), nil
	}
	a.buf = append(a.buf, p...)
	return len(p), nil
}

// Bytes returns a copy of the kept bytes.
func (a *Accumulator) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// Truncated reports whether any byte was discarded.
func (a *Accumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

// Total returns the number of bytes written, kept or not.
func (a *Accumulator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
