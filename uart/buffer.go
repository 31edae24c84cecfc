package uart

import (
	"fmt"
	"os"
	"sync"
)

// ErrClosed is returned by operations on a closed port or pipe.
// It matches os.ErrClosed under errors.Is.
var ErrClosed = fmt.Errorf("uart: port closed: %w", os.ErrClosed)

// rxBuffer holds received bytes until the host reads them.
type rxBuffer struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	err    error
	closed bool
}

// push appends p, dropping the oldest bytes past limit. It returns the number
// of bytes dropped.
func (r *rxBuffer) push(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return len(p)
	}

	r.buf = append(r.buf, p...)

	dropped := 0
	if r.limit > 0 && len(r.buf) > r.limit {
		dropped = len(r.buf) - r.limit
		r.buf = append(r.buf[:0], r.buf[dropped:]...)
	}

	return dropped
}

// fail records a terminal receive error reported once the buffer is drained.
func (r *rxBuffer) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
	}
}

func (r *rxBuffer) available() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	if len(r.buf) == 0 && r.err != nil {
		return 0, r.err
	}

	return len(r.buf), nil
}

func (r *rxBuffer) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	if len(r.buf) == 0 {
		return 0, r.err
	}

	n := copy(p, r.buf)
	r.buf = append(r.buf[:0], r.buf[n:]...)

	return n, nil
}

// close marks the buffer closed and reports whether it was open.
func (r *rxBuffer) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.closed = true
	r.buf = nil

	return true
}
