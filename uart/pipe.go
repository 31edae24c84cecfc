package uart

import (
	"sync"

	"github.com/arloliu/go-chainbus/internal/util"
)

// Pipe is an in-memory transport. The host side uses it like a Port; the
// device side calls Feed to deliver bytes and OnWrite to observe what the host
// writes. It backs tests and the chainctl -simulate mode.
type Pipe struct {
	rx rxBuffer

	mu      sync.Mutex
	writes  [][]byte
	onWrite func([]byte)
	writeFn func([]byte) error
}

// NewPipe creates an open Pipe.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Write records b and hands a copy to the OnWrite handler, if any.
func (p *Pipe) Write(b []byte) (int, error) {
	if _, err := p.rx.available(); err != nil {
		return 0, err
	}

	frame := util.CloneSlice(b)

	p.mu.Lock()
	if p.writeFn != nil {
		if err := p.writeFn(frame); err != nil {
			p.mu.Unlock()
			return 0, err
		}
	}
	p.writes = append(p.writes, frame)
	handler := p.onWrite
	p.mu.Unlock()

	if handler != nil {
		handler(frame)
	}

	return len(b), nil
}

// Available returns the number of fed bytes not yet read.
func (p *Pipe) Available() (int, error) {
	return p.rx.available()
}

// Read copies fed bytes into b without blocking.
func (p *Pipe) Read(b []byte) (int, error) {
	return p.rx.read(b)
}

// Close closes the pipe. Later calls return ErrClosed.
func (p *Pipe) Close() error {
	p.rx.close()
	return nil
}

// Feed delivers b to the host side as if it arrived on the wire.
func (p *Pipe) Feed(b []byte) {
	p.rx.push(b)
}

// OnWrite sets fn to receive every chunk the host writes. fn runs on the
// writer's goroutine and may call Feed.
func (p *Pipe) OnWrite(fn func(b []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onWrite = fn
}

// FailWrites makes Write return the error from fn for chunks it rejects.
// A nil fn restores normal writes.
func (p *Pipe) FailWrites(fn func(b []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeFn = fn
}

// Writes returns every chunk written so far.
func (p *Pipe) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.writes))
	copy(out, p.writes)

	return out
}
