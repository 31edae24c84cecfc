package chain

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-chainbus/logger"
	"github.com/arloliu/go-chainbus/uart"
	"github.com/stretchr/testify/require"
)

// replyFunc returns the reply frame for a request, or nil to stay silent.
type replyFunc func(req *Frame, attempt int) []byte

// fakeChain answers frames the host writes to a pipe.
type fakeChain struct {
	pipe *uart.Pipe

	mu       sync.Mutex
	decoder  *Decoder
	handler  replyFunc
	attempts map[[2]uint8]int
}

func newFakeChain(pipe *uart.Pipe) *fakeChain {
	c := &fakeChain{
		pipe:     pipe,
		decoder:  NewDecoder(0),
		attempts: make(map[[2]uint8]int),
	}
	pipe.OnWrite(c.onWrite)

	return c
}

func (c *fakeChain) respond(fn replyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler = fn
}

func (c *fakeChain) onWrite(b []byte) {
	c.mu.Lock()
	frames := c.decoder.DecodeBytes(b, nil)
	handler := c.handler

	var replies [][]byte
	for _, f := range frames {
		key := [2]uint8{f.DeviceID, f.Cmd}
		c.attempts[key]++
		if handler != nil {
			if reply := handler(f, c.attempts[key]); reply != nil {
				replies = append(replies, reply)
			}
		}
	}
	c.mu.Unlock()

	for _, r := range replies {
		c.pipe.Feed(r)
	}
}

// echoStatus replies to every request with the same ID and cmd and a single OK status byte.
func echoStatus(req *Frame, _ int) []byte {
	return Encode(req.DeviceID, req.Cmd, []byte{byte(StatusOK)})
}

func testLogger() logger.Logger {
	return logger.NewSlogWithWriter(io.Discard, logger.DebugLevel, false, false)
}

func testConfig(t *testing.T, pipe *uart.Pipe, opts ...BusOption) *BusConfig {
	t.Helper()

	base := []BusOption{
		WithTransport(pipe),
		WithLogger(testLogger()),
		WithPollInterval(time.Millisecond),
		WithRequestTimeout(50 * time.Millisecond),
		WithRetryPause(time.Millisecond),
		WithCloseTimeout(time.Second),
	}

	cfg, err := NewBusConfig("test-chain", append(base, opts...)...)
	require.NoError(t, err)

	return cfg
}

// openTestBus opens a bus on a fresh pipe and closes it when the test ends.
func openTestBus(t *testing.T, opts ...BusOption) (*Bus, *fakeChain) {
	t.Helper()

	pipe := uart.NewPipe()
	chain := newFakeChain(pipe)

	b, err := Open(context.Background(), testConfig(t, pipe, opts...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, chain
}
