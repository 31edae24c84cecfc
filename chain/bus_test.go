package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-chainbus/logger"
	"github.com/arloliu/go-chainbus/uart"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testDevice struct{ id uint8 }

func (d *testDevice) DeviceID() uint8 { return d.id }

func TestOpen_Singleton(t *testing.T) {
	require := require.New(t)

	pipe := uart.NewPipe()
	cfg := testConfig(t, pipe)

	b1, err := Open(context.Background(), cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = b1.Close() })

	// same configuration returns the live bus
	b2, err := Open(context.Background(), cfg)
	require.NoError(err)
	require.Same(b1, b2)

	sameCfg, err := NewBusConfig("test-chain", WithTransport(pipe), WithLogger(testLogger()))
	require.NoError(err)
	b3, err := Open(context.Background(), sameCfg)
	require.NoError(err)
	require.Same(b1, b3)

	// a different port is refused
	otherCfg := testConfig(t, uart.NewPipe())
	_, err = Open(context.Background(), otherCfg)
	require.ErrorIs(err, ErrBusInUse)

	// closing releases the guard
	require.NoError(b1.Close())
	b4, err := Open(context.Background(), otherCfg)
	require.NoError(err)
	require.NotSame(b1, b4)
	require.NoError(b4.Close())
}

// closeGate is a transport whose Close blocks until release is closed.
type closeGate struct {
	*uart.Pipe
	closing chan struct{}
	release chan struct{}
}

func (g *closeGate) Close() error {
	close(g.closing)
	<-g.release

	return g.Pipe.Close()
}

func TestOpen_DuringClose(t *testing.T) {
	require := require.New(t)

	gate := &closeGate{Pipe: uart.NewPipe(), closing: make(chan struct{}), release: make(chan struct{})}
	var opened atomic.Int32

	orig := openTransport
	openTransport = func(*BusConfig) (Transport, error) {
		if opened.Add(1) == 1 {
			return gate, nil
		}

		return uart.NewPipe(), nil
	}
	t.Cleanup(func() { openTransport = orig })

	cfg, err := NewBusConfig("/dev/ttyFAKE1", WithLogger(testLogger()), WithCloseTimeout(time.Second))
	require.NoError(err)

	b1, err := Open(context.Background(), cfg)
	require.NoError(err)

	closed := make(chan error, 1)
	go func() { closed <- b1.Close() }()
	<-gate.closing

	// b1 is stuck releasing its transport; the same configuration gets a new bus
	b2, err := Open(context.Background(), cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = b2.Close() })
	require.NotSame(b1, b2)
	require.False(b2.IsClosed())
	require.Equal(int32(2), opened.Load())

	close(gate.release)
	require.NoError(<-closed)

	// finishing b1's shutdown leaves b2 registered
	b3, err := Open(context.Background(), cfg)
	require.NoError(err)
	require.Same(b2, b3)
}

func TestOpen_NilConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	require.Error(t, err)
}

func TestOpen_DefaultTransport(t *testing.T) {
	require := require.New(t)

	pipe := uart.NewPipe()
	var opened atomic.Int32

	orig := openTransport
	openTransport = func(cfg *BusConfig) (Transport, error) {
		opened.Add(1)
		require.Equal("/dev/ttyFAKE0", cfg.PortName())

		return pipe, nil
	}
	t.Cleanup(func() { openTransport = orig })

	cfg, err := NewBusConfig("/dev/ttyFAKE0", WithLogger(testLogger()))
	require.NoError(err)

	b, err := Open(context.Background(), cfg)
	require.NoError(err)
	require.Equal(int32(1), opened.Load())
	require.NoError(b.Close())

	_, err = pipe.Available()
	require.ErrorIs(err, uart.ErrClosed)
}

func TestOpen_TransportError(t *testing.T) {
	require := require.New(t)

	orig := openTransport
	openTransport = func(*BusConfig) (Transport, error) { return nil, errors.New("no such port") }
	t.Cleanup(func() { openTransport = orig })

	cfg, err := NewBusConfig("/dev/ttyMISSING", WithLogger(testLogger()))
	require.NoError(err)

	_, err = Open(context.Background(), cfg)
	require.ErrorContains(err, "no such port")

	// the failed open leaves no live bus behind
	b, _ := openTestBus(t)
	require.NotNil(b)
}

func TestBus_Close(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	require.False(b.IsClosed())
	require.Equal(3, b.taskMgr.TaskCount())

	require.NoError(b.Close())
	require.True(b.IsClosed())
	require.Zero(b.taskMgr.TaskCount())
	require.NoError(b.Close())

	_, err := chain.pipe.Available()
	require.ErrorIs(err, uart.ErrClosed)

	_, err = b.RegisterEvent(0x01, 0x10, nil, func(Event) {})
	require.ErrorIs(err, ErrBusClosed)
}

func TestBus_ParentContextCancel(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	b, err := Open(ctx, testConfig(t, uart.NewPipe()))
	require.NoError(err)
	t.Cleanup(func() { _ = b.Close() })

	cancel()
	require.Eventually(func() bool { return b.taskMgr.TaskCount() == 0 }, time.Second, time.Millisecond)

	_, ok := b.Send(0x01, 0x10, nil, time.Second)
	require.False(ok)
}

func TestBus_Accessors(t *testing.T) {
	require := require.New(t)

	b, _ := openTestBus(t)
	require.Equal("test-chain", b.Config().PortName())
	require.NotNil(b.GetLogger())
	require.NotNil(b.GetMetrics())
}

func TestBus_DeviceDirectory(t *testing.T) {
	require := require.New(t)

	b, _ := openTestBus(t)
	d1, d2 := &testDevice{id: 1}, &testDevice{id: 2}

	require.ErrorIs(b.RegisterDevice(nil), ErrNilDevice)
	require.NoError(b.RegisterDevice(d1))
	require.NoError(b.RegisterDevice(d2))
	require.Equal([]Device{d1, d2}, b.Devices())

	require.True(b.UnregisterDevice(d1))
	require.False(b.UnregisterDevice(d1))
	require.Equal([]Device{d2}, b.Devices())
}

func TestBus_ReceiveCountsErrors(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)

	bad := Encode(0x01, 0x10, []byte{0x01})
	bad[len(bad)-3] ^= 0xFF

	chain.pipe.Feed(bad)
	chain.pipe.Feed([]byte{0xAA, 0x55, 0x01, 0x00})
	chain.pipe.Feed(Encode(BroadcastID, CmdHeartbeat, nil))
	chain.pipe.Feed(Encode(0x01, 0x10, []byte{0x02}))

	m := b.GetMetrics()
	require.Eventually(func() bool { return m.FrameRecvCount.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(uint64(1), m.ChecksumErrCount.Load())
	require.Equal(uint64(1), m.FramingErrCount.Load())

	// the heartbeat never reached the queue
	require.Equal(1, b.queue.Len())
	require.Eventually(func() bool { return m.PacketQueueDepth.Load() == 1 }, time.Second, time.Millisecond)
}

func TestBus_ChecksumErrorLogged(t *testing.T) {
	require := require.New(t)

	ml := logger.NewPermissiveMockLogger()
	b, chain := openTestBus(t, WithLogger(ml))

	bad := Encode(0x01, 0x10, []byte{0x01})
	bad[len(bad)-3] ^= 0x01
	chain.pipe.Feed(bad)

	require.Eventually(func() bool { return b.GetMetrics().ChecksumErrCount.Load() == 1 }, time.Second, time.Millisecond)
	ml.AssertCalled(t, "Warn", "chain: frame dropped", mock.Anything)
}

func TestBus_StalledFrameRescanned(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)

	// the false header announces 13 payload bytes and would hold the valid
	// frame until more bytes arrive
	chain.pipe.Feed([]byte{0xAA, 0x55, 0x10, 0x00})
	chain.pipe.Feed(Encode(0x09, 0x44, []byte{0x01, 0x02}))

	m := b.GetMetrics()
	require.Eventually(func() bool { return m.FrameRecvCount.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(uint64(1), m.FramingErrCount.Load())

	payload, ok := b.queue.Take(0x09, 0x44, false)
	require.True(ok)
	require.Equal([]byte{0x01, 0x02}, payload)
}

func TestBus_SweepEvictsStalePackets(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t, WithSweepInterval(10*time.Millisecond), WithPacketMaxAge(20*time.Millisecond))

	chain.pipe.Feed(Encode(0x05, 0x60, []byte{0x01}))
	require.Eventually(func() bool { return b.GetMetrics().FrameRecvCount.Load() == 1 }, time.Second, time.Millisecond)

	require.Eventually(func() bool { return b.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(uint64(1), b.GetMetrics().PacketEvictCount.Load())
}

// --- Events ---

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

func TestEvent_Dispatch(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	rec := &eventRecorder{}

	expected := []byte{0x01}
	id, err := b.RegisterEvent(0x02, 0x40, expected, rec.record)
	require.NoError(err)
	require.Equal(1, b.EventCount())

	expected[0] = 0xFF // registration keeps its own copy

	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x01}))
	require.Eventually(func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	ev := rec.snapshot()[0]
	require.Equal(uint8(0x02), ev.DeviceID)
	require.Equal(uint8(0x40), ev.Cmd)
	require.Equal([]byte{0x01}, ev.Payload)
	require.False(ev.ReceivedAt.IsZero())

	require.True(b.UnregisterEvent(id))
	require.False(b.UnregisterEvent(id))
	require.Zero(b.EventCount())

	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x01}))
	require.Eventually(func() bool { return b.GetMetrics().FrameRecvCount.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(rec.snapshot(), 1)
}

func TestEvent_MismatchDropped(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	rec := &eventRecorder{}

	_, err := b.RegisterEvent(0x02, 0x40, []byte{0x01}, rec.record)
	require.NoError(err)

	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x00}))
	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x01, 0x00}))
	require.Eventually(func() bool { return b.GetMetrics().FrameRecvCount.Load() == 2 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Empty(rec.snapshot())
	require.Zero(b.queue.Len())
}

func TestEvent_SameKeyDifferentPayloads(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	pressed, released := &eventRecorder{}, &eventRecorder{}

	_, err := b.RegisterEvent(0x03, 0x50, []byte{0x01}, pressed.record)
	require.NoError(err)
	_, err = b.RegisterEvent(0x03, 0x50, []byte{0x00}, released.record)
	require.NoError(err)

	var stream []byte
	stream = append(stream, Encode(0x03, 0x50, []byte{0x01})...)
	stream = append(stream, Encode(0x03, 0x50, []byte{0x00})...)
	stream = append(stream, Encode(0x03, 0x50, []byte{0x01})...)
	chain.pipe.Feed(stream)

	require.Eventually(func() bool {
		return len(pressed.snapshot()) == 2 && len(released.snapshot()) == 1
	}, time.Second, time.Millisecond)
}

func TestEvent_CallbackMaySend(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	chain.respond(func(req *Frame, _ int) []byte {
		if req.Cmd == 0x41 {
			return Encode(req.DeviceID, req.Cmd, []byte{0x2A})
		}

		return nil
	})

	replies := make(chan []byte, 1)
	_, err := b.RegisterEvent(0x02, 0x40, []byte{0x01}, func(e Event) {
		reply, ok := b.Send(e.DeviceID, 0x41, nil, 100*time.Millisecond)
		if ok {
			replies <- reply
		}
	})
	require.NoError(err)

	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x01}))

	select {
	case reply := <-replies:
		require.Equal([]byte{0x2A}, reply)
	case <-time.After(2 * time.Second):
		require.Fail("callback send did not complete")
	}
}

func TestEvent_CallbackPanicRecovered(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t)
	rec := &eventRecorder{}

	_, err := b.RegisterEvent(0x02, 0x40, []byte{0x01}, func(Event) { panic("boom") })
	require.NoError(err)
	_, err = b.RegisterEvent(0x02, 0x41, []byte{0x01}, rec.record)
	require.NoError(err)

	chain.pipe.Feed(Encode(0x02, 0x40, []byte{0x01}))
	require.Eventually(func() bool { return b.GetMetrics().EventPanicCount.Load() == 1 }, time.Second, time.Millisecond)

	chain.pipe.Feed(Encode(0x02, 0x41, []byte{0x01}))
	require.Eventually(func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(uint64(2), b.GetMetrics().EventDispatchCount.Load())
}

func TestEvent_RegisteredKeyHidesReplies(t *testing.T) {
	require := require.New(t)

	b, chain := openTestBus(t, WithRetryLimit(1))
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID, req.Cmd, []byte{0x01})
	})

	rec := &eventRecorder{}
	id, err := b.RegisterEvent(0x02, 0x40, []byte{0x01}, rec.record)
	require.NoError(err)

	// the reply carries the registered key, so the event table takes it
	_, ok := b.Send(0x02, 0x40, nil, 30*time.Millisecond)
	require.False(ok)
	require.Eventually(func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(uint64(1), b.GetMetrics().FrameRecvCount.Load())

	// a reply whose payload matches no registration is dropped, not queued
	chain.respond(func(req *Frame, _ int) []byte {
		return Encode(req.DeviceID, req.Cmd, []byte{0x07})
	})
	_, ok = b.Send(0x02, 0x40, nil, 30*time.Millisecond)
	require.False(ok)
	require.Zero(b.queue.Len())

	// without the registration the same reply completes the transaction
	require.True(b.UnregisterEvent(id))
	reply, ok := b.Send(0x02, 0x40, nil, 100*time.Millisecond)
	require.True(ok)
	require.Equal([]byte{0x07}, reply)
	require.Len(rec.snapshot(), 1)
}

func TestEvent_NilCallback(t *testing.T) {
	b, _ := openTestBus(t)

	_, err := b.RegisterEvent(0x01, 0x10, nil, nil)
	require.ErrorIs(t, err, ErrNilCallback)
}
