package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-chainbus/internal/queue"
	"github.com/arloliu/go-chainbus/internal/task"
	"github.com/arloliu/go-chainbus/logger"
	"github.com/arloliu/go-chainbus/uart"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// readBufferSize is the chunk size used to drain the transport on each receive tick.
	readBufferSize = 512
	// frameStallTimeout is how long a partially received frame may go without
	// new bytes before the decoder abandons it.
	frameStallTimeout = 100 * time.Millisecond
)

// Sentinel errors for the Chain bus.
var (
	// Wire-level errors. These are reported by Decoder and counted by the bus;
	// they never reach callers of Send.
	ErrChecksumMismatch = errors.New("chain: checksum mismatch")
	ErrFraming          = errors.New("chain: framing error")

	// Bus-level errors.
	ErrBusInUse     = errors.New("chain: another bus is already open")
	ErrBusClosed    = errors.New("chain: bus closed")
	ErrNilTransport = errors.New("chain: transport is nil")
	ErrNilCallback  = errors.New("chain: event callback is nil")
	ErrNilDevice    = errors.New("chain: device is nil")
)

// Transport is the byte stream the bus runs on. Available and Read must not
// block: the receive loop calls Read only for bytes Available reported.
type Transport interface {
	Write(p []byte) (int, error)
	Available() (int, error)
	Read(p []byte) (int, error)
	Close() error
}

var _ Transport = (*uart.Port)(nil)

// Device is a typed wrapper around one peripheral on the chain.
type Device interface {
	DeviceID() uint8
}

// openTransport opens the serial port described by cfg.
var openTransport = func(cfg *BusConfig) (Transport, error) {
	return uart.Open(uart.Config{PortName: cfg.portName, BaudRate: cfg.baudRate})
}

// The process-wide bus. Open hands it out and Close clears it.
var (
	activeMu  sync.Mutex
	activeBus *Bus
)

// Bus is the link-layer engine of one Chain trunk. It owns the transport, the
// decoder, the packet queue, the event table and the device directory.
//
// Create it with Open; all methods are safe for concurrent use.
type Bus struct {
	ctx     context.Context
	cfg     *BusConfig
	logger  logger.Logger
	taskMgr *task.Manager
	closed  atomic.Bool

	transport Transport
	writeMu   sync.Mutex

	// decoder, readBuf and lastRxAt belong to the receive loop goroutine.
	decoder  *Decoder
	readBuf  []byte
	lastRxAt time.Time

	queue *PacketQueue

	events         *xsync.MapOf[EventID, *eventRegistration]
	nextEventID    atomic.Uint64
	dispatchQueue  *queue.LockFree[*pendingEvent]
	dispatchNotify chan struct{}

	devicesMu sync.RWMutex
	devices   []Device

	deviceCount atomic.Uint32
	enumerated  atomic.Bool

	metrics BusMetrics
}

// Open returns the bus for cfg, opening the transport and starting the
// background receive loop, stale packet sweep and event dispatcher.
//
// Only one bus may be live per process. Opening again with the same
// configuration returns the live bus without touching the transport; a
// different configuration fails with ErrBusInUse until the live bus is closed.
func Open(ctx context.Context, cfg *BusConfig) (*Bus, error) {
	if cfg == nil {
		return nil, errors.New("chain: bus config is nil")
	}

	activeMu.Lock()
	defer activeMu.Unlock()

	// a bus still shutting down is never handed out
	if activeBus != nil && !activeBus.IsClosed() {
		if activeBus.cfg.sameAs(cfg) {
			activeBus.logger.Debug("chain: bus already open, reusing it", "port", cfg.portName)
			return activeBus, nil
		}

		return nil, fmt.Errorf("%w: %s", ErrBusInUse, activeBus.cfg.portName)
	}

	t := cfg.transport
	if t == nil {
		var err error
		if t, err = openTransport(cfg); err != nil {
			return nil, fmt.Errorf("chain: open %s: %w", cfg.portName, err)
		}
	}

	b := newBus(ctx, cfg, t)
	if err := b.start(); err != nil {
		b.taskMgr.Stop()
		b.taskMgr.Wait(cfg.closeTimeout)
		_ = t.Close()

		return nil, err
	}

	activeBus = b
	b.logger.Info("chain: bus opened", "port", cfg.portName, "baud", cfg.baudRate)

	return b, nil
}

func newBus(ctx context.Context, cfg *BusConfig, t Transport) *Bus {
	l := cfg.logger.With("port", cfg.portName)
	b := &Bus{
		cfg:            cfg,
		logger:         l,
		taskMgr:        task.NewManager(ctx, l),
		transport:      t,
		decoder:        NewDecoder(cfg.maxPayloadSize),
		readBuf:        make([]byte, readBufferSize),
		queue:          NewPacketQueue(),
		events:         xsync.NewMapOf[EventID, *eventRegistration](),
		dispatchQueue:  queue.NewLockFree[*pendingEvent](),
		dispatchNotify: make(chan struct{}, 1),
	}
	b.ctx = b.taskMgr.Context()

	return b
}

func (b *Bus) start() error {
	if err := b.taskMgr.StartNotified("eventDispatcher", b.dispatchPending, b.dispatchNotify); err != nil {
		return err
	}

	if err := b.taskMgr.StartInterval("receiveLoop", b.receiveTick, b.cfg.pollInterval, true); err != nil {
		return err
	}

	return b.taskMgr.StartInterval("packetSweep", b.sweepTick, b.cfg.sweepInterval, false)
}

// Close stops the background tasks and releases the transport. The bus is
// detached from Open before shutdown starts, so an Open racing with Close gets
// a new bus. Calls after the first are no-ops.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	activeMu.Lock()
	if activeBus == b {
		activeBus = nil
	}
	activeMu.Unlock()

	b.logger.Debug("chain: closing bus")

	b.taskMgr.Stop()

	var errs error
	if !b.taskMgr.Wait(b.cfg.closeTimeout) {
		errs = errors.Join(errs, fmt.Errorf("chain: background tasks did not stop within %v", b.cfg.closeTimeout))
	}

	if err := b.transport.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("chain: close transport: %w", err))
	}

	b.queue.Reset()
	b.events.Clear()

	b.logger.Info("chain: bus closed")

	return errs
}

// IsClosed reports whether Close has been called.
func (b *Bus) IsClosed() bool {
	return b.closed.Load()
}

// Config returns the configuration the bus was opened with.
func (b *Bus) Config() *BusConfig {
	return b.cfg
}

// GetLogger returns the logger associated with the bus.
func (b *Bus) GetLogger() logger.Logger {
	return b.logger
}

// GetMetrics returns the metrics associated with the bus.
func (b *Bus) GetMetrics() *BusMetrics {
	return &b.metrics
}

// DeviceCount returns the device count from the last successful GetDeviceNum,
// or 0 if the chain has not been enumerated.
func (b *Bus) DeviceCount() uint8 {
	return uint8(b.deviceCount.Load()) //nolint:gosec // stored from a uint8
}

// --- Device directory ---

// RegisterDevice records a device wrapper. The directory is bookkeeping for
// callers; the link layer itself never consults it.
func (b *Bus) RegisterDevice(dev Device) error {
	if dev == nil {
		return ErrNilDevice
	}

	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()

	b.devices = append(b.devices, dev)

	return nil
}

// UnregisterDevice removes dev from the directory and reports whether it was present.
func (b *Bus) UnregisterDevice(dev Device) bool {
	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()

	for i, d := range b.devices {
		if d == dev {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return true
		}
	}

	return false
}

// Devices returns the registered devices in registration order.
func (b *Bus) Devices() []Device {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()

	out := make([]Device, len(b.devices))
	copy(out, b.devices)

	return out
}

// --- Transport helpers ---

// writeFrame writes one encoded frame. Writers are serialized so frames from
// concurrent transactions never interleave on the wire.
func (b *Bus) writeFrame(frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	for written := 0; written < len(frame); {
		n, err := b.transport.Write(frame[written:])
		written += n

		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}

		if err != nil {
			b.metrics.incWriteErrCount()
			return err
		}
	}

	b.metrics.incFrameSendCount()

	return nil
}
