package chain

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/arloliu/go-chainbus/internal/util"
)

// EventID identifies an event registration.
type EventID uint64

// Event is an unsolicited frame that matched a registration.
type Event struct {
	DeviceID   uint8
	Cmd        uint8
	Payload    []byte
	ReceivedAt time.Time
}

// EventCallback handles a matched Event. Callbacks run one at a time on the
// bus dispatcher goroutine, never on the receive loop, so they may call Send.
// A slow callback delays the callbacks queued behind it.
type EventCallback func(Event)

type eventRegistration struct {
	id       EventID
	deviceID uint8
	cmd      uint8
	expected []byte
	callback EventCallback
}

type eventKey struct {
	deviceID uint8
	cmd      uint8
}

type pendingEvent struct {
	reg   *eventRegistration
	event Event
}

// RegisterEvent calls cb whenever a frame from deviceID with command cmd arrives
// whose payload equals expected byte for byte. expected is copied.
//
// While the registration exists, every frame from deviceID with command cmd is
// routed to the event table instead of the packet queue, so a transaction
// waiting on the same (deviceID, cmd) will not see it. Frames of a registered
// key whose payload matches no registration are dropped.
func (b *Bus) RegisterEvent(deviceID, cmd uint8, expected []byte, cb EventCallback) (EventID, error) {
	if cb == nil {
		return 0, ErrNilCallback
	}

	if b.closed.Load() {
		return 0, ErrBusClosed
	}

	id := EventID(b.nextEventID.Add(1))
	b.events.Store(id, &eventRegistration{
		id:       id,
		deviceID: deviceID,
		cmd:      cmd,
		expected: util.CloneSlice(expected),
		callback: cb,
	})

	b.logger.Debug("chain: event registered",
		"eventID", id, "deviceID", deviceID, "cmd", cmd, "expected", util.HexBytes(expected))

	return id, nil
}

// UnregisterEvent removes a registration and reports whether it existed.
// Events already queued for it are discarded.
func (b *Bus) UnregisterEvent(id EventID) bool {
	_, ok := b.events.LoadAndDelete(id)
	if ok {
		b.logger.Debug("chain: event unregistered", "eventID", id)
	}

	return ok
}

// EventCount returns the number of live event registrations.
func (b *Bus) EventCount() int {
	return b.events.Size()
}

// receiveTick drains the transport, decodes what arrived and delivers the
// frames to event registrations or the packet queue.
func (b *Bus) receiveTick() bool {
	avail, err := b.transport.Available()
	if err != nil {
		return b.handleReadError(err)
	}

	now := time.Now()

	if avail <= 0 {
		// a candidate that stopped mid-frame is rescanned rather than left waiting
		// for bytes that will not come
		if b.decoder.State() > StateHead2 && now.Sub(b.lastRxAt) > frameStallTimeout {
			b.deliver(now, b.decoder.Flush(b.onDecodeError))
		}

		return true
	}

	b.lastRxAt = now

	var frames []*Frame
	for avail > 0 {
		chunk := min(avail, len(b.readBuf))

		n, err := b.transport.Read(b.readBuf[:chunk])
		if n > 0 {
			frames = append(frames, b.decoder.DecodeBytes(b.readBuf[:n], b.onDecodeError)...)
			avail -= n
		}

		if err != nil {
			b.deliver(now, frames)
			return b.handleReadError(err)
		}

		if n == 0 {
			break
		}
	}

	b.deliver(now, frames)
	b.metrics.setPacketQueueDepth(b.queue.Len())

	return true
}

// deliver routes decoded frames. A frame whose (device ID, cmd) has an event
// registration goes to the event dispatcher and never enters the packet queue;
// every other frame is queued for transactions.
func (b *Bus) deliver(now time.Time, frames []*Frame) {
	if len(frames) == 0 {
		return
	}

	b.metrics.addFrameRecvCount(len(frames))

	byKey := b.registrationsByKey()
	queued := 0

	for _, f := range frames {
		b.logger.Debug("chain: frame received",
			"deviceID", f.DeviceID, "cmd", f.Cmd, "payload", util.HexBytes(f.Payload))

		k := eventKey{deviceID: f.DeviceID, cmd: f.Cmd}
		if regs, ok := byKey[k]; ok {
			queued += b.matchEvent(now, k, f.Payload, regs)
			continue
		}

		b.queue.Enqueue(now, f.DeviceID, f.Cmd, f.Payload)
	}

	// packets that were queued before their key was registered
	for k, regs := range byKey {
		for {
			payload, ok := b.queue.Take(k.deviceID, k.cmd, false)
			if !ok {
				break
			}
			queued += b.matchEvent(now, k, payload, regs)
		}
	}

	b.metrics.setPacketQueueDepth(b.queue.Len())

	if queued > 0 {
		select {
		case b.dispatchNotify <- struct{}{}:
		default:
		}
	}
}

// handleReadError reports whether the receive loop should keep running.
func (b *Bus) handleReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		if !b.closed.Load() {
			b.logger.Error("chain: transport closed, receive loop stopped", "error", err)
		}

		return false
	}

	b.metrics.incReadErrCount()
	b.logger.Warn("chain: transport read failed", "error", err)

	return true
}

func (b *Bus) onDecodeError(err error) {
	if errors.Is(err, ErrChecksumMismatch) {
		b.metrics.incChecksumErrCount()
		b.logger.Warn("chain: frame dropped", "error", err)

		return
	}

	b.metrics.incFramingErrCount()
	b.logger.Debug("chain: decoder resynchronizing", "error", err)
}

func (b *Bus) registrationsByKey() map[eventKey][]*eventRegistration {
	byKey := make(map[eventKey][]*eventRegistration)
	b.events.Range(func(_ EventID, reg *eventRegistration) bool {
		k := eventKey{deviceID: reg.deviceID, cmd: reg.cmd}
		byKey[k] = append(byKey[k], reg)

		return true
	})

	return byKey
}

// matchEvent queues one dispatch per registration whose expected payload equals
// payload and returns how many were queued. A payload matching none is dropped.
func (b *Bus) matchEvent(now time.Time, k eventKey, payload []byte, regs []*eventRegistration) int {
	queued := 0
	for _, reg := range regs {
		if !bytes.Equal(payload, reg.expected) {
			continue
		}

		b.dispatchQueue.Enqueue(&pendingEvent{
			reg: reg,
			event: Event{
				DeviceID:   k.deviceID,
				Cmd:        k.cmd,
				Payload:    util.CloneSlice(payload),
				ReceivedAt: now,
			},
		})
		queued++
	}

	return queued
}

// dispatchPending runs the callbacks queued by deliver, in order.
func (b *Bus) dispatchPending() {
	b.dispatchQueue.Drain(func(p *pendingEvent) {
		if _, ok := b.events.Load(p.reg.id); !ok {
			return
		}
		b.invokeCallback(p)
	})
}

func (b *Bus) invokeCallback(p *pendingEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incEventPanicCount()
			b.logger.Error("chain: event callback panicked",
				"eventID", p.reg.id, "deviceID", p.event.DeviceID, "cmd", p.event.Cmd, "panic", r)
		}
	}()

	b.metrics.incEventDispatchCount()
	p.reg.callback(p.event)
}

// sweepTick evicts packets nobody consumed within the configured max age.
func (b *Bus) sweepTick() bool {
	if n := b.queue.EvictOlderThan(time.Now(), b.cfg.packetMaxAge); n > 0 {
		b.metrics.addPacketEvictCount(n)
		b.metrics.setPacketQueueDepth(b.queue.Len())
		b.logger.Debug("chain: stale packets evicted", "count", n)
	}

	return true
}
