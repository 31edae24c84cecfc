package chain

import (
	"time"

	"github.com/arloliu/go-chainbus/internal/pool"
	"github.com/arloliu/go-chainbus/internal/util"
)

// TransactionPolicy controls the retry loop of one transaction.
type TransactionPolicy struct {
	// Timeout is how long each attempt waits for the reply.
	Timeout time.Duration
	// MaxRetries is the number of attempts; values below 1 mean 1.
	MaxRetries int
	// RetryPause is slept between attempts.
	RetryPause time.Duration
}

// DefaultPolicy returns the policy used by Request.
func (b *Bus) DefaultPolicy() TransactionPolicy {
	return TransactionPolicy{
		Timeout:    b.cfg.requestTimeout,
		MaxRetries: b.cfg.retryLimit,
		RetryPause: b.cfg.retryPause,
	}
}

// Send writes a command frame to deviceID and waits up to timeout per attempt
// for a reply frame with the same device ID and command, retrying up to the
// configured retry limit. It returns the reply payload and true, or nil and
// false when every attempt timed out or the bus was closed.
//
// An empty reply payload is returned as nil with ok true.
func (b *Bus) Send(deviceID, cmd uint8, payload []byte, timeout time.Duration) ([]byte, bool) {
	return b.SendWithPolicy(deviceID, cmd, payload, TransactionPolicy{
		Timeout:    timeout,
		MaxRetries: b.cfg.retryLimit,
	})
}

// Request is Send with the bus default policy: a 3000 ms attempt timeout,
// 3 attempts and a 10 ms pause between them unless configured otherwise.
func (b *Bus) Request(deviceID, cmd uint8, payload []byte) ([]byte, bool) {
	return b.SendWithPolicy(deviceID, cmd, payload, b.DefaultPolicy())
}

// SendWithPolicy runs one transaction under policy. Every attempt re-encodes
// and rewrites the frame; a write error consumes the attempt.
func (b *Bus) SendWithPolicy(deviceID, cmd uint8, payload []byte, policy TransactionPolicy) ([]byte, bool) {
	if b.closed.Load() {
		b.logger.Warn("chain: send on closed bus", "deviceID", deviceID, "cmd", cmd)
		return nil, false
	}

	if len(payload) > MaxPayloadSize {
		b.logger.Error("chain: payload too large", "deviceID", deviceID, "cmd", cmd, "size", len(payload))
		return nil, false
	}

	b.checkDeviceID(deviceID)

	attempts := max(policy.MaxRetries, 1)

	b.metrics.incTransactionInflight()
	defer b.metrics.decTransactionInflight()

	for attempt := 1; attempt <= attempts; attempt++ {
		frame := Encode(deviceID, cmd, payload)

		b.logger.Debug("chain: send frame",
			"deviceID", deviceID, "cmd", cmd, "attempt", attempt, "frame", util.HexBytes(frame))

		if err := b.writeFrame(frame); err != nil {
			b.logger.Warn("chain: write failed", "deviceID", deviceID, "cmd", cmd, "attempt", attempt, "error", err)
		} else if reply, ok := b.awaitReply(deviceID, cmd, policy.Timeout); ok {
			b.metrics.incTransactionOKCount()
			return reply, true
		}

		if b.ctx.Err() != nil {
			b.logger.Debug("chain: transaction aborted, bus closing", "deviceID", deviceID, "cmd", cmd)
			return nil, false
		}

		if attempt < attempts {
			b.metrics.incTransactionRetryCount()
			if !b.pause(policy.RetryPause) {
				return nil, false
			}
		}
	}

	b.metrics.incTransactionTimeoutCount()
	b.logger.Warn("chain: transaction timed out",
		"deviceID", deviceID, "cmd", cmd, "attempts", attempts, "timeout", policy.Timeout)

	return nil, false
}

// awaitReply polls the packet queue every poll interval until a packet for
// (deviceID, cmd) shows up or timeout elapses.
func (b *Bus) awaitReply(deviceID, cmd uint8, timeout time.Duration) ([]byte, bool) {
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	ticker := time.NewTicker(b.cfg.pollInterval)
	defer ticker.Stop()

	for {
		if reply, ok := b.queue.Take(deviceID, cmd, false); ok {
			return reply, true
		}

		select {
		case <-b.ctx.Done():
			return nil, false
		case <-timer.C:
			return b.queue.Take(deviceID, cmd, false)
		case <-ticker.C:
		}
	}
}

// pause sleeps for d and reports false if the bus closed meanwhile.
func (b *Bus) pause(d time.Duration) bool {
	if d <= 0 {
		return b.ctx.Err() == nil
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-b.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// checkDeviceID warns about sends to IDs beyond the enumerated device count.
// The frame is sent anyway.
func (b *Bus) checkDeviceID(deviceID uint8) {
	if deviceID == BroadcastID || !b.enumerated.Load() {
		return
	}

	if count := b.deviceCount.Load(); uint32(deviceID) > count {
		b.logger.Warn("chain: device ID beyond enumerated device count", "deviceID", deviceID, "deviceCount", count)
	}
}

// --- Link management queries ---

// GetDeviceNum enumerates the chain and returns the number of attached devices.
// On success the count is kept for DeviceCount and for device ID checks.
func (b *Bus) GetDeviceNum() (uint8, bool) {
	reply, ok := b.Request(BroadcastID, CmdEnumResponse, []byte{0x00})
	if !ok || len(reply) == 0 {
		return 0, false
	}

	count := reply[0]
	b.deviceCount.Store(uint32(count))
	b.enumerated.Store(true)

	b.logger.Info("chain: devices enumerated", "count", count)

	return count, true
}

// DeviceType returns the type code reported by deviceID. The reply carries it
// little-endian; a one-byte reply is widened.
func (b *Bus) DeviceType(deviceID uint8) (uint16, bool) {
	reply, ok := b.Request(deviceID, CmdDeviceType, nil)
	switch {
	case !ok || len(reply) == 0:
		return 0, false
	case len(reply) == 1:
		return uint16(reply[0]), true
	default:
		return uint16(reply[0]) | uint16(reply[1])<<8, true
	}
}

// FirmwareVersion returns the firmware version reported by deviceID.
func (b *Bus) FirmwareVersion(deviceID uint8) (uint8, bool) {
	return b.queryByte(deviceID, CmdFirmwareVersion)
}

// BootloaderVersion returns the bootloader version reported by deviceID.
func (b *Bus) BootloaderVersion(deviceID uint8) (uint8, bool) {
	return b.queryByte(deviceID, CmdBootloaderVersion)
}

func (b *Bus) queryByte(deviceID, cmd uint8) (uint8, bool) {
	reply, ok := b.Request(deviceID, cmd, nil)
	if !ok || len(reply) == 0 {
		return 0, false
	}

	return reply[0], true
}
