package chain

import (
	"sync/atomic"
)

// BusMetrics contains atomic counters for a bus.
// Each field can back a prometheus CounterFunc or GaugeFunc; see package metrics.
type BusMetrics struct {
	// FrameSendCount is the number of frames written to the transport.
	FrameSendCount atomic.Uint64
	// FrameRecvCount is the number of valid, non-reserved frames decoded.
	FrameRecvCount atomic.Uint64
	// ChecksumErrCount is the number of well-framed packets dropped for a bad crc.
	ChecksumErrCount atomic.Uint64
	// FramingErrCount is the number of resynchronizations after a bad tail or length.
	FramingErrCount atomic.Uint64
	// WriteErrCount is the number of failed transport writes.
	WriteErrCount atomic.Uint64
	// ReadErrCount is the number of failed transport reads.
	ReadErrCount atomic.Uint64

	// TransactionOKCount is the number of transactions that got a reply.
	TransactionOKCount atomic.Uint64
	// TransactionRetryCount is the number of attempts that timed out and were retried.
	TransactionRetryCount atomic.Uint64
	// TransactionTimeoutCount is the number of transactions that exhausted every attempt.
	TransactionTimeoutCount atomic.Uint64
	// TransactionInflight is the number of transactions currently waiting for a reply.
	TransactionInflight atomic.Int64

	// EventDispatchCount is the number of event callbacks invoked.
	EventDispatchCount atomic.Uint64
	// EventPanicCount is the number of event callbacks that panicked.
	EventPanicCount atomic.Uint64

	// PacketEvictCount is the number of queued packets evicted by the sweep.
	PacketEvictCount atomic.Uint64
	// PacketQueueDepth is the number of packets queued after the last receive tick.
	PacketQueueDepth atomic.Int64
}

func (m *BusMetrics) incFrameSendCount() { m.FrameSendCount.Add(1) }

func (m *BusMetrics) addFrameRecvCount(n int) { m.FrameRecvCount.Add(uint64(n)) } //nolint:gosec // n >= 0

func (m *BusMetrics) incChecksumErrCount() { m.ChecksumErrCount.Add(1) }

func (m *BusMetrics) incFramingErrCount() { m.FramingErrCount.Add(1) }

func (m *BusMetrics) incWriteErrCount() { m.WriteErrCount.Add(1) }

func (m *BusMetrics) incReadErrCount() { m.ReadErrCount.Add(1) }

func (m *BusMetrics) incTransactionOKCount() { m.TransactionOKCount.Add(1) }

func (m *BusMetrics) incTransactionRetryCount() { m.TransactionRetryCount.Add(1) }

func (m *BusMetrics) incTransactionTimeoutCount() { m.TransactionTimeoutCount.Add(1) }

func (m *BusMetrics) incTransactionInflight() { m.TransactionInflight.Add(1) }

func (m *BusMetrics) decTransactionInflight() { m.TransactionInflight.Add(-1) }

func (m *BusMetrics) incEventDispatchCount() { m.EventDispatchCount.Add(1) }

func (m *BusMetrics) incEventPanicCount() { m.EventPanicCount.Add(1) }

func (m *BusMetrics) addPacketEvictCount(n int) { m.PacketEvictCount.Add(uint64(n)) } //nolint:gosec // n >= 0

func (m *BusMetrics) setPacketQueueDepth(n int) { m.PacketQueueDepth.Store(int64(n)) }
