package chain

import (
	"slices"
	"sync"
	"time"
)

// QueuedPacket is a decoded frame waiting to be consumed.
type QueuedPacket struct {
	ArrivalTime time.Time
	DeviceID    uint8
	Cmd         uint8
	Payload     []byte
}

// PacketQueue holds decoded frames until a transaction or an event registration
// takes them. Packets keep their arrival order; ordering only matters between
// packets of the same (device ID, cmd) key.
//
// It is safe for concurrent use: the receive loop enqueues and sweeps while
// callers of Send poll with Take.
type PacketQueue struct {
	mu      sync.Mutex
	packets []QueuedPacket
}

// NewPacketQueue creates an empty PacketQueue.
func NewPacketQueue() *PacketQueue {
	return &PacketQueue{}
}

// Enqueue appends a packet that arrived at ts.
func (q *PacketQueue) Enqueue(ts time.Time, deviceID, cmd uint8, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.packets = append(q.packets, QueuedPacket{
		ArrivalTime: ts,
		DeviceID:    deviceID,
		Cmd:         cmd,
		Payload:     payload,
	})
}

// Take removes and returns a payload matching (deviceID, cmd).
//
// With dedup false it takes the earliest matching packet. With dedup true it
// removes every matching packet and returns the payload of the most recent
// one, so a burst of repeated pushes collapses to the latest value.
// ok is false when nothing matches.
func (q *PacketQueue) Take(deviceID, cmd uint8, dedup bool) (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !dedup {
		for i := range q.packets {
			if q.packets[i].DeviceID == deviceID && q.packets[i].Cmd == cmd {
				payload = q.packets[i].Payload
				q.packets = slices.Delete(q.packets, i, i+1)

				return payload, true
			}
		}

		return nil, false
	}

	kept := q.packets[:0]
	for _, p := range q.packets {
		if p.DeviceID == deviceID && p.Cmd == cmd {
			payload = p.Payload
			ok = true

			continue
		}
		kept = append(kept, p)
	}
	clear(q.packets[len(kept):])
	q.packets = kept

	return payload, ok
}

// EvictOlderThan removes packets for which now - ArrivalTime > maxAge and
// returns how many were removed.
func (q *PacketQueue) EvictOlderThan(now time.Time, maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.packets[:0]
	for _, p := range q.packets {
		if now.Sub(p.ArrivalTime) > maxAge {
			continue
		}
		kept = append(kept, p)
	}

	evicted := len(q.packets) - len(kept)
	clear(q.packets[len(kept):])
	q.packets = kept

	return evicted
}

// Len returns the number of queued packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.packets)
}

// Reset drops every queued packet.
func (q *PacketQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.packets = nil
}
