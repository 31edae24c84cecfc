package chain

import (
	"encoding/binary"
	"fmt"
)

// Frame delimiters.
const (
	Head1 byte = 0xAA
	Head2 byte = 0x55
	Tail1 byte = 0x55
	Tail2 byte = 0xAA
)

// BroadcastID addresses every device on the chain; replies from the host side
// of link management also carry it.
const BroadcastID uint8 = 0xFF

// Reserved link-management command codes.
const (
	CmdBootloaderVersion uint8 = 0xF9
	CmdFirmwareVersion   uint8 = 0xFA
	CmdDeviceType        uint8 = 0xFB
	CmdEnumRequest       uint8 = 0xFC
	CmdHeartbeat         uint8 = 0xFD
	CmdEnumResponse      uint8 = 0xFE
)

const (
	// frameOverhead is the number of wire bytes around the payload:
	// head(2) + len(2) + device_id(1) + cmd(1) + crc(1) + tail(2).
	frameOverhead = 9

	// lengthOverhead is the part of the length field not taken by the payload:
	// device_id(1) + cmd(1) + crc(1).
	lengthOverhead = 3
)

// MaxPayloadSize is the largest payload the u16 length field can describe.
const MaxPayloadSize = 0xFFFF - lengthOverhead

// DefaultMaxPayloadSize is the largest payload a decoder accepts unless
// configured otherwise. Chain devices exchange a few dozen bytes per frame, so
// a larger announced length is treated as line noise.
const DefaultMaxPayloadSize = 1024

// Frame is one checksum-valid wire packet.
type Frame struct {
	DeviceID uint8
	Cmd      uint8
	Payload  []byte
	CRC      uint8
}

// Pack returns the wire encoding of the frame. The stored CRC is ignored and
// recomputed.
func (f *Frame) Pack() []byte {
	return Encode(f.DeviceID, f.Cmd, f.Payload)
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{dev=0x%02X cmd=0x%02X len=%d crc=0x%02X}", f.DeviceID, f.Cmd, len(f.Payload), f.CRC)
}

// IsReservedCmd reports whether cmd is link-management signalling that is never
// queued for consumers (enumeration request and heartbeat).
func IsReservedCmd(cmd uint8) bool {
	return cmd == CmdEnumRequest || cmd == CmdHeartbeat
}

// Checksum computes the frame crc: the byte sum of cmd, device ID and payload,
// truncated to 8 bits. Devices in the field expect exactly this algorithm.
func Checksum(deviceID, cmd uint8, payload []byte) uint8 {
	sum := uint(cmd) + uint(deviceID)
	for _, b := range payload {
		sum += uint(b)
	}

	return uint8(sum & 0xFF) //nolint:gosec // intentional truncation
}

// Encode serializes a frame to its wire format:
//
//	[0xAA 0x55][len lo][len hi][device_id][cmd][payload...][crc][0x55 0xAA]
//
// Encode panics if payload is longer than MaxPayloadSize.
func Encode(deviceID, cmd uint8, payload []byte) []byte {
	if len(payload) > MaxPayloadSize {
		panic(fmt.Sprintf("chain: payload of %d bytes exceeds maximum %d", len(payload), MaxPayloadSize))
	}

	buf := make([]byte, frameOverhead+len(payload))
	buf[0] = Head1
	buf[1] = Head2
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)+lengthOverhead)) //nolint:gosec // bounded above
	buf[4] = deviceID
	buf[5] = cmd
	copy(buf[6:], payload)

	n := 6 + len(payload)
	buf[n] = Checksum(deviceID, cmd, payload)
	buf[n+1] = Tail1
	buf[n+2] = Tail2

	return buf
}

// Status is the one-byte result code devices put at the start of a reply payload.
type Status uint8

const (
	StatusOK                Status = 0x00
	StatusParamError        Status = 0x01
	StatusReturnPacketError Status = 0x02
	StatusBusy              Status = 0x04
	StatusTimeout           Status = 0x05
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusParamError:
		return "PARAM_ERROR"
	case StatusReturnPacketError:
		return "RETURN_PACKET_ERROR"
	case StatusBusy:
		return "BUSY"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("Status(0x%02X)", uint8(s))
	}
}

// ParseStatus reads the status byte at the start of a reply payload.
// ok is false for an empty payload.
func ParseStatus(payload []byte) (Status, bool) {
	if len(payload) == 0 {
		return 0, false
	}

	return Status(payload[0]), true
}
