package chain

import (
	"bytes"
	"errors"
	"fmt"
)

// DecoderState is the parse position of a Decoder.
type DecoderState uint8

const (
	StateHead1    DecoderState = iota // seeking 0xAA
	StateHead2                        // expecting 0x55
	StateLen1                         // length, low byte
	StateLen2                         // length, high byte
	StateDeviceID                     // device ID
	StateCmd                          // command code
	StatePayload                      // accumulating length-3 payload bytes
	StateCRC                          // checksum
	StateTail1                        // expecting 0x55
	StateTail2                        // expecting 0xAA
)

func (s DecoderState) String() string {
	switch s {
	case StateHead1:
		return "HEAD1"
	case StateHead2:
		return "HEAD2"
	case StateLen1:
		return "LEN1"
	case StateLen2:
		return "LEN2"
	case StateDeviceID:
		return "DEVICE_ID"
	case StateCmd:
		return "CMD"
	case StatePayload:
		return "PAYLOAD"
	case StateCRC:
		return "CRC"
	case StateTail1:
		return "TAIL1"
	case StateTail2:
		return "TAIL2"
	default:
		return fmt.Sprintf("DecoderState(%d)", uint8(s))
	}
}

// Decoder turns a byte stream into Frames, one byte at a time.
//
// State is kept between calls, so input may be fed in arbitrary chunks. The
// decoder keeps the bytes of the current frame candidate, starting at its 0xAA
// head. When a candidate is rejected for a bad length, tail or checksum, those
// bytes minus the first one are scanned again, so a false AA 55 in line noise
// never swallows the valid frame behind it. It never panics on malformed input.
//
// A Decoder is not safe for concurrent use. The bus confines its decoder to
// the receive loop goroutine.
type Decoder struct {
	state      DecoderState
	lenLo      byte
	payloadLen int
	deviceID   uint8
	cmd        uint8
	crc        uint8
	payload    []byte
	maxPayload int

	// candidate holds the raw bytes since the current head byte.
	candidate []byte
}

// NewDecoder creates a Decoder. Frames announcing more than maxPayload payload
// bytes are treated as framing errors; maxPayload <= 0 means DefaultMaxPayloadSize.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if maxPayload > MaxPayloadSize {
		maxPayload = MaxPayloadSize
	}

	return &Decoder{maxPayload: maxPayload}
}

// State returns the current parse position.
func (d *Decoder) State() DecoderState {
	return d.state
}

// Reset drops any partially parsed frame.
func (d *Decoder) Reset() {
	d.state = StateHead1
	d.payloadLen = 0
	d.payload = nil
	d.candidate = d.candidate[:0]
}

// Decode consumes one byte and returns the frames it completed, usually none
// or one. A rejected candidate is rescanned, which can complete several.
//
// The returned error joins every rejection: errors wrapping ErrChecksumMismatch
// for well-framed packets with a bad checksum, and ErrFraming for a bad tail
// byte or length field. Frames carrying a reserved link-management command are
// swallowed without error.
func (d *Decoder) Decode(b byte) ([]*Frame, error) {
	var errs []error
	frames := d.feed(b, nil, func(err error) { errs = append(errs, err) })

	return frames, errors.Join(errs...)
}

// DecodeBytes feeds every byte of p through the decoder and returns the frames
// it completed, in order. onErr, if not nil, receives each rejection.
func (d *Decoder) DecodeBytes(p []byte, onErr func(error)) []*Frame {
	var frames []*Frame
	for _, b := range p {
		frames = d.feed(b, frames, onErr)
	}

	return frames
}

// Flush abandons a candidate that stopped receiving bytes mid-frame and
// rescans it after its head byte. A lone pending head byte is kept.
func (d *Decoder) Flush(onErr func(error)) []*Frame {
	if d.state <= StateHead2 {
		return nil
	}

	err := fmt.Errorf("%w: incomplete frame abandoned in state %s", ErrFraming, d.state)
	if onErr != nil {
		onErr(err)
	}

	var frames []*Frame
	for _, c := range d.rescan() {
		frames = d.feed(c, frames, onErr)
	}

	return frames
}

func (d *Decoder) feed(b byte, frames []*Frame, onErr func(error)) []*Frame {
	pending := []byte{b}
	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]

		frame, err := d.step(c)
		if frame != nil {
			frames = append(frames, frame)
		}

		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			pending = append(d.rescan(), pending...)
		}
	}

	return frames
}

// rescan resets the decoder and returns the rejected candidate without its head byte.
func (d *Decoder) rescan() []byte {
	var rest []byte
	if len(d.candidate) > 1 {
		rest = bytes.Clone(d.candidate[1:])
	}
	d.Reset()

	return rest
}

// step advances the state machine by one byte.
func (d *Decoder) step(b byte) (*Frame, error) {
	switch d.state {
	case StateHead1:
		if b == Head1 {
			d.candidate = append(d.candidate[:0], b)
			d.state = StateHead2
		}

		return nil, nil

	case StateHead2:
		switch b {
		case Head2:
			d.state = StateLen1
		case Head1:
			// a repeated 0xAA may itself be the real head
			d.candidate = append(d.candidate[:0], b)

			return nil, nil
		default:
			d.Reset()

			return nil, nil
		}

	case StateLen1:
		d.lenLo = b
		d.state = StateLen2

	case StateLen2:
		d.candidate = append(d.candidate, b)

		length := int(d.lenLo) | int(b)<<8
		if length < lengthOverhead || length-lengthOverhead > d.maxPayload {
			return nil, fmt.Errorf("%w: invalid length %d", ErrFraming, length)
		}
		d.payloadLen = length - lengthOverhead
		d.payload = make([]byte, 0, d.payloadLen)
		d.state = StateDeviceID

		return nil, nil

	case StateDeviceID:
		d.deviceID = b
		d.state = StateCmd

	case StateCmd:
		d.cmd = b
		if d.payloadLen == 0 {
			d.state = StateCRC
		} else {
			d.state = StatePayload
		}

	case StatePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == d.payloadLen {
			d.state = StateCRC
		}

	case StateCRC:
		d.crc = b
		d.state = StateTail1

	case StateTail1:
		d.candidate = append(d.candidate, b)
		if b != Tail1 {
			return nil, fmt.Errorf("%w: bad tail1 byte 0x%02X", ErrFraming, b)
		}
		d.state = StateTail2

		return nil, nil

	case StateTail2:
		d.candidate = append(d.candidate, b)
		if b != Tail2 {
			return nil, fmt.Errorf("%w: bad tail2 byte 0x%02X", ErrFraming, b)
		}

		return d.complete()

	default:
		d.Reset()

		return nil, nil
	}

	d.candidate = append(d.candidate, b)

	return nil, nil
}

// complete finishes a frame after a good tail. On success the decoder is reset;
// on a checksum failure the candidate is kept for rescanning.
func (d *Decoder) complete() (*Frame, error) {
	frame := &Frame{
		DeviceID: d.deviceID,
		Cmd:      d.cmd,
		Payload:  d.payload,
		CRC:      d.crc,
	}

	want := Checksum(frame.DeviceID, frame.Cmd, frame.Payload)
	if frame.CRC != want {
		return nil, fmt.Errorf("%w: dev=0x%02X cmd=0x%02X wire=0x%02X computed=0x%02X",
			ErrChecksumMismatch, frame.DeviceID, frame.Cmd, frame.CRC, want)
	}

	d.Reset()

	if IsReservedCmd(frame.Cmd) {
		return nil, nil //nolint:nilnil // link signalling is consumed silently
	}

	if len(frame.Payload) == 0 {
		frame.Payload = nil
	}

	return frame, nil
}
