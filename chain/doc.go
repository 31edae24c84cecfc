// Package chain implements the link layer of the Chain bus: a single UART trunk
// shared by one host and many daisy-chained peripherals (encoders, keys, angle
// sensors, ...).
//
// # Wire Format
//
// Every frame on the trunk has the layout
//
//	AA 55 | len(u16 LE) | device_id | cmd | payload | crc | 55 AA
//
// where len = len(payload) + 3 and crc = (cmd + device_id + sum(payload)) & 0xFF.
// Device ID 0xFF addresses the host / broadcast. Command codes 0xF9-0xFE are
// reserved for link management (see the Cmd* constants).
//
// # Components
//
//   - [Encode] and [Decoder] frame and deframe the byte stream. The decoder is a
//     ten-state machine that resynchronizes on its own after noise or a mid-stream
//     attach.
//   - [PacketQueue] buffers decoded frames until a transaction or an event
//     registration consumes them.
//   - [Bus.Send], [Bus.Request] and [Bus.GetDeviceNum] perform bounded-retry,
//     bounded-timeout request/response exchanges.
//   - A background receive loop drains the transport, feeds the decoder and
//     matches registered events. Event callbacks are handed to a separate
//     dispatcher goroutine, so callback code never runs on the receive loop.
//   - [Open] hands out the single [Bus] of the process and [Bus.Close] releases it.
//
// # Error Model
//
// Wire faults (bad checksum, broken framing, silent devices) never surface as Go
// errors from the bus API. They are logged, counted in [BusMetrics], and show up
// to callers only as a false ok result. Only configuration mistakes return errors.
package chain
