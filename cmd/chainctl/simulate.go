package main

import (
	"sync"

	"github.com/arloliu/go-chainbus/chain"
	"github.com/arloliu/go-chainbus/uart"
)

// Identity reported by every simulated device.
const (
	simDeviceType        uint16 = 0x0101
	simFirmwareVersion   uint8  = 1
	simBootloaderVersion uint8  = 1
)

// simChain answers the host over an in-memory pipe as a chain of identical
// devices numbered 1..devices would.
type simChain struct {
	pipe    *uart.Pipe
	devices uint8

	mu      sync.Mutex
	decoder *chain.Decoder
}

func newSimChain(devices uint8) *simChain {
	s := &simChain{
		pipe:    uart.NewPipe(),
		devices: devices,
		decoder: chain.NewDecoder(0),
	}
	s.pipe.OnWrite(s.onWrite)

	return s
}

func (s *simChain) onWrite(b []byte) {
	s.mu.Lock()
	frames := s.decoder.DecodeBytes(b, nil)
	s.mu.Unlock()

	for _, f := range frames {
		if reply := s.reply(f); reply != nil {
			s.pipe.Feed(reply)
		}
	}
}

// reply returns the frame a device sends back for f, or nil when no device answers.
func (s *simChain) reply(f *chain.Frame) []byte {
	if f.DeviceID == chain.BroadcastID {
		if f.Cmd == chain.CmdEnumResponse {
			return chain.Encode(chain.BroadcastID, chain.CmdEnumResponse, []byte{s.devices})
		}

		return nil
	}

	if f.DeviceID == 0 || f.DeviceID > s.devices {
		return nil
	}

	switch f.Cmd {
	case chain.CmdDeviceType:
		return chain.Encode(f.DeviceID, f.Cmd, []byte{byte(simDeviceType & 0xFF), byte(simDeviceType >> 8)})
	case chain.CmdFirmwareVersion:
		return chain.Encode(f.DeviceID, f.Cmd, []byte{simFirmwareVersion})
	case chain.CmdBootloaderVersion:
		return chain.Encode(f.DeviceID, f.Cmd, []byte{simBootloaderVersion})
	default:
		return chain.Encode(f.DeviceID, f.Cmd, []byte{byte(chain.StatusOK)})
	}
}
