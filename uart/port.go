// Package uart provides byte-stream transports for a Chain bus: a serial port
// opened with go.bug.st/serial and an in-memory pipe.
//
// Both report buffered input through Available and never block in Read, which
// is what the bus receive loop expects.
package uart

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-chainbus/logger"
	"go.bug.st/serial"
)

const (
	// DefaultReadTimeout bounds each blocking read of the pump goroutine.
	DefaultReadTimeout = 20 * time.Millisecond
	// DefaultBufferSize caps the bytes held between receive ticks.
	DefaultBufferSize = 64 * 1024

	pumpChunkSize = 256
)

// Config describes a serial port. The line format is always 8N1.
type Config struct {
	PortName    string
	BaudRate    int
	ReadTimeout time.Duration
	BufferSize  int
	Logger      logger.Logger
}

// Port is a serial port whose input is pumped into a buffer by a background
// goroutine.
type Port struct {
	name   string
	port   serial.Port
	rx     rxBuffer
	logger logger.Logger

	writeMu sync.Mutex
	done    chan struct{}
}

// Open opens cfg.PortName as 8N1 at cfg.BaudRate, discards stale input and
// starts the receive pump.
func Open(cfg Config) (*Port, error) {
	if cfg.PortName == "" {
		return nil, errors.New("uart: port name must not be empty")
	}

	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("uart: invalid baud rate %d", cfg.BaudRate)
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	sp, err := serial.Open(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", cfg.PortName, err)
	}

	if err := sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("uart: set read timeout on %s: %w", cfg.PortName, err)
	}

	if err := sp.ResetInputBuffer(); err != nil {
		cfg.Logger.Warn("uart: failed to reset input buffer", "port", cfg.PortName, "error", err)
	}

	p := &Port{
		name:   cfg.PortName,
		port:   sp,
		rx:     rxBuffer{limit: cfg.BufferSize},
		logger: cfg.Logger.With("port", cfg.PortName),
		done:   make(chan struct{}),
	}

	go p.pump()

	return p, nil
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("uart: list ports: %w", err)
	}

	return ports, nil
}

// Name returns the port name.
func (p *Port) Name() string {
	return p.name
}

// Write writes b to the port.
func (p *Port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return 0, ErrClosed
	default:
	}

	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("uart: write %s: %w", p.name, err)
	}

	return n, nil
}

// Available returns the number of received bytes ready for Read.
func (p *Port) Available() (int, error) {
	return p.rx.available()
}

// Read copies buffered input into b without blocking.
func (p *Port) Read(b []byte) (int, error) {
	return p.rx.read(b)
}

// Close stops the pump and closes the port.
func (p *Port) Close() error {
	if !p.rx.close() {
		return nil
	}
	close(p.done)

	if err := p.port.Close(); err != nil {
		return fmt.Errorf("uart: close %s: %w", p.name, err)
	}

	return nil
}

func (p *Port) pump() {
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := p.port.Read(buf)
		if n > 0 {
			if dropped := p.rx.push(buf[:n]); dropped > 0 {
				p.logger.Warn("uart: receive buffer full, oldest bytes dropped", "dropped", dropped)
			}
		}

		if err != nil {
			select {
			case <-p.done:
			default:
				p.logger.Error("uart: read failed, receive pump stopped", "error", err)
				p.rx.fail(fmt.Errorf("uart: read %s: %w", p.name, err))
			}

			return
		}

		select {
		case <-p.done:
			return
		default:
		}
	}
}
