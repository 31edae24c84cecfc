package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-chainbus/logger"
)

// Default values for the link layer.
const (
	DefaultBaudRate = 115200

	DefaultRequestTimeout = 3000 * time.Millisecond // per-attempt wait of Request
	DefaultRetryLimit     = 3                       // attempts per transaction
	DefaultRetryPause     = 10 * time.Millisecond   // pause between Request attempts

	DefaultPollInterval  = 10 * time.Millisecond   // receive loop cadence and reply poll interval
	DefaultSweepInterval = 5000 * time.Millisecond // stale packet sweep cadence
	DefaultPacketMaxAge  = 5000 * time.Millisecond // queued packets older than this are evicted

	DefaultCloseTimeout = 3 * time.Second
)

// Range limits for configuration values.
const (
	MinRequestTimeout = 1 * time.Millisecond
	MaxRequestTimeout = 60 * time.Second

	MinRetryLimit = 1
	MaxRetryLimit = 31

	MaxRetryPause = 10 * time.Second

	MinPollInterval = 1 * time.Millisecond
	MaxPollInterval = 1 * time.Second

	MinSweepInterval = 10 * time.Millisecond
	MaxSweepInterval = 10 * time.Minute

	MinPacketMaxAge = 10 * time.Millisecond
	MaxPacketMaxAge = 10 * time.Minute

	MinBaudRate = 1200
	MaxBaudRate = 4000000
)

// BusConfig holds the configuration of a bus. Create it with NewBusConfig.
type BusConfig struct {
	portName string
	baudRate int

	// transport, when set, is used instead of opening portName.
	transport Transport

	requestTimeout time.Duration
	retryLimit     int
	retryPause     time.Duration

	pollInterval  time.Duration
	sweepInterval time.Duration
	packetMaxAge  time.Duration
	closeTimeout  time.Duration

	maxPayloadSize int

	logger logger.Logger
}

// NewBusConfig creates a bus configuration for the serial port portName
// (e.g. "/dev/ttyUSB0" or "COM3").
//
// opts are functional options applied in order; see the With* functions.
func NewBusConfig(portName string, opts ...BusOption) (*BusConfig, error) {
	portName = strings.TrimSpace(portName)
	if portName == "" {
		return nil, errors.New("chain: port name must not be empty")
	}

	cfg := &BusConfig{
		portName:       portName,
		baudRate:       DefaultBaudRate,
		requestTimeout: DefaultRequestTimeout,
		retryLimit:     DefaultRetryLimit,
		retryPause:     DefaultRetryPause,
		pollInterval:   DefaultPollInterval,
		sweepInterval:  DefaultSweepInterval,
		packetMaxAge:   DefaultPacketMaxAge,
		closeTimeout:   DefaultCloseTimeout,
		maxPayloadSize: DefaultMaxPayloadSize,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// PortName returns the serial port name.
func (cfg *BusConfig) PortName() string { return cfg.portName }

// BaudRate returns the serial baud rate.
func (cfg *BusConfig) BaudRate() int { return cfg.baudRate }

// RequestTimeout returns the per-attempt timeout used by Request.
func (cfg *BusConfig) RequestTimeout() time.Duration { return cfg.requestTimeout }

// RetryLimit returns the number of attempts per transaction.
func (cfg *BusConfig) RetryLimit() int { return cfg.retryLimit }

// RetryPause returns the pause between Request attempts.
func (cfg *BusConfig) RetryPause() time.Duration { return cfg.retryPause }

// PollInterval returns the receive loop cadence, also used to poll for replies.
func (cfg *BusConfig) PollInterval() time.Duration { return cfg.pollInterval }

// SweepInterval returns how often stale packets are evicted.
func (cfg *BusConfig) SweepInterval() time.Duration { return cfg.sweepInterval }

// PacketMaxAge returns the age after which an unconsumed packet is evicted.
func (cfg *BusConfig) PacketMaxAge() time.Duration { return cfg.packetMaxAge }

// MaxPayloadSize returns the largest payload the decoder accepts.
func (cfg *BusConfig) MaxPayloadSize() int { return cfg.maxPayloadSize }

// GetLogger returns the configured logger.
func (cfg *BusConfig) GetLogger() logger.Logger { return cfg.logger }

// sameAs reports whether other describes the same bus, which makes a second
// Open with it a no-op.
func (cfg *BusConfig) sameAs(other *BusConfig) bool {
	if cfg == other {
		return true
	}

	return cfg.portName == other.portName &&
		cfg.baudRate == other.baudRate &&
		cfg.transport == other.transport
}

// --- BusOption ---

// BusOption is a functional option for configuring a BusConfig.
type BusOption interface {
	apply(*BusConfig) error
}

type busOptFunc func(*BusConfig) error

func (f busOptFunc) apply(cfg *BusConfig) error { return f(cfg) }

// WithBaudRate sets the serial baud rate. Default 115200.
func WithBaudRate(baud int) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if baud < MinBaudRate || baud > MaxBaudRate {
			return fmt.Errorf("chain: baud rate %d out of range [%d, %d]", baud, MinBaudRate, MaxBaudRate)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithTransport makes the bus use t instead of opening the serial port.
// The bus takes ownership of t and closes it on Close.
func WithTransport(t Transport) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if t == nil {
			return ErrNilTransport
		}
		cfg.transport = t

		return nil
	})
}

// WithRequestTimeout sets the per-attempt timeout used by Request and the
// link-management queries.
func WithRequestTimeout(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < MinRequestTimeout || d > MaxRequestTimeout {
			return fmt.Errorf("chain: request timeout %v out of range [%v, %v]", d, MinRequestTimeout, MaxRequestTimeout)
		}
		cfg.requestTimeout = d

		return nil
	})
}

// WithRetryLimit sets the number of attempts per transaction.
func WithRetryLimit(n int) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if n < MinRetryLimit || n > MaxRetryLimit {
			return fmt.Errorf("chain: retry limit %d out of range [%d, %d]", n, MinRetryLimit, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithRetryPause sets the pause between Request attempts. Zero disables it.
func WithRetryPause(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < 0 || d > MaxRetryPause {
			return fmt.Errorf("chain: retry pause %v out of range [0, %v]", d, MaxRetryPause)
		}
		cfg.retryPause = d

		return nil
	})
}

// WithPollInterval sets the receive loop cadence and the reply poll interval.
func WithPollInterval(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("chain: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithSweepInterval sets how often stale packets are evicted.
func WithSweepInterval(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < MinSweepInterval || d > MaxSweepInterval {
			return fmt.Errorf("chain: sweep interval %v out of range [%v, %v]", d, MinSweepInterval, MaxSweepInterval)
		}
		cfg.sweepInterval = d

		return nil
	})
}

// WithPacketMaxAge sets the age after which unconsumed packets are evicted.
func WithPacketMaxAge(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < MinPacketMaxAge || d > MaxPacketMaxAge {
			return fmt.Errorf("chain: packet max age %v out of range [%v, %v]", d, MinPacketMaxAge, MaxPacketMaxAge)
		}
		cfg.packetMaxAge = d

		return nil
	})
}

// WithMaxPayloadSize limits the payload length the decoder accepts. A length
// field above the limit is treated as line noise and the decoder resynchronizes
// instead of waiting for the announced bytes.
func WithMaxPayloadSize(n int) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if n < 1 || n > MaxPayloadSize {
			return fmt.Errorf("chain: max payload size %d out of range [1, %d]", n, MaxPayloadSize)
		}
		cfg.maxPayloadSize = n

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the background tasks to stop.
func WithCloseTimeout(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d <= 0 {
			return errors.New("chain: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the bus.
func WithLogger(l logger.Logger) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if l == nil {
			return errors.New("chain: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
