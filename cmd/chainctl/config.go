package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arloliu/go-chainbus/chain"
	"github.com/arloliu/go-chainbus/logger"
)

// chainctl config.toml key mapping.
type fileConfig struct {
	Port           string        `toml:"port"`
	BaudRate       int           `toml:"baud_rate"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	RetryLimit     int           `toml:"retry_limit"`
	RetryPause     time.Duration `toml:"retry_pause"`
	PollInterval   time.Duration `toml:"poll_interval"`
	SweepInterval  time.Duration `toml:"sweep_interval"`
	PacketMaxAge   time.Duration `toml:"packet_max_age"`
	MaxPayloadSize int           `toml:"max_payload_size"`
	LogLevel       string        `toml:"log_level"`
	MetricsAddr    string        `toml:"metrics_addr"`
	Watch          []watchConfig `toml:"watch"`
}

// watchConfig is one [[watch]] table: an event to print when it arrives.
type watchConfig struct {
	Name     string `toml:"name"`
	DeviceID uint8  `toml:"device_id"`
	Cmd      uint8  `toml:"cmd"`
	Payload  []int  `toml:"payload"`
}

// watch is a resolved [[watch]] entry.
type watch struct {
	Name     string
	DeviceID uint8
	Cmd      uint8
	Payload  []byte
}

// appConfig is the resolved chainctl configuration.
type appConfig struct {
	Port           string
	BaudRate       int
	RequestTimeout time.Duration
	RetryLimit     int
	RetryPause     time.Duration
	PollInterval   time.Duration
	SweepInterval  time.Duration
	PacketMaxAge   time.Duration
	MaxPayloadSize int
	LogLevel       logger.Level
	MetricsAddr    string
	Watches        []watch
}

func defaultAppConfig() appConfig {
	return appConfig{
		BaudRate:       chain.DefaultBaudRate,
		RequestTimeout: chain.DefaultRequestTimeout,
		RetryLimit:     chain.DefaultRetryLimit,
		RetryPause:     chain.DefaultRetryPause,
		PollInterval:   chain.DefaultPollInterval,
		SweepInterval:  chain.DefaultSweepInterval,
		PacketMaxAge:   chain.DefaultPacketMaxAge,
		MaxPayloadSize: chain.DefaultMaxPayloadSize,
		LogLevel:       logger.InfoLevel,
	}
}

// loadAppConfig overlays the keys present in the TOML file at path on the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load chainctl config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load chainctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("request_timeout") {
		cfg.RequestTimeout = raw.RequestTimeout
	}
	if meta.IsDefined("retry_limit") {
		cfg.RetryLimit = raw.RetryLimit
	}
	if meta.IsDefined("retry_pause") {
		cfg.RetryPause = raw.RetryPause
	}
	if meta.IsDefined("poll_interval") {
		cfg.PollInterval = raw.PollInterval
	}
	if meta.IsDefined("sweep_interval") {
		cfg.SweepInterval = raw.SweepInterval
	}
	if meta.IsDefined("packet_max_age") {
		cfg.PacketMaxAge = raw.PacketMaxAge
	}
	if meta.IsDefined("max_payload_size") {
		cfg.MaxPayloadSize = raw.MaxPayloadSize
	}
	if meta.IsDefined("log_level") {
		lv, err := parseLogLevel(raw.LogLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("load chainctl config: %w", err)
		}
		cfg.LogLevel = lv
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	for i, w := range raw.Watch {
		resolved, err := w.resolve()
		if err != nil {
			return appConfig{}, fmt.Errorf("load chainctl config: watch[%d]: %w", i, err)
		}
		cfg.Watches = append(cfg.Watches, resolved)
	}

	return cfg, nil
}

// busConfig builds the chain configuration.
func (c appConfig) busConfig(l logger.Logger, extra ...chain.BusOption) (*chain.BusConfig, error) {
	if c.Port == "" {
		return nil, errors.New("no serial port configured")
	}

	opts := []chain.BusOption{
		chain.WithBaudRate(c.BaudRate),
		chain.WithRequestTimeout(c.RequestTimeout),
		chain.WithRetryLimit(c.RetryLimit),
		chain.WithRetryPause(c.RetryPause),
		chain.WithPollInterval(c.PollInterval),
		chain.WithSweepInterval(c.SweepInterval),
		chain.WithPacketMaxAge(c.PacketMaxAge),
		chain.WithMaxPayloadSize(c.MaxPayloadSize),
		chain.WithLogger(l),
	}

	return chain.NewBusConfig(c.Port, append(opts, extra...)...)
}

func (w watchConfig) resolve() (watch, error) {
	payload := make([]byte, 0, len(w.Payload))
	for _, v := range w.Payload {
		if v < 0 || v > 0xFF {
			return watch{}, fmt.Errorf("payload byte %d out of range", v)
		}
		payload = append(payload, byte(v))
	}

	name := strings.TrimSpace(w.Name)
	if name == "" {
		name = fmt.Sprintf("dev%d/0x%02X", w.DeviceID, w.Cmd)
	}

	return watch{Name: name, DeviceID: w.DeviceID, Cmd: w.Cmd, Payload: payload}, nil
}

func parseLogLevel(s string) (logger.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logger.DebugLevel, nil
	case "", "info":
		return logger.InfoLevel, nil
	case "warn", "warning":
		return logger.WarnLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	default:
		return logger.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
