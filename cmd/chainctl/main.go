// chainctl opens a Chain bus on a serial port and inspects the devices on it.
//
// Usage:
//
//	chainctl [options] <command>
//
// Commands:
//
//	ports   list serial ports
//	enum    enumerate the chain and print the device count
//	info    enumerate, then print type and versions of every device
//	watch   print the events listed in the config file until interrupted
//
// Options:
//
//	-config string   TOML config file
//	-port string     serial port, overrides the config file
//	-baud int        baud rate, overrides the config file
//	-metrics string  address to serve Prometheus metrics on, e.g. :9100
//	-simulate int    run against an in-memory chain of this many devices
//	-debug           enable debug logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/arloliu/go-chainbus/chain"
	"github.com/arloliu/go-chainbus/internal/util"
	"github.com/arloliu/go-chainbus/logger"
	"github.com/arloliu/go-chainbus/metrics"
	"github.com/arloliu/go-chainbus/uart"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chainctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("chainctl", flag.ContinueOnError)
	configFile := fs.String("config", "", "TOML config file")
	port := fs.String("port", "", "serial port (overrides config)")
	baud := fs.Int("baud", 0, "baud rate (overrides config)")
	metricsAddr := fs.String("metrics", "", "address to serve Prometheus metrics on")
	simulate := fs.Int("simulate", 0, "run against an in-memory chain of this many devices")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one command: ports, enum, info or watch")
	}

	cfg := defaultAppConfig()
	if *configFile != "" {
		var err error
		if cfg, err = loadAppConfig(*configFile); err != nil {
			return err
		}
	}

	if *port != "" {
		cfg.Port = *port
	}
	if *baud != 0 {
		cfg.BaudRate = *baud
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *debug {
		cfg.LogLevel = logger.DebugLevel
	}

	cmd := fs.Arg(0)
	if cmd == "ports" {
		return listPorts(out)
	}

	var extra []chain.BusOption
	if *simulate != 0 {
		if *simulate < 1 || *simulate >= int(chain.BroadcastID) {
			return fmt.Errorf("simulated device count %d out of range [1, %d]", *simulate, chain.BroadcastID-1)
		}

		sim := newSimChain(uint8(*simulate)) //nolint:gosec // range checked above
		extra = append(extra, chain.WithTransport(sim.pipe))
		if cfg.Port == "" {
			cfg.Port = "simulated"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := logger.NewSlog(cfg.LogLevel, false)

	busCfg, err := cfg.busConfig(l, extra...)
	if err != nil {
		return err
	}

	bus, err := chain.Open(ctx, busCfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(bus, cfg.MetricsAddr, l)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	switch cmd {
	case "enum":
		return enumerate(bus, out)
	case "info":
		return deviceInfo(bus, out)
	case "watch":
		return watchEvents(ctx, bus, cfg.Watches, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listPorts(out io.Writer) error {
	ports, err := uart.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}

	for _, p := range ports {
		fmt.Fprintln(out, p)
	}

	return nil
}

func enumerate(bus *chain.Bus, out io.Writer) error {
	count, ok := bus.GetDeviceNum()
	if !ok {
		return errors.New("enumeration got no reply")
	}

	fmt.Fprintf(out, "%d device(s) on %s\n", count, bus.Config().PortName())

	return nil
}

func deviceInfo(bus *chain.Bus, out io.Writer) error {
	count, ok := bus.GetDeviceNum()
	if !ok {
		return errors.New("enumeration got no reply")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tFIRMWARE\tBOOTLOADER")

	for id := uint8(1); id <= count && id != chain.BroadcastID; id++ {
		typ, typeOK := bus.DeviceType(id)
		fw, fwOK := bus.FirmwareVersion(id)
		bl, blOK := bus.BootloaderVersion(id)

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", id,
			orUnknown(typeOK, fmt.Sprintf("0x%04X", typ)),
			orUnknown(fwOK, fmt.Sprintf("%d", fw)),
			orUnknown(blOK, fmt.Sprintf("%d", bl)),
		)
	}

	return tw.Flush()
}

func orUnknown(ok bool, s string) string {
	if !ok {
		return "?"
	}

	return s
}

func watchEvents(ctx context.Context, bus *chain.Bus, watches []watch, out io.Writer) error {
	if len(watches) == 0 {
		return errors.New("no [[watch]] entries configured")
	}

	for _, w := range watches {
		name := w.Name
		_, err := bus.RegisterEvent(w.DeviceID, w.Cmd, w.Payload, func(e chain.Event) {
			fmt.Fprintf(out, "%s %s dev=%d cmd=0x%02X payload=[%s]\n",
				e.ReceivedAt.Format(time.RFC3339Nano), name, e.DeviceID, e.Cmd, util.HexBytes(e.Payload))
		})
		if err != nil {
			return err
		}
	}

	bus.GetLogger().Info("watching events, interrupt to stop", "count", len(watches))
	<-ctx.Done()

	return nil
}

func serveMetrics(bus *chain.Bus, addr string, l logger.Logger) (func(), error) {
	reg := metrics.NewRegistry()
	if err := metrics.RegisterBus(reg, bus); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()

	l.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
