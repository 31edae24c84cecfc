// Package metrics exposes chain bus counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/arloliu/go-chainbus/chain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainbus"

// NewRegistry creates a Prometheus registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BusCollector reads a bus's counters at scrape time.
type BusCollector struct {
	metrics []prometheus.Collector
}

var _ prometheus.Collector = (*BusCollector)(nil)

// NewBusCollector creates a collector over m. Every series carries a port label.
func NewBusCollector(m *chain.BusMetrics, port string) *BusCollector {
	labels := prometheus.Labels{"port": port}

	counter := func(name, help string, load func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(load()) })
	}

	gauge := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(load()) })
	}

	return &BusCollector{
		metrics: []prometheus.Collector{
			counter("frames_sent_total", "Frames written to the transport.", m.FrameSendCount.Load),
			counter("frames_received_total", "Valid frames decoded and queued.", m.FrameRecvCount.Load),
			counter("checksum_errors_total", "Frames dropped for a bad checksum.", m.ChecksumErrCount.Load),
			counter("framing_errors_total", "Decoder resynchronizations after a bad tail or length.", m.FramingErrCount.Load),
			counter("write_errors_total", "Failed transport writes.", m.WriteErrCount.Load),
			counter("read_errors_total", "Failed transport reads.", m.ReadErrCount.Load),
			counter("transactions_ok_total", "Transactions that received a reply.", m.TransactionOKCount.Load),
			counter("transaction_retries_total", "Transaction attempts that were retried.", m.TransactionRetryCount.Load),
			counter("transaction_timeouts_total", "Transactions that exhausted every attempt.", m.TransactionTimeoutCount.Load),
			counter("events_dispatched_total", "Event callbacks invoked.", m.EventDispatchCount.Load),
			counter("event_panics_total", "Event callbacks that panicked.", m.EventPanicCount.Load),
			counter("packets_evicted_total", "Queued packets evicted as stale.", m.PacketEvictCount.Load),
			gauge("transactions_inflight", "Transactions waiting for a reply.", m.TransactionInflight.Load),
			gauge("packet_queue_depth", "Packets waiting in the queue.", m.PacketQueueDepth.Load),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		m.Collect(ch)
	}
}

// RegisterBus registers a collector for b on reg.
func RegisterBus(reg prometheus.Registerer, b *chain.Bus) error {
	return reg.Register(NewBusCollector(b.GetMetrics(), b.Config().PortName()))
}
