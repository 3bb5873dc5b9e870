// Package metrics exports bridge counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/pkg"
)

// Namespace prefixes every metric name.
const Namespace = "usbuart"

// FrameCounter reports the number of frame ticks handled by the device core.
type FrameCounter interface {
	Frames() uint64
}

var channelLabels = []string{"channel", "uart"}

func channelDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "channel", name), help, channelLabels, nil)
}

var (
	bytesToHost       = channelDesc("bytes_to_host_total", "UART bytes accepted by the bulk IN endpoint.")
	bytesFromHost     = channelDesc("bytes_from_host_total", "Bulk OUT bytes handed to the UART.")
	droppedFromHost   = channelDesc("dropped_from_host_total", "Bulk OUT bytes the UART refused.")
	inBusy            = channelDesc("in_busy_total", "Bulk IN submissions rejected as busy.")
	renewRetries      = channelDesc("renew_retries_total", "Bulk OUT arms retried on a later frame.")
	lineCodingChanges = channelDesc("line_coding_changes_total", "SET_LINE_CODING requests applied.")
	zeroLengthPackets = channelDesc("zero_length_packets_total", "Zero-length packets sent to terminate IN runs.")
	uartErrors        = channelDesc("uart_errors_total", "UART runtime errors reported.")
	active            = channelDesc("active", "Whether the channel is active.")
	inFlight          = channelDesc("in_flight", "Whether a bulk IN transfer is outstanding.")
	baudRate          = channelDesc("baud_rate", "Current line coding data rate.")

	frames = prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", "frames_total"),
		"Frame ticks handled while configured.", nil, nil)
)

// Collector reads bridge counters at scrape time.
type Collector struct {
	registry *cdc.Registry
	frames   FrameCounter
}

// NewCollector creates a collector over every channel in registry. frames
// may be nil.
func NewCollector(registry *cdc.Registry, frames FrameCounter) *Collector {
	return &Collector{registry: registry, frames: frames}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		bytesToHost, bytesFromHost, droppedFromHost, inBusy, renewRetries,
		lineCodingChanges, zeroLengthPackets, uartErrors, active, inFlight, baudRate,
	} {
		ch <- d
	}
	if c.frames != nil {
		ch <- frames
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.registry.All() {
		cfg := b.Config()
		labels := []string{cfg.Name, string(cfg.UART)}
		s := b.Stats()

		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}

		counter(bytesToHost, s.BytesToHost)
		counter(bytesFromHost, s.BytesFromHost)
		counter(droppedFromHost, s.DroppedFromHost)
		counter(inBusy, s.InBusy)
		counter(renewRetries, s.RenewRetries)
		counter(lineCodingChanges, s.LineCodingChanges)
		counter(zeroLengthPackets, s.ZeroLengthPackets)
		counter(uartErrors, s.UARTErrors)
		gauge(active, boolValue(b.Active()))
		gauge(inFlight, boolValue(b.InFlight()))
		gauge(baudRate, float64(b.LineCoding().DTERate))
	}
	if c.frames != nil {
		ch <- prometheus.MustNewConstMetric(frames, prometheus.CounterValue, float64(c.frames.Frames()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ prometheus.Collector = (*Collector)(nil)

// NewRegistry returns a registry holding c and the process and Go runtime
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	return reg
}

// Handler returns the /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// NewMux returns a mux serving reg on /metrics.
func NewMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return mux
}

// Serve serves h at addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	pkg.LogInfo(pkg.ComponentMetrics, "serving metrics", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
