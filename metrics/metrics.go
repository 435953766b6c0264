// Package metrics exports the monitor's event stream as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/znamenap/connmon/events"
)

const (
	namespace = "connmon"

	DefaultPath     = "/metrics"
	shutdownTimeout = 5 * time.Second
)

// Collector is an events.Sink that counts what the monitors report.
type Collector struct {
	accepted     prometheus.Counter
	dropped      prometheus.Counter
	dialFailures prometheus.Counter
	bailOuts     prometheus.Counter
	roundTrips   *prometheus.CounterVec
	rtt          prometheus.Histogram
	active       prometheus.Gauge
}

// NewCollector registers the connmon metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Inbound connections accepted",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Accepted connections closed because the hand-off queue was full",
		}),
		dialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Outbound connection attempts that failed",
		}),
		bailOuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_bailouts_total",
			Help:      "Sessions ended after too many consecutive errors",
		}),
		roundTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_trips_total",
			Help:      "Ping rounds by result",
		}, []string{"result"}),
		rtt: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Time from ping to pong",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~1.6s
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently running",
		}),
	}
}

// Emit implements events.Sink.
func (c *Collector) Emit(e events.Event) {
	switch e.Kind {
	case events.KindAccept:
		c.accepted.Inc()
	case events.KindDrop:
		c.dropped.Inc()
	case events.KindDial:
		if e.Failed() {
			c.dialFailures.Inc()
		}
	case events.KindBailOut:
		c.bailOuts.Inc()
	case events.KindStart:
		if e.Session != "" {
			c.active.Inc()
		}
	case events.KindClose:
		if e.Session != "" {
			c.active.Dec()
		}
	case events.KindSend, events.KindReceive:
		switch {
		case e.Failed():
			c.roundTrips.WithLabelValues("failure").Inc()
		case e.Kind == events.KindReceive && e.RTT > 0:
			c.roundTrips.WithLabelValues("success").Inc()
			c.rtt.Observe(e.RTT.Seconds())
		}
	case events.KindExchange:
		c.roundTrips.WithLabelValues("success").Inc()
	case events.KindTimeout:
		c.roundTrips.WithLabelValues("timeout").Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g on addr under path until ctx is done.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer) error {
	if path == "" {
		path = DefaultPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, Handler(g))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}
