// Package prom exports call metrics through the Prometheus client library.
package prom

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "prometheus"

// DefaultBuckets are call duration buckets in seconds
var DefaultBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Options configures the exported metric names
type Options struct {
	Namespace string
	Subsystem string
	Buckets   []float64
}

// Backend records per-site call counts, durations and in-flight gauges
type Backend struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// New creates the metric vectors and registers them with reg. Vectors that
// are already registered under the same descriptor are reused, so several
// backends can share one registry.
func New(reg prometheus.Registerer, opts Options) (*Backend, error) {
	if opts.Subsystem == "" {
		opts.Subsystem = "interceptor"
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = DefaultBuckets
	}

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "calls_total",
		Help:      "Total intercepted calls by site and outcome",
	}, []string{"owner", "member", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "call_duration_seconds",
		Help:      "Intercepted call latency in seconds",
		Buckets:   opts.Buckets,
	}, []string{"owner", "member"})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "calls_in_flight",
		Help:      "Intercepted calls currently running",
	}, []string{"owner", "member"})

	var err error
	if calls, err = register(reg, calls); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if inFlight, err = register(reg, inFlight); err != nil {
		return nil, err
	}

	return &Backend{calls: calls, duration: duration, inFlight: inFlight}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (b *Backend) Name() string { return Key }

func (b *Backend) Description() string {
	return "prometheus client metrics: calls_total, call_duration_seconds, calls_in_flight"
}

func (b *Backend) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	b.inFlight.WithLabelValues(site.Owner, site.Member).Inc()
	return callmon.NewMonitorContext(ctx, site, nil), nil
}

func (b *Backend) Stop(mc *callmon.MonitorContext, _ any) error {
	b.observe(mc, nil)
	return nil
}

func (b *Backend) Exception(mc *callmon.MonitorContext, err error) error {
	b.observe(mc, err)
	return nil
}

func (b *Backend) observe(mc *callmon.MonitorContext, err error) {
	site := mc.Site
	b.inFlight.WithLabelValues(site.Owner, site.Member).Dec()
	b.calls.WithLabelValues(site.Owner, site.Member, callmon.Outcome(err)).Inc()
	b.duration.WithLabelValues(site.Owner, site.Member).Observe(mc.Elapsed().Seconds())
}
