package callmon

import (
	"context"

	"go.uber.org/zap"
)

// MetricsKey is the conventional key of MetricsBackend
const MetricsKey = "metrics"

const (
	metricCallsTotal    = "calls_total"
	metricCallsInFlight = "calls_in_flight"
	metricCallDuration  = "call_duration_seconds"
)

// MetricsBackend records per-site call counts, in-flight gauges and
// duration histograms in collectors that a Manager pushes via remote write
type MetricsBackend struct {
	calls     *LabeledCounterCollector
	durations *HistogramCollector
}

// NewMetricsBackend creates the backend and its collectors
func NewMetricsBackend(logger *zap.Logger) *MetricsBackend {
	return &MetricsBackend{
		calls:     NewLabeledCounterCollector("intercepted_calls", logger),
		durations: NewHistogramCollector("intercepted_durations", logger),
	}
}

// Collectors returns the collectors to register with a Manager
func (b *MetricsBackend) Collectors() []Collector {
	return []Collector{b.calls, b.durations}
}

func (b *MetricsBackend) Name() string { return MetricsKey }

func (b *MetricsBackend) Description() string {
	return "collector metrics: calls_total, calls_in_flight, call_duration_seconds"
}

func (b *MetricsBackend) Start(ctx context.Context, site CallSite) (*MonitorContext, error) {
	b.calls.GaugeAdd(metricCallsInFlight, 1, "owner", site.Owner, "member", site.Member)
	return NewMonitorContext(ctx, site, nil), nil
}

func (b *MetricsBackend) Stop(mc *MonitorContext, _ any) error {
	b.record(mc, nil)
	return nil
}

func (b *MetricsBackend) Exception(mc *MonitorContext, err error) error {
	b.record(mc, err)
	return nil
}

func (b *MetricsBackend) record(mc *MonitorContext, err error) {
	site := mc.Site
	b.calls.GaugeAdd(metricCallsInFlight, -1, "owner", site.Owner, "member", site.Member)
	b.calls.Inc(metricCallsTotal, "owner", site.Owner, "member", site.Member, "outcome", Outcome(err))
	b.durations.Observe(metricCallDuration, mc.Elapsed().Seconds(), "owner", site.Owner, "member", site.Member)
}

// Calls returns the number of finished calls at site with the given outcome
func (b *MetricsBackend) Calls(site CallSite, outcome string) int64 {
	return b.calls.Get(metricCallsTotal, "owner", site.Owner, "member", site.Member, "outcome", outcome)
}

// InFlight returns the number of open calls at site
func (b *MetricsBackend) InFlight(site CallSite) int64 {
	return b.calls.Get(metricCallsInFlight, "owner", site.Owner, "member", site.Member)
}
