package callmon

import (
	"time"

	"go.uber.org/zap"
)

// ControllerCollector reports the health of a controller: its switches,
// open contexts and backend failure count
type ControllerCollector struct {
	BaseCollector
	control Control
}

// NewControllerCollector creates a collector reading control
func NewControllerCollector(control Control, logger *zap.Logger) *ControllerCollector {
	return &ControllerCollector{
		BaseCollector: NewBaseCollector("interceptor", logger),
		control:       control,
	}
}

// Collect implements Collector interface
func (c *ControllerCollector) Collect() []Metric {
	now := time.Now()
	status := c.control.Status()

	gauge := func(name string, v float64, labels map[string]string) Metric {
		if labels == nil {
			labels = map[string]string{}
		}
		return Metric{Name: name, Value: v, Labels: labels, MetricType: Gauge, Timestamp: now}
	}
	counter := func(name string, v int64) Metric {
		return Metric{Name: name, Value: float64(v), Labels: map[string]string{}, MetricType: Counter, Timestamp: now}
	}

	return []Metric{
		gauge("interceptor_enabled", boolValue(status.Enabled), nil),
		gauge("interceptor_tracing", boolValue(status.Tracing), nil),
		gauge("interceptor_open_contexts", float64(status.OpenContexts), nil),
		gauge("interceptor_active_backend", 1, map[string]string{"key": status.ActiveBackend}),
		gauge("interceptor_backends", float64(len(status.ValidBackends)), nil),
		counter("interceptor_calls_total", status.Calls),
		counter("interceptor_backend_failures_total", status.BackendFailures),
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
