package callmon

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// Manager gathers collector output and pushes it to a remote write endpoint
type Manager interface {
	Start() error
	Stop()
	RegisterCollector(collector Collector)
	GetMetrics() []Metric
}

// Collector defines a metrics collector that can provide multiple metrics
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
	Summary
)

// managerImpl is the implementation of Manager
type managerImpl struct {
	config     Config
	collectors []Collector
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mutex      sync.RWMutex

	clientMu sync.Mutex
	client   *promwrite.Client
	resolver *resolver
}

// NewManager creates a new metrics manager
func NewManager(config Config) (Manager, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}

	if config.InstanceIP == "" {
		ip, err := GetOutboundIPv4()
		if err != nil {
			return nil, fmt.Errorf("failed to get outbound IPv4: %w", err)
		}
		config.InstanceIP = ip
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &managerImpl{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}

	if config.RemoteWrite.URL != "" {
		u, err := url.Parse(config.RemoteWrite.URL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid remote write url: %w", err)
		}
		mgr.client = promwrite.NewClient(config.RemoteWrite.URL)
		mgr.resolver = newResolver(u.Hostname(), config.RemoteWrite.DNS, config.Logger)
	}
	return mgr, nil
}

// RegisterCollector implements Manager interface
func (m *managerImpl) RegisterCollector(collector Collector) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.collectors = append(m.collectors, collector)

	if m.config.Logger != nil {
		m.config.Logger.Debug("Registered metrics collector",
			zap.String("collector", collector.Name()))
	}
}

// Start implements Manager interface
func (m *managerImpl) Start() error {
	if m.client == nil {
		if m.config.Logger != nil {
			m.config.Logger.Warn("Starting metrics manager without remote write URL")
		}
		return nil
	}

	interval := pickDuration(m.config.RemoteWrite.Interval, 15*time.Second)
	m.every(interval, func() {
		if err := m.writeMetrics(); err != nil && m.config.Logger != nil {
			m.config.Logger.Error("Failed to write metrics", zap.Error(err))
		}
	})

	if m.resolver.enabled() && net.ParseIP(m.resolver.host) == nil {
		m.every(m.resolver.cfg.RefreshInterval, func() {
			if m.resolver.refresh(m.ctx, false) {
				m.resetClient()
			}
		})
	}

	return nil
}

// every runs fn on a ticker until Stop
func (m *managerImpl) every(interval time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop implements Manager interface
func (m *managerImpl) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetMetrics implements Manager interface
func (m *managerImpl) GetMetrics() []Metric {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var metrics []Metric
	for _, collector := range m.collectors {
		metrics = append(metrics, collector.Collect()...)
	}
	return metrics
}

func (m *managerImpl) currentClient() *promwrite.Client {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	return m.client
}

// resetClient recreates the client so new connections follow fresh DNS
func (m *managerImpl) resetClient() {
	m.clientMu.Lock()
	m.client = promwrite.NewClient(m.config.RemoteWrite.URL)
	m.clientMu.Unlock()

	if m.config.Logger != nil {
		m.config.Logger.Info("Refreshed remote write client after DNS update",
			zap.String("host", m.resolver.host))
	}
}

// writeMetrics sends collected metrics to remote write endpoint
func (m *managerImpl) writeMetrics() error {
	client := m.currentClient()
	if client == nil {
		return fmt.Errorf("no remote write client configured")
	}

	metrics := m.GetMetrics()
	if len(metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	req := &promwrite.WriteRequest{
		TimeSeries: m.convertToTimeSeries(metrics),
	}

	if _, err := client.Write(ctx, req); err != nil {
		// the target may have moved; retry once after a forced refresh
		if m.resolver.refresh(ctx, true) {
			m.resetClient()
			if _, retryErr := m.currentClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}
	return nil
}

// RefreshDNS exposes DNS refresh functionality for external use
func (m *managerImpl) RefreshDNS(force bool) bool {
	if m.resolver.refresh(m.ctx, force) {
		m.resetClient()
		return true
	}
	return false
}

// convertToTimeSeries converts generic metrics to promwrite time series format
func (m *managerImpl) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))
	prefix := fmt.Sprintf("%s_%s", m.config.Namespace, m.config.Subsystem)

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(m.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: fmt.Sprintf("%s_%s", prefix, metric.Name)},
			promwrite.Label{Name: "instance", Value: m.config.InstanceIP},
			promwrite.Label{Name: "_target_", Value: m.config.ServiceName},
		)
		if m.config.Version != "" {
			labels = append(labels, promwrite.Label{Name: "version", Value: m.config.Version})
		}
		for k, v := range m.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		// remote write receivers expect labels sorted by name
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}
	return result
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
