package callmon

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	return BaseCollector{
		name:   name,
		logger: logger,
	}
}

// LabeledCounterCollector provides labeled counter and gauge series
type LabeledCounterCollector struct {
	BaseCollector
	values          map[string]*labeledCounterValue
	mutex           sync.RWMutex
	seriesTTL       time.Duration
	maxSeries       int
	lastCleanup     time.Time
	cleanupInterval time.Duration
}

type labeledCounterValue struct {
	name        string
	counter     atomic.Int64
	labelMap    map[string]string
	lastUpdated atomic.Int64
	metricType  MetricType
}

// NewLabeledCounterCollector creates a new labeled counter collector
func NewLabeledCounterCollector(name string, logger *zap.Logger) *LabeledCounterCollector {
	return &LabeledCounterCollector{
		BaseCollector:   NewBaseCollector(name, logger),
		values:          make(map[string]*labeledCounterValue),
		seriesTTL:       60 * time.Minute,
		cleanupInterval: 5 * time.Minute,
	}
}

// SetTTL sets how long an untouched series is kept
func (c *LabeledCounterCollector) SetTTL(ttl time.Duration) {
	c.mutex.Lock()
	c.seriesTTL = ttl
	c.mutex.Unlock()
}

// SetMaxSeries caps the number of series (0 means no limit)
func (c *LabeledCounterCollector) SetMaxSeries(n int) {
	c.mutex.Lock()
	c.maxSeries = n
	c.mutex.Unlock()
}

// series returns the entry for key, creating it with the given type
func (c *LabeledCounterCollector) series(metricName string, labels []string, typ MetricType) *labeledCounterValue {
	key := formatKey(metricName, labels)
	c.mutex.RLock()
	entry, exists := c.values[key]
	c.mutex.RUnlock()
	if exists {
		return entry
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if entry, exists = c.values[key]; !exists {
		entry = &labeledCounterValue{
			name:       metricName,
			labelMap:   labelPairs(labels),
			metricType: typ,
		}
		c.values[key] = entry
	}
	return entry
}

// Inc increments a labeled counter
func (c *LabeledCounterCollector) Inc(metricName string, labels ...string) {
	c.Add(metricName, 1, labels...)
}

// Add adds delta to a labeled counter
func (c *LabeledCounterCollector) Add(metricName string, delta int64, labels ...string) {
	entry := c.series(metricName, labels, Counter)
	entry.counter.Add(delta)
	entry.lastUpdated.Store(time.Now().UnixNano())
}

// GaugeAdd moves a labeled gauge by delta, creating it at zero
func (c *LabeledCounterCollector) GaugeAdd(metricName string, delta int64, labels ...string) {
	entry := c.series(metricName, labels, Gauge)
	entry.counter.Add(delta)
	entry.lastUpdated.Store(time.Now().UnixNano())
}

// Set stores an absolute gauge value
func (c *LabeledCounterCollector) Set(metricName string, value int64, labels ...string) {
	entry := c.series(metricName, labels, Gauge)
	entry.counter.Store(value)
	entry.lastUpdated.Store(time.Now().UnixNano())
}

// Get gets the current value of a labeled series
func (c *LabeledCounterCollector) Get(metricName string, labels ...string) int64 {
	c.mutex.RLock()
	entry, exists := c.values[formatKey(metricName, labels)]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return entry.counter.Load()
}

// Delete removes a specific labeled series
func (c *LabeledCounterCollector) Delete(metricName string, labels ...string) {
	c.mutex.Lock()
	delete(c.values, formatKey(metricName, labels))
	c.mutex.Unlock()
}

// Collect implements Collector interface
func (c *LabeledCounterCollector) Collect() []Metric {
	c.mutex.RLock()
	now := time.Now()
	metrics := make([]Metric, 0, len(c.values))
	for _, entry := range c.values {
		metrics = append(metrics, Metric{
			Name:       entry.name,
			Value:      float64(entry.counter.Load()),
			Labels:     entry.labelMap,
			MetricType: entry.metricType,
			Timestamp:  now,
		})
	}
	due := (c.seriesTTL > 0 || c.maxSeries > 0) && now.Sub(c.lastCleanup) >= c.cleanupInterval
	c.mutex.RUnlock()

	if due {
		c.cleanup(now)
	}
	return metrics
}

func (c *LabeledCounterCollector) cleanup(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastCleanup = now

	if c.seriesTTL > 0 {
		cutoff := now.Add(-c.seriesTTL).UnixNano()
		for k, v := range c.values {
			// gauges with a live value, such as in-flight counts, are kept
			if v.lastUpdated.Load() < cutoff && !(v.metricType == Gauge && v.counter.Load() != 0) {
				delete(c.values, k)
			}
		}
	}

	// LRU eviction
	if c.maxSeries > 0 && len(c.values) > c.maxSeries {
		type pair struct {
			key  string
			last int64
		}
		pairs := make([]pair, 0, len(c.values))
		for k, v := range c.values {
			pairs = append(pairs, pair{key: k, last: v.lastUpdated.Load()})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].last < pairs[j].last })
		excess := len(c.values) - c.maxSeries
		for i := 0; i < excess; i++ {
			delete(c.values, pairs[i].key)
		}
		if c.logger != nil {
			c.logger.Debug("Evicted labeled series",
				zap.String("collector", c.name),
				zap.Int("evicted", excess))
		}
	}
}

// DefaultDurationBuckets are upper bounds in seconds for call durations
var DefaultDurationBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// HistogramCollector provides labeled histogram series
type HistogramCollector struct {
	BaseCollector
	histograms map[string]*histogram
	buckets    map[string][]float64
	mutex      sync.RWMutex
}

type histogram struct {
	name     string
	labelMap map[string]string
	buckets  []float64
	counts   []atomic.Int64
	count    atomic.Int64
	sum      float64
	mutex    sync.Mutex
}

// NewHistogramCollector creates a new histogram collector
func NewHistogramCollector(name string, logger *zap.Logger) *HistogramCollector {
	return &HistogramCollector{
		BaseCollector: NewBaseCollector(name, logger),
		histograms:    make(map[string]*histogram),
		buckets:       make(map[string][]float64),
	}
}

// RegisterHistogram sets the buckets used by series of name created afterwards
func (h *HistogramCollector) RegisterHistogram(name string, buckets []float64) {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	h.mutex.Lock()
	h.buckets[name] = sorted
	h.mutex.Unlock()
}

// Observe records value in the series identified by name and labels
func (h *HistogramCollector) Observe(name string, value float64, labels ...string) {
	key := formatKey(name, labels)
	h.mutex.RLock()
	hist, exists := h.histograms[key]
	h.mutex.RUnlock()

	if !exists {
		h.mutex.Lock()
		if hist, exists = h.histograms[key]; !exists {
			buckets, ok := h.buckets[name]
			if !ok {
				buckets = DefaultDurationBuckets
			}
			hist = &histogram{
				name:     name,
				labelMap: labelPairs(labels),
				buckets:  buckets,
				// +1 for the +Inf bucket
				counts: make([]atomic.Int64, len(buckets)+1),
			}
			h.histograms[key] = hist
		}
		h.mutex.Unlock()
	}

	hist.mutex.Lock()
	hist.sum += value
	hist.mutex.Unlock()
	hist.count.Add(1)

	i := sort.SearchFloat64s(hist.buckets, value)
	hist.counts[i].Add(1)
}

// Count returns the number of observations in a series
func (h *HistogramCollector) Count(name string, labels ...string) int64 {
	h.mutex.RLock()
	hist, exists := h.histograms[formatKey(name, labels)]
	h.mutex.RUnlock()
	if !exists {
		return 0
	}
	return hist.count.Load()
}

// Collect implements Collector interface
func (h *HistogramCollector) Collect() []Metric {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	now := time.Now()
	var metrics []Metric

	for _, hist := range h.histograms {
		hist.mutex.Lock()
		sum := hist.sum
		hist.mutex.Unlock()

		metrics = append(metrics,
			Metric{
				Name:       hist.name + "_sum",
				Value:      sum,
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			},
			Metric{
				Name:       hist.name + "_count",
				Value:      float64(hist.count.Load()),
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			})

		cumulative := int64(0)
		for i := range hist.counts {
			cumulative += hist.counts[i].Load()
			le := "+Inf"
			if i < len(hist.buckets) {
				le = formatBucketLabel(hist.buckets[i])
			}
			labels := make(map[string]string, len(hist.labelMap)+1)
			for k, v := range hist.labelMap {
				labels[k] = v
			}
			labels["le"] = le

			metrics = append(metrics, Metric{
				Name:       hist.name + "_bucket",
				Value:      float64(cumulative),
				Labels:     labels,
				MetricType: Histogram,
				Timestamp:  now,
			})
		}
	}

	return metrics
}

// Helper functions

// formatKey combines metric name and labels into a key
func formatKey(metricName string, labels []string) string {
	return metricName + "|" + strings.Join(labels, "|")
}

// labelPairs turns [k1, v1, k2, v2, ...] into a map, ignoring a dangling key
func labelPairs(labels []string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// formatBucketLabel formats bucket label
func formatBucketLabel(value float64) string {
	s := fmt.Sprintf("%.6g", value)
	if strings.ContainsAny(s, "e") || !strings.Contains(s, ".") {
		return s
	}
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}
