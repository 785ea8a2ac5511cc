// Package influx writes one InfluxDB point per finished call using the
// non-blocking batching write API.
package influx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "influx"

// Config locates the bucket points are written to
type Config struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	Measurement   string        `yaml:"measurement"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Backend is the InfluxDB point writer
type Backend struct {
	cfg      Config
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger

	writeErrors atomic.Int64
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New creates the client and starts draining asynchronous write errors
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url, org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "calls"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	b := &Backend{
		cfg:      cfg,
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
		done:     make(chan struct{}),
	}

	errs := b.writeAPI.Errors()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				b.writeErrors.Add(1)
				b.logger.Warn("InfluxDB write failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
			case <-b.done:
				return
			}
		}
	}()
	return b, nil
}

func (b *Backend) Name() string { return Key }

func (b *Backend) Description() string {
	return fmt.Sprintf("influxdb point per call to %s/%s", b.cfg.Org, b.cfg.Bucket)
}

func (b *Backend) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	return callmon.NewMonitorContext(ctx, site, nil), nil
}

func (b *Backend) Stop(mc *callmon.MonitorContext, _ any) error {
	b.write(mc, nil)
	return nil
}

func (b *Backend) Exception(mc *callmon.MonitorContext, err error) error {
	b.write(mc, err)
	return nil
}

func (b *Backend) write(mc *callmon.MonitorContext, err error) {
	tags := map[string]string{
		"owner":      mc.Site.Owner,
		"member":     mc.Site.Member,
		"kind":       mc.Site.Kind.String(),
		"visibility": mc.Site.Visibility.String(),
		"outcome":    callmon.Outcome(err),
	}
	fields := map[string]interface{}{
		"duration_ns": mc.Elapsed().Nanoseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	b.writeAPI.WritePoint(influxdb2.NewPoint(b.cfg.Measurement, tags, fields, mc.Started))
}

// WriteErrors returns the number of failed asynchronous writes
func (b *Backend) WriteErrors() int64 {
	return b.writeErrors.Load()
}

// Flush forces buffered points out
func (b *Backend) Flush() {
	b.writeAPI.Flush()
}

// Close flushes pending points and releases the client
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.writeAPI.Flush()
		b.client.Close()
		close(b.done)
		b.wg.Wait()
	})
	return nil
}
