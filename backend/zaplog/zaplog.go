// Package zaplog writes one structured log line per finished call.
package zaplog

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "log"

// Backend logs finished calls. Successful calls are written at the configured
// level, failed calls at Warn. A token bucket caps the line rate so a hot
// method cannot flood the log.
type Backend struct {
	logger  *zap.Logger
	level   zapcore.Level
	limiter *rate.Limiter
	dropped atomic.Int64
}

// Option configures a Backend
type Option func(*Backend)

// WithLevel sets the level for successful calls (default Info)
func WithLevel(level zapcore.Level) Option {
	return func(b *Backend) {
		b.level = level
	}
}

// WithRateLimit allows perSecond lines with the given burst. A zero rate
// removes the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Backend) {
		if perSecond <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a log backend writing to logger
func New(logger *zap.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		logger:  logger.Named("calls"),
		level:   zapcore.InfoLevel,
		limiter: rate.NewLimiter(1000, 100),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return Key }

func (b *Backend) Description() string {
	if b.limiter == nil {
		return fmt.Sprintf("zap log line per call at %s", b.level)
	}
	return fmt.Sprintf("zap log line per call at %s, at most %.0f/s", b.level, float64(b.limiter.Limit()))
}

func (b *Backend) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	return callmon.NewMonitorContext(ctx, site, nil), nil
}

func (b *Backend) Stop(mc *callmon.MonitorContext, result any) error {
	b.write(b.level, "Call completed", mc,
		zap.String("result_type", fmt.Sprintf("%T", result)))
	return nil
}

func (b *Backend) Exception(mc *callmon.MonitorContext, err error) error {
	b.write(zapcore.WarnLevel, "Call failed", mc,
		zap.String("outcome", callmon.Outcome(err)),
		zap.Error(err))
	return nil
}

// Dropped returns the number of lines suppressed by the rate limit
func (b *Backend) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Backend) write(level zapcore.Level, msg string, mc *callmon.MonitorContext, fields ...zap.Field) {
	ce := b.logger.Check(level, msg)
	if ce == nil {
		return
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.dropped.Add(1)
		return
	}
	ce.Write(append(fields,
		zap.String("owner", mc.Site.Owner),
		zap.String("member", mc.Site.Member),
		zap.Stringer("kind", mc.Site.Kind),
		zap.Duration("elapsed", mc.Elapsed()))...)
}
