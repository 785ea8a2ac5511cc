package callmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// recordingBackend counts hook calls and detects double closes
type recordingBackend struct {
	name string

	starts       atomic.Int64
	stops        atomic.Int64
	exceptions   atomic.Int64
	open         atomic.Int64
	doubleClosed atomic.Int64

	// failure injection, set before use
	startErr       error
	startPanic     bool
	stopErr        error
	stopPanic      bool
	exceptionErr   error
	exceptionPanic bool

	mutex      sync.Mutex
	lastResult any
	lastErr    error
}

func newRecordingBackend(name string) *recordingBackend {
	return &recordingBackend{name: name}
}

func (b *recordingBackend) Name() string        { return b.name }
func (b *recordingBackend) Description() string { return "recording backend " + b.name }

func (b *recordingBackend) Start(ctx context.Context, site CallSite) (*MonitorContext, error) {
	b.starts.Add(1)
	if b.startPanic {
		panic("start exploded")
	}
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.open.Add(1)
	return NewMonitorContext(ctx, site, new(atomic.Int32)), nil
}

func (b *recordingBackend) close(mc *MonitorContext) {
	closes := mc.Handle.(*atomic.Int32)
	if closes.Add(1) > 1 {
		b.doubleClosed.Add(1)
		return
	}
	b.open.Add(-1)
}

func (b *recordingBackend) Stop(mc *MonitorContext, result any) error {
	b.stops.Add(1)
	b.close(mc)
	b.mutex.Lock()
	b.lastResult = result
	b.mutex.Unlock()
	if b.stopPanic {
		panic("stop exploded")
	}
	return b.stopErr
}

func (b *recordingBackend) Exception(mc *MonitorContext, err error) error {
	b.exceptions.Add(1)
	b.close(mc)
	b.mutex.Lock()
	b.lastErr = err
	b.mutex.Unlock()
	if b.exceptionPanic {
		panic("exception exploded")
	}
	return b.exceptionErr
}

func (b *recordingBackend) last() (any, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.lastResult, b.lastErr
}

func (b *recordingBackend) hooks() int64 {
	return b.starts.Load() + b.stops.Load() + b.exceptions.Load()
}

// literalBackend builds its MonitorContext as a struct literal and records
// the context each Start receives
type literalBackend struct {
	NoopBackend
	name string

	mutex sync.Mutex
	seen  []context.Context
}

func (b *literalBackend) Name() string { return b.name }

func (b *literalBackend) Start(ctx context.Context, site CallSite) (*MonitorContext, error) {
	b.mutex.Lock()
	b.seen = append(b.seen, ctx)
	b.mutex.Unlock()
	return &MonitorContext{Site: site, Started: time.Now()}, nil
}

func (b *literalBackend) contexts() []context.Context {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]context.Context(nil), b.seen...)
}

// brokenDescription panics when asked to describe itself
type brokenDescription struct {
	NoopBackend
}

func (brokenDescription) Name() string        { return "broken" }
func (brokenDescription) Description() string { panic("no description") }
