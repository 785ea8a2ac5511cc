package callmon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend is a pluggable monitoring strategy. The controller calls Start once
// per intercepted call and then exactly one of Stop or Exception with the
// context Start returned. Hooks may be called concurrently from many
// goroutines; a single MonitorContext is only ever touched by one.
type Backend interface {
	// Name is the backend's conventional registry key
	Name() string
	// Description is a human readable summary for introspection
	Description() string
	Start(ctx context.Context, site CallSite) (*MonitorContext, error)
	Stop(mc *MonitorContext, result any) error
	Exception(mc *MonitorContext, err error) error
}

// MonitorContext represents one in-flight invocation. It is owned by the
// goroutine running the intercepted call and never escapes that call.
type MonitorContext struct {
	Site    CallSite
	Started time.Time
	// Handle is opaque backend state such as a timer or span
	Handle any

	ctx context.Context
}

// NewMonitorContext starts the clock for site. ctx is handed to the wrapped
// call, so backends that propagate state (spans) pass their derived context.
func NewMonitorContext(ctx context.Context, site CallSite, handle any) *MonitorContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MonitorContext{
		Site:    site,
		Started: time.Now(),
		Handle:  handle,
		ctx:     ctx,
	}
}

// Context returns the context the wrapped call runs with. A context built
// as a struct literal runs with context.Background.
func (mc *MonitorContext) Context() context.Context {
	if mc.ctx == nil {
		return context.Background()
	}
	return mc.ctx
}

// Elapsed returns the time since the call was entered
func (mc *MonitorContext) Elapsed() time.Duration {
	return time.Since(mc.Started)
}

// Outcome classifies how a call ended
func Outcome(err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "panic"
	default:
		return "error"
	}
}

// NoopKey is the reserved registry key of the no-op backend
const NoopKey = "noop"

// NoopBackend records nothing
type NoopBackend struct{}

func (NoopBackend) Name() string        { return NoopKey }
func (NoopBackend) Description() string { return "no-op backend, records nothing" }

func (NoopBackend) Start(ctx context.Context, site CallSite) (*MonitorContext, error) {
	return NewMonitorContext(ctx, site, nil), nil
}

func (NoopBackend) Stop(*MonitorContext, any) error        { return nil }
func (NoopBackend) Exception(*MonitorContext, error) error { return nil }

// Fanout notifies several backends for every call. Each child gets its own
// MonitorContext; a failing child does not keep the others from being notified.
type Fanout struct {
	name     string
	children []Backend
}

// NewFanout composes children under one name
func NewFanout(name string, children ...Backend) *Fanout {
	return &Fanout{name: name, children: append([]Backend(nil), children...)}
}

func (f *Fanout) Name() string { return f.name }

func (f *Fanout) Description() string {
	parts := make([]string, len(f.children))
	for i, c := range f.children {
		parts[i] = c.Name()
	}
	return "fanout to [" + strings.Join(parts, ", ") + "]"
}

func (f *Fanout) Start(ctx context.Context, site CallSite) (*MonitorContext, error) {
	childCtx := ctx
	contexts := make([]*MonitorContext, len(f.children))
	var errs []error
	for i, child := range f.children {
		var mc *MonitorContext
		err := guard(func() error {
			var e error
			mc, e = child.Start(childCtx, site)
			return e
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", child.Name(), err))
			continue
		}
		if mc == nil {
			mc = NewMonitorContext(childCtx, site, nil)
		} else if mc.ctx == nil {
			mc.ctx = childCtx
		}
		contexts[i] = mc
		childCtx = mc.Context()
	}
	return NewMonitorContext(childCtx, site, contexts), errors.Join(errs...)
}

func (f *Fanout) Stop(mc *MonitorContext, result any) error {
	return f.each(mc, func(child Backend, cmc *MonitorContext) error {
		return child.Stop(cmc, result)
	})
}

func (f *Fanout) Exception(mc *MonitorContext, err error) error {
	return f.each(mc, func(child Backend, cmc *MonitorContext) error {
		return child.Exception(cmc, err)
	})
}

// each closes children in reverse start order
func (f *Fanout) each(mc *MonitorContext, fn func(Backend, *MonitorContext) error) error {
	contexts, _ := mc.Handle.([]*MonitorContext)
	var errs []error
	for i := len(contexts) - 1; i >= 0; i-- {
		if contexts[i] == nil {
			continue
		}
		child := f.children[i]
		if err := guard(func() error { return fn(child, contexts[i]) }); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", child.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// guard runs a backend hook, converting a panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}

// describeBackend returns b's description, or a placeholder when Description panics
func describeBackend(b Backend) string {
	var desc string
	if err := guard(func() error {
		desc = b.Description()
		return nil
	}); err != nil {
		return "description unavailable: " + err.Error()
	}
	return desc
}
