package callmon

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// errAborted is reported to the exception hook when the wrapped call exits
// its goroutine via runtime.Goexit
var errAborted = errors.New("call aborted by runtime.Goexit")

// Intercept runs proceed under the active backend. The outcome of proceed,
// value, error or panic, reaches the caller unchanged. Backend failures are
// logged and never surface here.
func (c *Controller) Intercept(ctx context.Context, site CallSite, proceed func(context.Context) (any, error)) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snap := c.state.Load()
	if !snap.Enabled {
		return proceed(ctx)
	}

	mc := c.enter(ctx, snap, site)
	if mc == nil {
		return proceed(ctx)
	}
	return c.run(snap, mc, proceed)
}

func (c *Controller) enter(ctx context.Context, snap *ControlState, site CallSite) *MonitorContext {
	var mc *MonitorContext
	err := guard(func() error {
		var e error
		mc, e = snap.Backend.Start(ctx, site)
		return e
	})
	if err != nil {
		c.reportFailure(snap, "start", site, err)
		// a context alongside an error is a partial start; keep monitoring
		if mc == nil {
			return nil
		}
	}
	if mc == nil {
		mc = NewMonitorContext(ctx, site, nil)
	} else if mc.ctx == nil {
		mc.ctx = ctx
	}

	c.open.Add(1)
	c.calls.Add(1)
	if c.tracing.Load() {
		c.logger.Info("call entered",
			zap.Stringer("site", site),
			zap.String("backend", snap.ActiveKey))
	}
	return mc
}

func (c *Controller) run(snap *ControlState, mc *MonitorContext, proceed func(context.Context) (any, error)) (result any, err error) {
	closed := false
	defer func() {
		if closed {
			return
		}
		r := recover()
		if r == nil {
			c.exit(snap, mc, nil, errAborted)
			return
		}
		c.exit(snap, mc, nil, &PanicError{Value: r})
		panic(r)
	}()

	result, err = proceed(mc.Context())
	closed = true
	c.exit(snap, mc, result, err)
	return result, err
}

// exit closes mc exactly once: Stop on success, Exception otherwise
func (c *Controller) exit(snap *ControlState, mc *MonitorContext, result any, callErr error) {
	defer c.open.Add(-1)

	hook := "stop"
	hookErr := guard(func() error {
		if callErr != nil {
			hook = "exception"
			return snap.Backend.Exception(mc, callErr)
		}
		return snap.Backend.Stop(mc, result)
	})
	if hookErr != nil {
		c.reportFailure(snap, hook, mc.Site, hookErr)
	}

	if c.tracing.Load() {
		if callErr != nil {
			c.logger.Info("call failed",
				zap.Stringer("site", mc.Site),
				zap.Duration("elapsed", mc.Elapsed()),
				zap.Error(callErr))
		} else {
			c.logger.Info("call returned",
				zap.Stringer("site", mc.Site),
				zap.Duration("elapsed", mc.Elapsed()))
		}
	}
}

func (c *Controller) reportFailure(snap *ControlState, hook string, site CallSite, err error) {
	c.failures.Add(1)
	nerr := &BackendNotificationError{Backend: snap.ActiveKey, Hook: hook, Site: site, Err: err}
	c.logger.Warn("Monitoring backend hook failed",
		zap.String("backend", nerr.Backend),
		zap.String("hook", nerr.Hook),
		zap.Stringer("site", nerr.Site),
		zap.Error(nerr))
}

// Call intercepts fn with a typed result
func Call[T any](ctx context.Context, c *Controller, site CallSite, fn func(context.Context) (T, error)) (T, error) {
	out, err := c.Intercept(ctx, site, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	v, _ := out.(T)
	return v, err
}

// Do intercepts fn, which produces no result
func Do(ctx context.Context, c *Controller, site CallSite, fn func(context.Context) error) error {
	_, err := c.Intercept(ctx, site, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Wrap decorates fn when sel selects site. The selector is evaluated once;
// unselected functions are returned as they are.
func Wrap[T any](c *Controller, sel Selector, site CallSite, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	if !Evaluate(sel, site) {
		return fn
	}
	return func(ctx context.Context) (T, error) {
		return Call(ctx, c, site, fn)
	}
}
