package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/nikiz24/callmon"
)

var errOutOfStock = errors.New("out of stock")

// demoSites model a small order service
var demoSites = []callmon.CallSite{
	callmon.NewConstructor("demo/orders.Service", callmon.Public).WithMarkers(callmon.MarkerTrace),
	callmon.NewMethod("demo/orders.Service", "PlaceOrder", callmon.Public).WithParams(1).WithResult().WithMarkers(callmon.MarkerMonitor),
	callmon.NewMethod("demo/orders.Service", "GetTotal", callmon.Public).WithResult(),
	callmon.NewMethod("demo/orders.Service", "SetDiscount", callmon.Public).WithParams(1),
	callmon.NewMethod("demo/orders.repo", "save", callmon.Private).WithParams(1).WithResult(),
}

// simulated sleeps up to maxDelay and fails with the given probability
func simulated(maxDelay time.Duration, failure float64) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		select {
		case <-time.After(rand.N(maxDelay) + time.Microsecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if rand.Float64() < failure {
			return 0, errOutOfStock
		}
		return rand.IntN(1000), nil
	}
}

func runDemo(ctx context.Context, ctrl *callmon.Controller, sel callmon.Selector, interval time.Duration) error {
	calls := make([]func(context.Context) (int, error), len(demoSites))
	for i, site := range demoSites {
		calls[i] = callmon.Wrap(ctrl, sel, site, simulated(5*time.Millisecond, 0.1))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, call := range calls {
				_, _ = call(ctx)
			}
		}
	}
}
