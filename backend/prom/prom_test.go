package prom

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/callmon"
)

var site = callmon.NewMethod("orders.Service", "Place", callmon.Public)

func newController(t *testing.T, b callmon.Backend) *callmon.Controller {
	t.Helper()
	r := callmon.NewRegistry()
	require.NoError(t, r.Register(Key, b))
	ctrl, err := callmon.NewController(r, callmon.WithBackend(Key))
	require.NoError(t, err)
	return ctrl
}

func TestBackend_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, err := New(reg, Options{Namespace: "shop"})
	require.NoError(t, err)
	ctrl := newController(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = ctrl.Intercept(ctx, site, func(context.Context) (any, error) { return nil, nil })
	}
	_, _ = ctrl.Intercept(ctx, site, func(context.Context) (any, error) { return nil, errors.New("nope") })

	assert.Equal(t, 3.0, testutil.ToFloat64(b.calls.WithLabelValues("orders.Service", "Place", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.calls.WithLabelValues("orders.Service", "Place", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.inFlight.WithLabelValues("orders.Service", "Place")))

	expected := `
# HELP shop_interceptor_calls_total Total intercepted calls by site and outcome
# TYPE shop_interceptor_calls_total counter
shop_interceptor_calls_total{member="Place",outcome="error",owner="orders.Service"} 1
shop_interceptor_calls_total{member="Place",outcome="ok",owner="orders.Service"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "shop_interceptor_calls_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(b.duration))
}

func TestBackend_InFlightWhileRunning(t *testing.T) {
	b, err := New(nil, Options{})
	require.NoError(t, err)
	ctrl := newController(t, b)

	_, _ = ctrl.Intercept(context.Background(), site, func(context.Context) (any, error) {
		assert.Equal(t, 1.0, testutil.ToFloat64(b.inFlight.WithLabelValues("orders.Service", "Place")))
		return nil, nil
	})
}

func TestNew_ReusesRegisteredVectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg, Options{Namespace: "shop"})
	require.NoError(t, err)
	second, err := New(reg, Options{Namespace: "shop"})
	require.NoError(t, err)

	assert.Same(t, first.calls, second.calls)
	assert.Equal(t, Key, second.Name())
}
