// Package callmon intercepts selected calls, measures them and dispatches the
// results to a monitoring backend that can be swapped while calls are in flight.
//
// Design goals:
//   - Selection is a pure boolean algebra over call-site metadata
//   - Every monitored call is closed exactly once, whatever the call does
//   - The hot path reads one atomic snapshot and never takes a lock
//   - A failing backend loses data, never the monitored call's result
//
// Basic usage:
//
//	registry := callmon.NewRegistry()
//	registry.Register(callmon.MetricsKey, callmon.NewMetricsBackend(logger))
//
//	ctrl, err := callmon.NewController(registry,
//	  callmon.WithBackend(callmon.MetricsKey),
//	  callmon.WithLogger(logger))
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	site := callmon.NewMethod("orders.Service", "Place", callmon.Public).
//	  WithParams(1).WithResult().WithMarkers(callmon.MarkerMonitor)
//
//	place := callmon.Wrap(ctrl, callmon.Monitored, site, svc.Place)
//	order, err := place(ctx)
//
//	ctrl.SetActiveBackend("prometheus") // hot swap
//	ctrl.SetEnabled(false)              // total no-op from here on
//
// The global facade (Init, Intercept, Shutdown) wires a controller to a
// metrics Manager that pushes collector output with Prometheus remote write.
package callmon
