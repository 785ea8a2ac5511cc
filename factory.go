package callmon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Global engine instance
var (
	globalManager    Manager
	globalRegistry   *Registry
	globalController *Controller
	globalMetrics    *MetricsBackend
	globalMutex      sync.RWMutex
	initOnce         sync.Once
)

// Init builds the global engine: a registry holding the no-op and metrics
// backends plus any extra backends (registered under their Name), a
// controller configured from config.Interceptor, and a metrics manager
// pushing collector output to the remote write endpoint.
func Init(config Config, backends ...Backend) error {
	var initErr error

	initOnce.Do(func() {
		var opts []RegistryOption
		if config.Interceptor.StrictRegistry {
			opts = append(opts, StrictRegistry())
		}
		opts = append(opts, WithRegistryLogger(config.Logger))
		registry := NewRegistry(opts...)

		metricsBackend := NewMetricsBackend(config.Logger)
		if err := registry.Register(MetricsKey, metricsBackend); err != nil {
			initErr = err
			return
		}
		for _, b := range backends {
			if err := registry.Register(b.Name(), b); err != nil {
				initErr = fmt.Errorf("register backend %s: %w", b.Name(), err)
				return
			}
		}

		backendKey := config.Interceptor.Backend
		if backendKey == "" {
			backendKey = NoopKey
		}
		ctrl, err := NewController(registry,
			WithLogger(config.Logger),
			WithBackend(backendKey),
			WithEnabled(config.Interceptor.Enabled),
			WithTracing(config.Interceptor.Tracing),
			WithPurpose(config.Interceptor.Purpose))
		if err != nil {
			initErr = fmt.Errorf("create controller: %w", err)
			return
		}

		mgr, err := NewManager(config)
		if err != nil {
			initErr = err
			return
		}
		for _, c := range metricsBackend.Collectors() {
			mgr.RegisterCollector(c)
		}
		mgr.RegisterCollector(NewControllerCollector(ctrl, config.Logger))

		if err := mgr.Start(); err != nil {
			initErr = err
			return
		}

		globalMutex.Lock()
		globalManager = mgr
		globalRegistry = registry
		globalController = ctrl
		globalMetrics = metricsBackend
		globalMutex.Unlock()

		if config.Logger != nil {
			config.Logger.Info("call monitoring initialized",
				zap.String("namespace", config.Namespace),
				zap.String("service", config.ServiceName),
				zap.String("backend", backendKey),
				zap.Bool("enabled", config.Interceptor.Enabled))
		}
	})

	// a failed Init leaves nothing behind, so the next one may try again
	if initErr != nil {
		globalMutex.Lock()
		initOnce = sync.Once{}
		globalMutex.Unlock()
	}
	return initErr
}

// Default returns the global controller, or nil before Init
func Default() *Controller {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalController
}

// DefaultMetrics returns the global metrics backend, or nil before Init
func DefaultMetrics() *MetricsBackend {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalMetrics
}

// Intercept runs proceed under the global controller. Before Init it simply
// runs proceed.
func Intercept(ctx context.Context, site CallSite, proceed func(context.Context) (any, error)) (any, error) {
	if c := Default(); c != nil {
		return c.Intercept(ctx, site, proceed)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return proceed(ctx)
}

// RegisterBackend adds a backend to the global registry
func RegisterBackend(key string, backend Backend) error {
	globalMutex.RLock()
	registry := globalRegistry
	globalMutex.RUnlock()

	if registry == nil {
		return fmt.Errorf("global monitor is not initialized")
	}
	return registry.Register(key, backend)
}

// RegisterCollector registers a custom metrics collector
func RegisterCollector(collector Collector) error {
	globalMutex.RLock()
	mgr := globalManager
	globalMutex.RUnlock()

	if mgr == nil {
		return fmt.Errorf("global monitor is not initialized")
	}
	mgr.RegisterCollector(collector)
	return nil
}

// Shutdown stops the global engine. A later Init starts a fresh one.
func Shutdown() {
	globalMutex.Lock()
	mgr := globalManager
	globalManager = nil
	globalRegistry = nil
	globalController = nil
	globalMetrics = nil
	initOnce = sync.Once{}
	globalMutex.Unlock()

	if mgr != nil {
		mgr.Stop()
	}
}

// HealthCheck performs a health check on the monitoring system
func HealthCheck() error {
	if Default() == nil {
		return fmt.Errorf("monitor system not initialized")
	}
	return nil
}

// GetStatus returns the current status of the monitoring system
func GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	c := Default()
	if c == nil {
		status["initialized"] = false
		status["error"] = "monitor system not initialized"
		return status
	}

	s := c.Status()
	status["initialized"] = true
	status["purpose"] = s.Purpose
	status["enabled"] = s.Enabled
	status["tracing"] = s.Tracing
	status["active_backend"] = s.ActiveBackend
	status["valid_backends"] = s.ValidBackends
	status["open_contexts"] = s.OpenContexts
	status["calls"] = s.Calls
	status["backend_failures"] = s.BackendFailures
	return status
}

// ForceWrite immediately writes all current metrics to the remote endpoint
func ForceWrite() error {
	globalMutex.RLock()
	mgr := globalManager
	globalMutex.RUnlock()

	if mgr == nil {
		return fmt.Errorf("monitor system not initialized")
	}
	if impl, ok := mgr.(*managerImpl); ok {
		return impl.writeMetrics()
	}
	return fmt.Errorf("unable to force write: implementation not available")
}

// RefreshConnection re-resolves the remote write host and recreates the
// client when its addresses changed
func RefreshConnection() error {
	globalMutex.RLock()
	mgr := globalManager
	globalMutex.RUnlock()

	if mgr == nil {
		return fmt.Errorf("monitor system not initialized")
	}
	if impl, ok := mgr.(*managerImpl); ok {
		impl.RefreshDNS(true)
		return nil
	}
	return fmt.Errorf("unable to refresh connection: implementation not available")
}
