package callmon

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ControlState is the process-wide switchboard read by every intercepted
// call. Published values are never mutated; writers store a fresh copy.
type ControlState struct {
	Enabled   bool
	ActiveKey string
	Backend   Backend
}

// Control is the management surface of a controller. All methods are safe
// to call while intercepted calls are in flight.
type Control interface {
	IsEnabled() bool
	SetEnabled(enabled bool)
	IsTracing() bool
	SetTracing(enabled bool)
	ActiveBackendKey() string
	SetActiveBackend(key string) error
	ActiveBackendDescription() string
	ListValidBackendKeys() string
	ValidBackendKeys() []string
	Purpose() string
	SetPurpose(purpose string)
	Status() Status
}

// Status is an introspection snapshot of a controller
type Status struct {
	Purpose         string   `json:"purpose"`
	Enabled         bool     `json:"enabled"`
	Tracing         bool     `json:"tracing"`
	ActiveBackend   string   `json:"active_backend"`
	Description     string   `json:"description"`
	ValidBackends   []string `json:"valid_backends"`
	OpenContexts    int64    `json:"open_contexts"`
	Calls           int64    `json:"calls"`
	BackendFailures int64    `json:"backend_failures"`
}

// Controller wraps intercepted calls and owns the active backend
type Controller struct {
	registry *Registry
	logger   *zap.Logger

	state   atomic.Pointer[ControlState]
	tracing atomic.Bool
	purpose atomic.Pointer[string]
	// serializes writers; readers only load state
	mutex sync.Mutex

	open     atomic.Int64
	calls    atomic.Int64
	failures atomic.Int64
}

type controllerSettings struct {
	logger  *zap.Logger
	key     string
	enabled bool
	tracing bool
	purpose string
}

// ControllerOption configures a Controller
type ControllerOption func(*controllerSettings)

// WithLogger sets the logger used for backend failures and tracing output
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(s *controllerSettings) { s.logger = logger }
}

// WithBackend selects the initial backend key
func WithBackend(key string) ControllerOption {
	return func(s *controllerSettings) { s.key = key }
}

// WithEnabled sets the initial enabled flag
func WithEnabled(enabled bool) ControllerOption {
	return func(s *controllerSettings) { s.enabled = enabled }
}

// WithTracing sets the initial tracing flag
func WithTracing(enabled bool) ControllerOption {
	return func(s *controllerSettings) { s.tracing = enabled }
}

// WithPurpose sets the introspection label
func WithPurpose(purpose string) ControllerOption {
	return func(s *controllerSettings) { s.purpose = purpose }
}

// NewController creates an enabled controller using the no-op backend
// unless options say otherwise
func NewController(registry *Registry, opts ...ControllerOption) (*Controller, error) {
	settings := controllerSettings{key: NoopKey, enabled: true}
	for _, opt := range opts {
		opt(&settings)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if settings.logger == nil {
		settings.logger = zap.NewNop()
	}

	backend, err := registry.Resolve(settings.key)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		registry: registry,
		logger:   settings.logger,
	}
	c.state.Store(&ControlState{
		Enabled:   settings.enabled,
		ActiveKey: settings.key,
		Backend:   backend,
	})
	c.tracing.Store(settings.tracing)
	c.purpose.Store(&settings.purpose)
	return c, nil
}

// Registry returns the registry backing SetActiveBackend
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Snapshot returns the current control state
func (c *Controller) Snapshot() ControlState {
	return *c.state.Load()
}

// IsEnabled reports whether calls are being monitored
func (c *Controller) IsEnabled() bool {
	return c.state.Load().Enabled
}

// SetEnabled flips monitoring on or off for calls entered after the write
func (c *Controller) SetEnabled(enabled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	next := *c.state.Load()
	if next.Enabled == enabled {
		return
	}
	next.Enabled = enabled
	c.state.Store(&next)

	c.logger.Info("Call monitoring toggled", zap.Bool("enabled", enabled))
}

// IsTracing reports whether per-call trace lines are logged
func (c *Controller) IsTracing() bool {
	return c.tracing.Load()
}

// SetTracing toggles per-call trace lines. They are only written while
// monitoring itself is enabled.
func (c *Controller) SetTracing(enabled bool) {
	if c.tracing.Swap(enabled) != enabled {
		c.logger.Info("Call tracing toggled", zap.Bool("tracing", enabled))
	}
}

// ActiveBackendKey returns the key of the active backend
func (c *Controller) ActiveBackendKey() string {
	return c.state.Load().ActiveKey
}

// SetActiveBackend resolves key and publishes it as the active backend.
// On failure the previous backend stays active.
func (c *Controller) SetActiveBackend(key string) error {
	backend, err := c.registry.Resolve(key)
	if err != nil {
		c.logger.Warn("Rejected backend swap", zap.String("key", key), zap.Error(err))
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	next := *c.state.Load()
	previous := next.ActiveKey
	next.ActiveKey = key
	next.Backend = backend
	c.state.Store(&next)

	c.logger.Info("Swapped monitoring backend",
		zap.String("from", previous),
		zap.String("to", key))
	return nil
}

// ActiveBackendDescription describes the active backend
func (c *Controller) ActiveBackendDescription() string {
	s := c.state.Load()
	return s.ActiveKey + ": " + describeBackend(s.Backend)
}

// ListValidBackendKeys returns the registered keys as a comma separated list
func (c *Controller) ListValidBackendKeys() string {
	return strings.Join(c.registry.ListKeys(), ", ")
}

// ValidBackendKeys returns the registered keys in sorted order
func (c *Controller) ValidBackendKeys() []string {
	return c.registry.ListKeys()
}

// Purpose returns the free text label of this controller
func (c *Controller) Purpose() string {
	return *c.purpose.Load()
}

// SetPurpose replaces the free text label
func (c *Controller) SetPurpose(purpose string) {
	c.purpose.Store(&purpose)
}

// OpenContexts returns the number of calls entered but not yet closed
func (c *Controller) OpenContexts() int64 {
	return c.open.Load()
}

// Status returns an introspection snapshot
func (c *Controller) Status() Status {
	s := c.state.Load()
	return Status{
		Purpose:         c.Purpose(),
		Enabled:         s.Enabled,
		Tracing:         c.IsTracing(),
		ActiveBackend:   s.ActiveKey,
		Description:     describeBackend(s.Backend),
		ValidBackends:   c.registry.ListKeys(),
		OpenContexts:    c.open.Load(),
		Calls:           c.calls.Load(),
		BackendFailures: c.failures.Load(),
	}
}

var _ Control = (*Controller)(nil)
