package callmon

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry maps string keys to backends. The table is copy-on-write: writers
// serialize on a mutex and publish a new map, readers never lock.
type Registry struct {
	table  atomic.Pointer[map[string]Backend]
	mutex  sync.Mutex
	strict bool
	logger *zap.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// StrictRegistry makes Register fail on keys that are already present
func StrictRegistry() RegistryOption {
	return func(r *Registry) { r.strict = true }
}

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns a registry holding only the no-op backend
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	table := map[string]Backend{NoopKey: NoopBackend{}}
	r.table.Store(&table)
	return r
}

// Register adds backend under key. The last registration wins unless the
// registry is strict. The no-op key is reserved.
func (r *Registry) Register(key string, backend Backend) error {
	if key == "" {
		return fmt.Errorf("backend key cannot be empty")
	}
	if backend == nil {
		return fmt.Errorf("backend for key %q cannot be nil", key)
	}
	if key == NoopKey {
		return &DuplicateKeyError{Key: key}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	current := *r.table.Load()
	_, exists := current[key]
	if exists && r.strict {
		return &DuplicateKeyError{Key: key}
	}

	next := make(map[string]Backend, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = backend
	r.table.Store(&next)

	r.logger.Debug("Registered monitoring backend",
		zap.String("key", key),
		zap.Bool("replaced", exists))
	return nil
}

// Unregister removes key. Removing the no-op key or an absent key fails.
func (r *Registry) Unregister(key string) error {
	if key == NoopKey {
		return fmt.Errorf("backend key %q is reserved", key)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	current := *r.table.Load()
	if _, ok := current[key]; !ok {
		return &UnknownKeyError{Key: key}
	}
	next := make(map[string]Backend, len(current))
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	r.table.Store(&next)
	return nil
}

// Resolve returns the backend registered under key
func (r *Registry) Resolve(key string) (Backend, error) {
	backend, ok := (*r.table.Load())[key]
	if !ok {
		return nil, &UnknownKeyError{Key: key}
	}
	return backend, nil
}

// ListKeys returns the registered keys in sorted order
func (r *Registry) ListKeys() []string {
	table := *r.table.Load()
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered backends, the no-op one included
func (r *Registry) Len() int {
	return len(*r.table.Load())
}

// Describe maps every key to its backend description
func (r *Registry) Describe() map[string]string {
	table := *r.table.Load()
	out := make(map[string]string, len(table))
	for k, v := range table {
		out[k] = describeBackend(v)
	}
	return out
}
