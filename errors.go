package callmon

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKey          = errors.New("unknown backend key")
	ErrDuplicateKey        = errors.New("duplicate backend key")
	ErrBackendNotification = errors.New("backend notification failed")
)

// UnknownKeyError reports a lookup of a backend key that is not registered
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown backend key %q", e.Key)
}

func (e *UnknownKeyError) Is(target error) bool { return target == ErrUnknownKey }

// DuplicateKeyError is returned by strict registries and for the reserved no-op key
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("backend key %q already registered", e.Key)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

// BackendNotificationError wraps a failure raised by a backend hook. It is
// logged by the controller and never reaches the monitored code.
type BackendNotificationError struct {
	Backend string
	Hook    string
	Site    CallSite
	Err     error
}

func (e *BackendNotificationError) Error() string {
	return fmt.Sprintf("backend %s: %s hook for %s: %v", e.Backend, e.Hook, e.Site, e.Err)
}

func (e *BackendNotificationError) Unwrap() error { return e.Err }

func (e *BackendNotificationError) Is(target error) bool { return target == ErrBackendNotification }

// PanicError carries a panic value raised by a wrapped call to the
// exception hook. The controller re-panics with Value afterwards.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
