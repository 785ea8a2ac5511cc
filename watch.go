package callmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reapplies the interceptor section of a config file whenever the
// file is written or replaced, so operators can flip monitoring or swap the
// backend by editing the file.
type Watcher struct {
	path    string
	control Control
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory holding path. Watching the directory
// rather than the file survives editors that save by rename.
func NewWatcher(path string, control Control, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		control: control,
		logger:  logger,
		watcher: fw,
	}, nil
}

// Run processes file events until ctx is cancelled or the watcher is closed
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Debug("Watching config file", zap.String("path", w.path))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if err := w.Reload(); err != nil {
		w.logger.Warn("Config reload failed", zap.String("path", w.path), zap.Error(err))
	}
}

// Reload reads the file and applies its interceptor section
func (w *Watcher) Reload() error {
	// editors truncate before writing; an empty file is not a config
	if info, err := os.Stat(w.path); err == nil && info.Size() == 0 {
		return fmt.Errorf("config %s is empty", w.path)
	}
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return err
	}
	if err := cfg.Interceptor.Apply(w.control); err != nil {
		return err
	}
	w.logger.Info("Applied config file",
		zap.String("path", w.path),
		zap.Bool("enabled", cfg.Interceptor.Enabled),
		zap.String("backend", w.control.ActiveBackendKey()))
	return nil
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
