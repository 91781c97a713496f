package manifest

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a manifest file whenever it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewWatcher starts watching path. The parent directory is watched so that
// editors replacing the file are noticed too.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "resolve manifest path")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}
	return &Watcher{path: abs, watcher: fw, logger: logger.Named("watcher")}, nil
}

// Run calls apply with every successfully parsed version of the file until
// ctx is canceled. Parse and apply errors are logged and do not stop it.
func (w *Watcher) Run(ctx context.Context, apply func(context.Context, *Manifest) error) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m, err := Load(w.path)
			if err != nil {
				w.logger.Warn("manifest reload skipped", zap.Error(err))
				continue
			}
			w.logger.Info("manifest changed", zap.String("path", w.path), zap.Int("components", len(m.Components)))
			if err := apply(ctx, m); err != nil {
				w.logger.Warn("manifest reload failed", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Close stops watching without waiting for Run.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
