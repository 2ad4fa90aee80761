package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/runflow-dev/workflow/manifest"
)

// Watcher reloads manifest.json whenever the bundler rewrites it during
// local development, so a running dev server picks up new step/workflow IDs
// without a restart.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string
}

// NewWatcher starts watching path's containing directory (fsnotify watches
// directories, not files, so it survives editors that rewrite the file by
// rename-and-replace rather than in-place write).
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{fsw: fsw, path: path}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Watch blocks, invoking onReload with the freshly parsed manifest each time
// path changes, until the watcher is closed. Errors from a
// malformed manifest are sent to onError rather than stopping the loop, so a
// transient partial write by the bundler doesn't kill the watcher.
func (w *Watcher) Watch(onReload func(*manifest.Manifest), onError func(error)) {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Name != w.path {
				continue
			}
			if !(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)) {
				continue
			}
			m, err := manifest.Load(w.path)
			if err != nil {
				onError(err)
				continue
			}
			onReload(m)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			onError(err)
		}
	}
}

