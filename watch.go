package frpauth

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reloads the policy when its file changes. Call Cancel to stop.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	target  string
	done    chan struct{}
}

// Target is the resolved path being watched.
func (fw *FileWatcher) Target() string {
	return fw.target
}

// Cancel stops the watcher and waits for its goroutine to exit.
func (fw *FileWatcher) Cancel() {
	_ = fw.watcher.Close()
	<-fw.done
}

// WatchFile watches the directory holding the policy file's real path and
// calls Reload whenever that file is written or replaced. Events for other
// files in the directory are ignored. The path is resolved once, when the
// watch starts.
func (r *Reloader) WatchFile() (*FileWatcher, error) {
	target := realPath(r.Path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(target)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	fw := &FileWatcher{watcher: w, target: target, done: make(chan struct{})}

	go func() {
		defer close(fw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if realPath(ev.Name) != target {
					continue
				}
				r.Logger.Debug("policy file changed", "path", ev.Name, "op", ev.Op.String())
				_, _ = r.Reload(TriggerFile)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.Logger.Warn("policy watcher error", "error", err)
			}
		}
	}()

	r.Logger.Info("watching policy file for changes", "path", target)
	return fw, nil
}

// realPath resolves symlinks, falling back to the absolute path when the
// file does not exist (e.g. mid-rename).
func realPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
