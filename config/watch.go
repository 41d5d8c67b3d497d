package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// Watcher reloads a Config from disk whenever its backing file changes
// and republishes validated snapshots on Updates. The teacher's go.mod
// declared fsnotify without any file watching it; this is where it is
// put to use, per SPEC_FULL.md §10.3's hot-reload requirement.
type Watcher struct {
	path    string
	version string

	// Updates carries a freshly loaded, validated Config after every
	// change to path. Buffered by one so a reload that races a slow
	// consumer coalesces instead of blocking the watch loop.
	Updates chan *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path's parent directory for changes and
// returns the Watcher. Close stops it.
func NewWatcher(path, version string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		version: version,
		Updates: make(chan *Config, 1),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(w.path, w.version)
			if err != nil {
				zlog.Warn("config reload failed", "path", w.path, "error", err.Error())
				continue
			}

			select {
			case w.Updates <- cfg:
			default:
				// Drop the previous unread snapshot in favor of this one.
				select {
				case <-w.Updates:
				default:
				}
				w.Updates <- cfg
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("config watcher error", "error", err.Error())
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher and releases its underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
