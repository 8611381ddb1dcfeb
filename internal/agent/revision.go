// internal/agent/revision.go
package agent

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Revisions combines independent generation counters into one snapshot
// integer. When the snapshot changes, the supervised subprocess must be
// recreated.
type Revisions struct {
	credentials atomic.Int64
	workDir     atomic.Int64
}

func (r *Revisions) BumpCredentials() {
	r.credentials.Add(1)
}

func (r *Revisions) BumpWorkDir() {
	r.workDir.Add(1)
}

// Snapshot packs both generations into a single opaque integer.
func (r *Revisions) Snapshot() int64 {
	return r.credentials.Load()<<32 | (r.workDir.Load() & 0xffffffff)
}

// WatchCredentials bumps the credentials generation whenever the file at
// path changes on disk. The parent directory is watched because credential
// files are typically replaced atomically via rename. Returns a close
// function.
func WatchCredentials(path string, revs *Revisions) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts of writes into one bump.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					revs.BumpCredentials()
					slog.Info("credentials changed, agent will restart on next call", "path", path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("credential watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
