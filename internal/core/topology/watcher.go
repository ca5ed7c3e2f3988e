package topology

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

func NewConfigWatcher(path string, onChange func()) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		onChange: onChange,
	}
}

type ConfigWatcher struct {
	path     string
	onChange func()
}

// Watch blocks until ctx is done, invoking onChange (debounced) whenever
// the config file is written or replaced. The parent directory is watched
// because editors and config management tools replace files via rename.
func (cw *ConfigWatcher) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(cw.path)
	base := filepath.Base(cw.path)

	if err := w.Add(dir); err != nil {
		return err
	}

	var pending atomic.Bool
	trigger := func() {
		if pending.CompareAndSwap(false, true) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				cw.onChange()
				pending.Store(false)
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.Events:
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				trigger()
			}
		case <-w.Errors:
		}
	}
}
