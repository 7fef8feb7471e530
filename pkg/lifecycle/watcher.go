package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/observability"
)

// watcher reports changed plugin install directories, debounced per plugin
type watcher struct {
	fs       *fsnotify.Watcher
	root     string
	debounce time.Duration
	changed  func(pluginID string)
	log      *logrus.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	done   chan struct{}
}

// newWatcher watches root and every plugin directory below it
func newWatcher(root string, debounce time.Duration, changed func(string), log *logrus.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch install root: %w", err)
	}

	w := &watcher{
		fs:       fsw,
		root:     root,
		debounce: debounce,
		changed:  changed,
		log:      log,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to read install root: %w", err)
	}
	for _, d := range dirs {
		if d.IsDir() && pluginDirName(d.Name()) {
			w.add(filepath.Join(root, d.Name()))
		}
	}

	go w.run()
	log.Debugf("Watching %s for plugin changes", root)
	return w, nil
}

func (w *watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		w.log.Warnf("Failed to watch %s: %v", dir, err)
	}
}

func (w *watcher) run() {
	defer close(w.done)
	defer observability.RecoverPanic(w.log, "plugin watcher")

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("Plugin watcher error: %v", err)
		}
	}
}

// handle maps an event to a plugin id. A new directory in the root is a
// promoted install; a written manifest.json is a changed install.
func (w *watcher) handle(ev fsnotify.Event) {
	dir, name := filepath.Split(ev.Name)
	dir = filepath.Clean(dir)

	if dir == w.root {
		if !pluginDirName(name) || !ev.Has(fsnotify.Create) {
			return
		}
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.add(ev.Name)
			w.schedule(name)
		}
		return
	}

	if name != bpkg.ManifestName || filepath.Dir(dir) != w.root {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if id := filepath.Base(dir); pluginDirName(id) {
		w.schedule(id)
	}
}

// schedule calls changed for pluginID once events for it stop for the
// debounce period
func (w *watcher) schedule(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if t, ok := w.timers[pluginID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[pluginID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, pluginID)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.changed(pluginID)
		}
	})
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()

	w.fs.Close()
	<-w.done
}
