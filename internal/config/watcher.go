package config

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/sched"
)

// ErrWatcherClosed is returned when operating on a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// Change is delivered after a burst of file events settles.
type Change struct {
	// Config is the reloaded configuration when the config file changed.
	Config *Config
	// Err is set when the changed config file failed to load. The
	// previous configuration remains in effect.
	Err error
	// VariantsChanged is set when a file in the variants directory was
	// written, created, removed or renamed.
	VariantsChanged bool
	// Paths lists the files that changed.
	Paths []string
}

// Handler receives changes.
type Handler func(Change)

// Watcher reloads the config file and reports variant manifest changes.
// Directories are watched rather than files so editors that save by
// rename are noticed.
type Watcher struct {
	configPath  string
	variantsDir string
	log         *logging.Logger

	fsw       *fsnotify.Watcher
	debouncer *sched.Debouncer

	mu       sync.Mutex
	handlers []Handler
	pending  map[string]bool
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches configPath and variantsDir; either may be empty.
// Bursts of events within debounce are delivered as one Change.
func NewWatcher(configPath, variantsDir string, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:     logging.OrNull(log).WithComponent("config-watcher"),
		fsw:     fsw,
		pending: make(map[string]bool),
		done:    make(chan struct{}),
	}
	w.debouncer = sched.NewDebouncer(debounce, w.flush)

	if configPath != "" {
		if w.configPath, err = filepath.Abs(configPath); err != nil {
			fsw.Close()
			return nil, err
		}
		if err := fsw.Add(filepath.Dir(w.configPath)); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if variantsDir != "" {
		if w.variantsDir, err = filepath.Abs(variantsDir); err != nil {
			fsw.Close()
			return nil, err
		}
		if err := fsw.Add(w.variantsDir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// OnChange registers a handler. Handlers run on the debouncer's
// goroutine, one change at a time.
func (w *Watcher) OnChange(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Close stops watching and waits for in-flight handlers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	w.debouncer.Close()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	path, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}
	if !w.relevant(path) {
		return
	}

	w.log.Debug("%s %s", ev.Op, path)
	w.mu.Lock()
	w.pending[path] = true
	w.mu.Unlock()
	w.debouncer.Call()
}

func (w *Watcher) relevant(path string) bool {
	if w.configPath != "" && path == w.configPath {
		return true
	}
	if w.variantsDir == "" || filepath.Dir(path) != w.variantsDir {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".lua":
		return true
	}
	return false
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	slices.Sort(paths)
	handlers := append([]Handler(nil), w.handlers...)
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	change := Change{Paths: paths}
	for _, p := range paths {
		if p == w.configPath {
			change.Config, change.Err = Load(w.configPath)
			if change.Err != nil {
				w.log.Warn("reload %s: %v", w.configPath, change.Err)
			}
		} else {
			change.VariantsChanged = true
		}
	}

	for _, h := range handlers {
		h(change)
	}
}
