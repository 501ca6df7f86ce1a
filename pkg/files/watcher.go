package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
)

// debounceDelay coalesces event bursts (a build writing hundreds of files)
// into one re-scan.
const debounceDelay = 500 * time.Millisecond

// deepLists carry their metadata inside subdirectories, so the watcher
// tracks those too; a metadata.yaml written into an existing directory
// never raises an event on the root itself.
var deepLists = map[string]bool{
	ListBootImages:    true,
	ListIPXEBuilds:    true,
	ListWimbootBuilds: true,
}

// Watcher turns filesystem events under the inventory roots into re-scan
// triggers for the matching list.
type Watcher struct {
	fs      *fsnotify.Watcher
	scanner *Scanner
	trigger func(list string)
	roots   map[string]string // watched dir -> list name

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
}

// NewWatcher builds a watcher over every inventory root. trigger is called
// with the list name, debounced, from the watcher's own goroutine.
func NewWatcher(scanner *Scanner, trigger func(list string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w := &Watcher{
		fs:      fsw,
		scanner: scanner,
		trigger: trigger,
		roots:   make(map[string]string),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	for _, list := range ListNames {
		root := scanner.Root(list)
		if err := w.watchDir(root, list); err != nil {
			fsw.Close()
			return nil, err
		}
		if !deepLists[list] {
			continue
		}
		dirents, err := os.ReadDir(root)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
		for _, de := range dirents {
			if !de.IsDir() {
				continue
			}
			if err := w.watchDir(filepath.Join(root, de.Name()), list); err != nil {
				logger.Warn("failed to watch build directory", "dir", de.Name(), "error", err)
			}
		}
	}
	return w, nil
}

func (w *Watcher) watchDir(dir, list string) error {
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.roots[dir] = list
	w.mu.Unlock()
	return nil
}

// Start launches the event loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop closes the underlying watcher and waits for the loop to exit.
// Pending debounce timers are left to fire; their triggers are no-ops on a
// stopped provider.
func (w *Watcher) Stop() {
	w.fs.Close()
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	list, ok := w.listFor(ev.Name)
	if !ok {
		return
	}
	// New build directories get their own watch so the later
	// metadata write is seen.
	if ev.Op.Has(fsnotify.Create) && deepLists[list] {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if filepath.Dir(ev.Name) == w.scanner.Root(list) {
				if err := w.watchDir(ev.Name, list); err != nil {
					logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
				}
			}
		}
	}
	w.kick(list)
}

// listFor maps an event path to the list owning it by walking up to a
// watched directory.
func (w *Watcher) listFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if list, ok := w.roots[dir]; ok {
			return list, true
		}
		if dir == filepath.Dir(dir) {
			return "", false
		}
	}
}

// kick schedules a debounced trigger for the list.
func (w *Watcher) kick(list string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[list]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.pending[list] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, list)
		w.mu.Unlock()
		w.trigger(list)
	})
}
