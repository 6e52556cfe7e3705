package changelog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// Watcher mirrors filesystem activity under a project root into a change
// log. Events are debounced per path so editor save bursts collapse into a
// single entry.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       Store
	root        string
	exclusions  []string
	debounceDur time.Duration
	debounceMap map[string]pendingChange
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

type pendingChange struct {
	kind types.ChangeKind
	at   time.Time
}

// NewWatcher creates a watcher over root feeding store. Exclusions use the
// same element/glob patterns as the context builder.
func NewWatcher(root string, store Store, exclusions []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:     fsw,
		store:       store,
		root:        root,
		exclusions:  exclusions,
		debounceDur: debounce,
		debounceMap: make(map[string]pendingChange),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start registers the directory tree and launches the event loop. It is
// non-blocking; Stop or context cancellation ends the loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	logging.Watcher("watching %s (%d dirs)", w.root, len(w.watcher.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and waits for it to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Watcher("error closing watcher: %v", err)
	}
	logging.Watcher("stopped")
}

// addTree registers root and every non-excluded subdirectory.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			name := d.Name()
			if strings.HasPrefix(name, ".") || w.excludedDir(name) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(path); err != nil {
			logging.Watcher("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) excludedDir(name string) bool {
	for _, pattern := range append([]string{"node_modules", "__pycache__", "vendor", ".git"}, w.exclusions...) {
		if name == pattern {
			return true
		}
	}
	return false
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	flushTicker := time.NewTicker(100 * time.Millisecond)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(true)
			return
		case <-w.stopCh:
			w.flush(true)
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Watcher("watch error: %v", err)
		case <-flushTicker.C:
			w.flush(false)
		}
	}
}

// handleEvent classifies one event and parks it in the debounce map. New
// directories join the watch set immediately.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	var kind types.ChangeKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = types.ChangeCreated
	case event.Op&fsnotify.Write != 0:
		kind = types.ChangeWritten
	case event.Op&fsnotify.Remove != 0:
		kind = types.ChangeRemoved
	case event.Op&fsnotify.Rename != 0:
		kind = types.ChangeRenamed
	default:
		return // chmod etc.
	}

	if kind == types.ChangeCreated {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.excludedDir(filepath.Base(event.Name)) && !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := w.addTree(event.Name); err != nil {
					logging.Watcher("cannot watch new dir %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return
	}

	w.mu.Lock()
	w.debounceMap[rel] = pendingChange{kind: kind, at: time.Now()}
	w.mu.Unlock()
}

// ignored filters paths the context builder would never include anyway.
func (w *Watcher) ignored(rel string) bool {
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, elem := range strings.Split(rel, "/") {
		if strings.HasPrefix(elem, ".") || w.excludedDir(elem) {
			return true
		}
	}
	return false
}

// flush writes settled entries to the store. force drains everything, used
// on shutdown so no observed change is lost.
func (w *Watcher) flush(force bool) {
	w.mu.Lock()
	now := time.Now()
	var settled []types.ChangeEntry
	for rel, pending := range w.debounceMap {
		if force || now.Sub(pending.at) >= w.debounceDur {
			settled = append(settled, types.ChangeEntry{
				Timestamp: pending.at,
				Kind:      pending.kind,
				Detail:    rel,
			})
			delete(w.debounceMap, rel)
		}
	}
	w.mu.Unlock()

	sort.Slice(settled, func(i, j int) bool {
		if !settled[i].Timestamp.Equal(settled[j].Timestamp) {
			return settled[i].Timestamp.Before(settled[j].Timestamp)
		}
		return settled[i].Detail < settled[j].Detail
	})
	for _, entry := range settled {
		if err := w.store.Append(entry); err != nil {
			logging.Watcher("cannot record %s %s: %v", entry.Kind, entry.Detail, err)
		} else {
			logging.Watcher("%s %s", entry.Kind, entry.Detail)
		}
	}
}
