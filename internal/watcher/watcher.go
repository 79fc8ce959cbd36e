// Package watcher keeps the bus's reserved-name list in sync with a file on disk.
package watcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const debounceInterval = 200 * time.Millisecond

// ReloadCallback is called after the reserved list has been reloaded.
type ReloadCallback func(count int)

// ReservedNames is a set of names the bus refuses to advertise.
// A line ending in '*' reserves every name with that prefix.
type ReservedNames struct {
	mu       sync.RWMutex
	exact    map[string]bool
	prefixes []string

	log      *zap.Logger
	callback ReloadCallback

	watchMu   sync.Mutex
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates an empty reserved-name set.
func New(log *zap.Logger, callback ReloadCallback) *ReservedNames {
	return &ReservedNames{
		exact:    make(map[string]bool),
		log:      log,
		callback: callback,
	}
}

// IsReserved reports whether name may not be advertised.
func (r *ReservedNames) IsReserved(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.exact[name] {
		return true
	}
	return lo.SomeBy(r.prefixes, func(p string) bool { return strings.HasPrefix(name, p) })
}

// Names returns the reserved entries, prefixes with their trailing '*'.
func (r *ReservedNames) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.exact)
	names = append(names, lo.Map(r.prefixes, func(p string, _ int) string { return p + "*" })...)
	sort.Strings(names)
	return names
}

// Set replaces the reserved entries.
func (r *ReservedNames) Set(entries []string) {
	exact := make(map[string]bool)
	var prefixes []string
	for _, e := range entries {
		if p, ok := strings.CutSuffix(e, "*"); ok {
			prefixes = append(prefixes, p)
			continue
		}
		exact[e] = true
	}

	r.mu.Lock()
	r.exact = exact
	r.prefixes = prefixes
	r.mu.Unlock()
}

// Load reads the reserved list from path.
func (r *ReservedNames) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open reserved names: %w", err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return fmt.Errorf("read reserved names %s: %w", path, err)
	}
	r.Set(entries)
	return nil
}

// Parse reads one entry per line, skipping blanks and '#' comments.
func Parse(rd io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, scanner.Err()
}

// Watch loads path and reloads it whenever it changes.
// The parent directory is watched so editors that replace the file are handled.
func (r *ReservedNames) Watch(path string) error {
	if err := r.Load(path); err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return err
	}

	r.watchMu.Lock()
	if r.fsWatcher != nil {
		close(r.cancel)
		r.fsWatcher.Close()
	}
	r.fsWatcher = fsW
	r.cancel = make(chan struct{})
	cancel := r.cancel
	r.watchMu.Unlock()

	go r.watchLoop(fsW, path, cancel)
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (r *ReservedNames) watchLoop(fsW *fsnotify.Watcher, path string, cancel chan struct{}) {
	var timer *time.Timer
	target := filepath.Clean(path)

	for {
		select {
		case <-cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				r.reload(path)
			})

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			r.log.Warn("reserved names watcher error", zap.String("path", path), zap.Error(err))
		}
	}
}

// reload rereads the file; a missing file clears the list.
func (r *ReservedNames) reload(path string) {
	if err := r.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("reserved names reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		r.Set(nil)
	}

	count := len(r.Names())
	r.log.Info("reserved names reloaded", zap.String("path", path), zap.Int("count", count))
	if r.callback != nil {
		r.callback(count)
	}
}

// Shutdown stops watching.
func (r *ReservedNames) Shutdown() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.fsWatcher != nil {
		close(r.cancel)
		r.fsWatcher.Close()
		r.fsWatcher = nil
	}
}
