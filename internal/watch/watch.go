// Package watch invalidates working-state renders when the project changes
// on disk. Event bursts (saves touch several files) are coalesced before the
// callback fires.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDelay = 350 * time.Millisecond

type Watcher struct {
	fsw      *fsnotify.Watcher
	delay    time.Duration
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
}

// New watches the given directories (non-recursively) and calls onChange
// after delay of quiet following a relevant event.
func New(dirs []string, delay time.Duration, onChange func()) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDelay
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("watching directory", slog.String("dir", dir))
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w := &Watcher{fsw: fsw, delay: delay, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignorePath(ev.Name) {
				continue
			}
			slog.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.onChange)
}

// ignorePath filters KiCad's lock and autosave droppings, which churn
// constantly while the editor is open without changing the saved design.
func ignorePath(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "_autosave-") || strings.HasPrefix(base, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".lck", ".lock", ".kicad_prl":
		return true
	}
	return false
}
