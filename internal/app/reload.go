package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"alertrelay/internal/config"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config source and calls reload after writes settle.
// Params: fsnotify watcher on the source directory, debounce and reload callback.
// Returns: background watcher driven by Run.
type Reloader struct {
	watcher  *fsnotify.Watcher
	source   config.ConfigSource
	debounce time.Duration
	reload   func() error
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewReloader creates a watcher for a config file or fragment directory.
// Editors replace files by rename, so a single file is watched through its directory.
func NewReloader(source config.ConfigSource, debounce time.Duration, reload func() error, logger *slog.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	dir := source.Dir
	if source.File != "" {
		dir = filepath.Dir(source.File)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", dir, err)
	}

	return &Reloader{
		watcher:  watcher,
		source:   source,
		debounce: debounce,
		reload:   reload,
		logger:   logger,
	}, nil
}

// Run processes watcher events until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()
	defer r.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if r.relevant(event) {
				r.schedule()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watcher error", "error", err.Error())
		}
	}
}

// relevant reports whether event touches the watched config.
func (r *Reloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	if r.source.File != "" {
		return filepath.Clean(event.Name) == filepath.Clean(r.source.File)
	}
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".toml", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		if err := r.reload(); err != nil {
			r.logger.Error("config reload rejected; keeping previous snapshot", "source", r.source.Path(), "error", err.Error())
			return
		}
		r.logger.Info("configuration reloaded", "source", r.source.Path())
	})
}

func (r *Reloader) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}
