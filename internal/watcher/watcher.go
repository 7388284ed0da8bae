// Package watcher reloads config.yaml when it changes on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prismhq/prism/internal/config"
	log "github.com/sirupsen/logrus"
)

// defaultDebounce coalesces the burst of events editors emit on save.
const defaultDebounce = 200 * time.Millisecond

// ConfigWatcher re-reads the config file after writes and hands the result to a callback.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onChange func(config.Config)

	mu    sync.Mutex
	timer *time.Timer
}

// New constructs a watcher for configPath. onChange runs on the watcher goroutine.
func New(configPath string, onChange func(config.Config)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     filepath.Clean(configPath),
		debounce: defaultDebounce,
		onChange: onChange,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// atomic rename-on-save is seen.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	fsw, errWatcher := fsnotify.NewWatcher()
	if errWatcher != nil {
		return fmt.Errorf("watcher: create: %w", errWatcher)
	}
	defer func() { _ = fsw.Close() }()

	dir := filepath.Dir(w.path)
	if errAdd := fsw.Add(dir); errAdd != nil {
		return fmt.Errorf("watcher: watch %s: %w", dir, errAdd)
	}
	log.Debugf("watcher: watching %s", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case errEvent, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(errEvent).Warn("watcher: fsnotify error")
		}
	}
}

func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *ConfigWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *ConfigWatcher) reload() {
	cfg, errLoad := config.Load(w.path)
	if errLoad != nil {
		log.WithError(errLoad).Warn("watcher: ignoring unreadable config change")
		return
	}
	log.Infof("watcher: config reloaded from %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
