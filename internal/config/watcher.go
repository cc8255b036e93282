package config

import (
	"context"
	"os"
	"sync"
	"time"

	"aquadrop/internal/models"

	"github.com/sirupsen/logrus"
)

// Watcher polls the configuration file and reloads it when it changes.
// Only settings that are safe to change at runtime are expected to take
// effect: the log level and the watched orders.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	modTime   time.Time
	callbacks []func(old, current *models.Config)
}

// NewWatcher creates a watcher for a configuration that was already loaded
func NewWatcher(path string, initial *models.Config, interval time.Duration, logger *logrus.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	w := &Watcher{path: path, interval: interval, logger: logger, config: initial}
	if stat, err := os.Stat(path); err == nil {
		w.modTime = stat.ModTime()
	}
	return w
}

// Config returns the current configuration
func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(fn func(old, current *models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run polls until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.WithField("path", w.path).Info("Configuration watcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if its modification time moved forward. It reports
// whether a new configuration was applied.
func (w *Watcher) Check() bool {
	stat, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to stat configuration file")
		return false
	}

	w.mu.RLock()
	unchanged := !stat.ModTime().After(w.modTime)
	w.mu.RUnlock()
	if unchanged {
		return false
	}

	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration")
		return false
	}

	w.mu.Lock()
	w.modTime = stat.ModTime()
	old := w.config
	w.config = next
	callbacks := make([]func(old, current *models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logChanges(old, next)
	for _, cb := range callbacks {
		w.safeCall(cb, old, next)
	}
	return true
}

func (w *Watcher) safeCall(cb func(old, current *models.Config), old, next *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(old, next)
}

func (w *Watcher) logChanges(old, next *models.Config) {
	if old == nil {
		return
	}
	if old.LogLevel != next.LogLevel {
		w.logger.WithFields(logrus.Fields{"old": old.LogLevel, "new": next.LogLevel}).Info("Log level changed")
	}
	added, removed := DiffWatched(old.Orders.Watch, next.Orders.Watch)
	if len(added) > 0 || len(removed) > 0 {
		w.logger.WithFields(logrus.Fields{"added": added, "removed": removed}).Info("Watched orders changed")
	}
	if old.Pusher.AppKey != next.Pusher.AppKey || old.Backend.APIBaseURL != next.Backend.APIBaseURL {
		w.logger.Warn("Connection settings changed; restart required to apply")
	}
}

// DiffWatched returns the order ids present only in next and only in old
func DiffWatched(old, next []string) (added, removed []string) {
	inOld := make(map[string]bool, len(old))
	for _, id := range old {
		inOld[id] = true
	}
	inNext := make(map[string]bool, len(next))
	for _, id := range next {
		inNext[id] = true
		if !inOld[id] {
			added = append(added, id)
		}
	}
	for _, id := range old {
		if !inNext[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
