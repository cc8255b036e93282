package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"aquadrop/internal/merge"
	"aquadrop/internal/models"
	"aquadrop/internal/service"

	"github.com/sirupsen/logrus"
)

const snapshotSaveTimeout = 5 * time.Second

// SnapshotStore persists the latest view of tracked orders
type SnapshotStore interface {
	SaveOrderSnapshot(ctx context.Context, snap models.OrderSnapshot) error
	GetOrderSnapshot(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
}

// orderWatcher owns the trackers for the configured orders and keeps their
// stored snapshots current.
type orderWatcher struct {
	ctx    context.Context
	cm     *service.ChannelManager
	d      *service.Dispatcher
	store  SnapshotStore
	opts   merge.Options
	logger *logrus.Logger

	mu       sync.Mutex
	trackers map[string]*service.OrderTracker
}

// newOrderWatcher creates a watcher. store may be nil.
func newOrderWatcher(ctx context.Context, cm *service.ChannelManager, d *service.Dispatcher, store SnapshotStore, opts merge.Options, logger *logrus.Logger) *orderWatcher {
	return &orderWatcher{
		ctx:      ctx,
		cm:       cm,
		d:        d,
		store:    store,
		opts:     opts,
		logger:   logger,
		trackers: make(map[string]*service.OrderTracker),
	}
}

// Watch starts tracking an order. Watching an order twice is a no-op.
func (w *orderWatcher) Watch(orderID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.trackers[orderID]; ok {
		return nil
	}

	tracker, err := service.TrackOrder(w.ctx, w.cm, w.d, orderID, w.opts, w.logger)
	if err != nil {
		return err
	}
	if w.store != nil {
		tracker.OnUpdate(w.save)
	}
	w.trackers[orderID] = tracker
	w.logger.WithField(service.LogFieldOrderID, orderID).Info("Tracking order")
	return nil
}

// Unwatch stops tracking an order. The stored snapshot is kept.
func (w *orderWatcher) Unwatch(orderID string) {
	w.mu.Lock()
	tracker, ok := w.trackers[orderID]
	delete(w.trackers, orderID)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := tracker.Close(); err != nil {
		w.logger.WithError(err).WithField(service.LogFieldOrderID, orderID).Warn("Failed to stop order tracker")
	}
	w.logger.WithField(service.LogFieldOrderID, orderID).Info("Stopped tracking order")
}

// Apply adds and removes trackers after a configuration change
func (w *orderWatcher) Apply(added, removed []string) {
	for _, id := range removed {
		w.Unwatch(id)
	}
	for _, id := range added {
		if err := w.Watch(id); err != nil {
			w.logger.WithError(err).WithField(service.LogFieldOrderID, id).Error("Failed to track order")
		}
	}
}

// Watched returns the tracked order ids, sorted
func (w *orderWatcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.trackers))
	for id := range w.trackers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the live view of a tracked order, falling back to the
// stored one. found is false when neither exists.
func (w *orderWatcher) Snapshot(ctx context.Context, orderID string) (snap models.OrderSnapshot, found bool, err error) {
	w.mu.Lock()
	tracker, ok := w.trackers[orderID]
	w.mu.Unlock()
	if ok {
		return tracker.Snapshot(), true, nil
	}
	if w.store == nil {
		return models.OrderSnapshot{}, false, nil
	}
	stored, err := w.store.GetOrderSnapshot(ctx, orderID)
	if err != nil || stored == nil {
		return models.OrderSnapshot{}, false, err
	}
	return *stored, true, nil
}

// Close stops every tracker
func (w *orderWatcher) Close() {
	for _, id := range w.Watched() {
		w.Unwatch(id)
	}
}

func (w *orderWatcher) save(snap models.OrderSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
	defer cancel()
	if err := w.store.SaveOrderSnapshot(ctx, snap); err != nil {
		w.logger.WithError(err).WithField(service.LogFieldOrderID, snap.OrderID).Warn("Failed to store order snapshot")
	}
}
