package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/merge"
	"aquadrop/internal/models"

	"github.com/sirupsen/logrus"
)

// OrderChannel returns the realtime channel of an order
func OrderChannel(orderID string) string {
	return constants.OrderChannelPrefix + orderID
}

// OrderTracker follows one order's channel and keeps its current view:
// timeline, offers, status, assigned driver and latest driver location.
type OrderTracker struct {
	orderID models.ID
	scope   *Scope
	logger  *logrus.Logger

	mu        sync.Mutex
	timeline  *merge.List[*models.OrderEvent]
	offers    []models.Offer
	offerIdx  map[models.ID]int
	status    string
	statusAt  time.Time
	driverID  models.ID
	driverAt  time.Time
	location  *models.DriverLocation
	listeners []func(models.OrderSnapshot)
}

// TrackOrder subscribes to the order channel. opts configures timeline dedup
// and is normally MessageServiceConfig.MergeOptions. The tracker stops when
// ctx is done or Close is called.
func TrackOrder(ctx context.Context, cm *ChannelManager, d *Dispatcher, orderID string, opts merge.Options, logger *logrus.Logger) (*OrderTracker, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "order id is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	t := &OrderTracker{
		orderID:  models.ID(orderID),
		scope:    NewScope(ctx),
		logger:   logger,
		timeline: merge.NewList[*models.OrderEvent](opts),
		offerIdx: make(map[models.ID]int),
	}

	h, err := t.scope.Acquire(cm, OrderChannel(orderID))
	if err != nil {
		_ = t.scope.Close()
		return nil, err
	}
	h.OnError(func(err error) {
		logger.WithError(err).WithField(LogFieldOrderID, orderID).Warn("Order channel subscription failed")
	})
	if _, err := t.scope.On(d, h, AnyEvent, t.handle); err != nil {
		_ = t.scope.Close()
		return nil, err
	}
	return t, nil
}

func (t *OrderTracker) OrderID() models.ID { return t.orderID }

// OnUpdate registers fn to receive a snapshot after every applied event
func (t *OrderTracker) OnUpdate(fn func(models.OrderSnapshot)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Close releases the channel and the binding
func (t *OrderTracker) Close() error {
	return t.scope.Close()
}

// Snapshot returns a copy of the current view
func (t *OrderTracker) Snapshot() models.OrderSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *OrderTracker) snapshotLocked() models.OrderSnapshot {
	snap := models.OrderSnapshot{
		OrderID:  t.orderID,
		Status:   t.status,
		StatusAt: t.statusAt,
		DriverID: t.driverID,
		Offers:   append([]models.Offer(nil), t.offers...),
		Timeline: make([]models.OrderEvent, 0, t.timeline.Len()),
	}
	for _, e := range t.timeline.Items() {
		snap.Timeline = append(snap.Timeline, *e)
	}
	if t.location != nil {
		loc := *t.location
		snap.DriverLocation = &loc
	}
	return snap
}

func (t *OrderTracker) handle(ev Event) {
	t.mu.Lock()
	changed := t.applyLocked(ev)
	var (
		snap      models.OrderSnapshot
		listeners []func(models.OrderSnapshot)
	)
	if changed {
		snap = t.snapshotLocked()
		listeners = t.listeners
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		LogFieldOrderID: t.orderID.String(),
		LogFieldEvent:   ev.Name(),
		"changed":       changed,
	}).Debug("Order event received")

	for _, fn := range listeners {
		fn(snap)
	}
}

// applyLocked folds ev into the view and reports whether anything changed
func (t *OrderTracker) applyLocked(ev Event) bool {
	switch e := ev.(type) {
	case *OfferEvent:
		if !e.Offer.OrderID.IsZero() && e.Offer.OrderID != t.orderID {
			return false
		}
		changed := t.addOffer(e.Offer)
		_, outcome := t.timeline.Apply(&models.OrderEvent{
			OrderID:    t.orderID,
			Name:       e.Name(),
			OfferID:    e.Offer.ID,
			DriverID:   e.Offer.DriverID,
			OccurredAt: e.Offer.CreatedAt,
		})
		return changed || outcome != merge.Ignored

	case *OrderStatusEvent:
		if e.OrderID != t.orderID {
			return false
		}
		_, outcome := t.timeline.Apply(&models.OrderEvent{
			ID:         e.EventID,
			OrderID:    t.orderID,
			Name:       e.Name(),
			Status:     e.Status,
			Note:       e.Note,
			OccurredAt: e.OccurredAt,
			Estimated:  e.Estimated,
		})
		changed := outcome != merge.Ignored
		// A redelivered event without a timestamp must not look newer.
		if e.Estimated && !changed {
			return false
		}
		if e.Status != "" && (t.statusAt.IsZero() || !e.OccurredAt.Before(t.statusAt)) && e.Status != t.status {
			t.status = e.Status
			t.statusAt = e.OccurredAt
			changed = true
		}
		return changed

	case *DriverAssignedEvent:
		if e.OrderID != t.orderID {
			return false
		}
		_, outcome := t.timeline.Apply(&models.OrderEvent{
			OrderID:    t.orderID,
			Name:       e.Name(),
			DriverID:   e.DriverID,
			Note:       e.DriverName,
			OccurredAt: e.OccurredAt,
			Estimated:  e.Estimated,
		})
		changed := outcome != merge.Ignored
		if e.Estimated && !changed {
			return false
		}
		if (t.driverAt.IsZero() || !e.OccurredAt.Before(t.driverAt)) && e.DriverID != t.driverID {
			t.driverID = e.DriverID
			t.driverAt = e.OccurredAt
			changed = true
		}
		return changed

	case *DriverLocationEvent:
		if !e.OrderID.IsZero() && e.OrderID != t.orderID {
			return false
		}
		if t.location != nil && !e.Location.RecordedAt.After(t.location.RecordedAt) {
			return false
		}
		loc := e.Location
		if loc.DriverID.IsZero() {
			loc.DriverID = t.driverID
		}
		t.location = &loc
		return true
	}
	return false
}

func (t *OrderTracker) addOffer(o models.Offer) bool {
	if i, ok := t.offerIdx[o.ID]; ok {
		existing := t.offers[i]
		if !o.CreatedAt.After(existing.CreatedAt) {
			return false
		}
		t.offers[i] = o
		return true
	}
	t.offerIdx[o.ID] = len(t.offers)
	t.offers = append(t.offers, o)
	return true
}
