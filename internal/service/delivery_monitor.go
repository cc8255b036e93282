package service

import (
	"context"
	"sync"
	"time"

	"aquadrop/internal/metrics"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
)

type StalePendingCounter interface {
	GetStalePendingCount(ctx context.Context, threshold time.Duration) (int, error)
}

// StateSource reports the realtime connection state
type StateSource interface {
	State() pusher.State
}

// DeliveryMonitor periodically reports sends stuck in pending and the
// realtime connection state.
type DeliveryMonitor struct {
	db             StalePendingCounter
	conn           StateSource
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewDeliveryMonitor creates a monitor. conn may be nil.
func NewDeliveryMonitor(db StalePendingCounter, conn StateSource, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &DeliveryMonitor{
		db:             db,
		conn:           conn,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called
func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *DeliveryMonitor) check(ctx context.Context) {
	if m.conn != nil {
		connected := 0.0
		if m.conn.State() == pusher.StateConnected {
			connected = 1
		}
		metrics.SetGauge("realtime_connected", connected, nil, "1 when the realtime connection is up")
	}

	count, err := m.db.GetStalePendingCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale pending messages")
		return
	}
	metrics.SetGauge("chat_stale_pending_messages", float64(count), nil, "Messages stuck in pending status")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			LogFieldCount: count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages stuck in 'pending' status without backend confirmation")
	}
}
