package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"aquadrop/internal/metrics"
	"aquadrop/pkg/pusher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDeliveryMonitor_Check(t *testing.T) {
	tests := []struct {
		name          string
		state         pusher.State
		count         int
		err           error
		wantConnected float64
		wantStale     float64
	}{
		{"connected without stale sends", pusher.StateConnected, 0, nil, 1, 0},
		{"disconnected with stale sends", pusher.StateDisconnected, 3, nil, 0, 3},
		{"store error keeps previous gauge", pusher.StateConnecting, 0, errors.New("db locked"), 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &staleCounter{}
			db.On("GetStalePendingCount", mock.Anything, time.Minute).Return(tt.count, tt.err).Once()
			transport := newFakeTransport()
			transport.state = tt.state

			m := NewDeliveryMonitor(db, transport, time.Hour, time.Minute, quietLogger())
			m.check(context.Background())

			connected, ok := metrics.GaugeValue("realtime_connected", nil)
			require.True(t, ok)
			assert.Equal(t, tt.wantConnected, connected)
			stale, ok := metrics.GaugeValue("chat_stale_pending_messages", nil)
			require.True(t, ok)
			assert.Equal(t, tt.wantStale, stale)
			db.AssertExpectations(t)
		})
	}
}

func TestDeliveryMonitor_StartStop(t *testing.T) {
	checked := make(chan struct{}, 1)
	db := &staleCounter{}
	db.On("GetStalePendingCount", mock.Anything, time.Minute).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case checked <- struct{}{}:
		default:
		}
	})

	m := NewDeliveryMonitor(db, nil, 5*time.Millisecond, time.Minute, quietLogger())
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	select {
	case <-checked:
	case <-time.After(time.Second):
		t.Fatal("monitor never checked")
	}

	m.Stop()
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestDeliveryMonitor_StopsWithContext(t *testing.T) {
	db := &staleCounter{}
	m := NewDeliveryMonitor(db, nil, time.Hour, time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	db.AssertNotCalled(t, "GetStalePendingCount", mock.Anything, mock.Anything)
}
