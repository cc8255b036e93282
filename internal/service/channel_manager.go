package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/metrics"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
)

// Transport is the part of the pusher client the registry drives
type Transport interface {
	Connect(ctx context.Context) error
	State() pusher.State
	RawSubscribe(ctx context.Context, channel string) error
	RawUnsubscribe(ctx context.Context, channel string) error
	OnStateChange(fn pusher.StateListener)
	OnSubscriptionError(fn pusher.SubscriptionHandler)
}

// ChannelHandle is one consumer's claim on a channel. Release it through the
// manager, Close, or a Scope.
type ChannelHandle struct {
	id       uint64
	name     string
	cm       *ChannelManager
	released atomic.Bool
	onError  []func(error)
}

func (h *ChannelHandle) Name() string   { return h.name }
func (h *ChannelHandle) Released() bool { return h.released.Load() }

// OnError registers a callback for subscription errors on this channel. If the
// last subscribe attempt already failed, fn is called immediately.
func (h *ChannelHandle) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	h.cm.mu.Lock()
	h.onError = append(h.onError, fn)
	var pending error
	if entry, ok := h.cm.channels[h.name]; ok && !h.Released() {
		pending = entry.lastErr
	}
	h.cm.mu.Unlock()

	if pending != nil {
		fn(pending)
	}
}

// Close releases the handle
func (h *ChannelHandle) Close() error {
	h.cm.Release(h)
	return nil
}

type channelEntry struct {
	handles map[uint64]*ChannelHandle
	lastErr error
}

// ChannelManager shares channel subscriptions between independent consumers by
// reference counting. The transport sees one subscribe per channel on the 0→1
// transition and one unsubscribe on 1→0.
type ChannelManager struct {
	transport Transport
	ctx       context.Context
	logger    *logrus.Logger

	mu       sync.Mutex
	channels map[string]*channelEntry
	nextID   uint64

	// syncMu orders transport calls so that a subscribe and an unsubscribe for
	// the same channel cannot overtake each other.
	syncMu     sync.Mutex
	subscribed map[string]bool
}

// NewChannelManager creates a registry bound to transport. ctx is used for
// transport calls and for the connection opened by the first Acquire.
func NewChannelManager(ctx context.Context, transport Transport, logger *logrus.Logger) *ChannelManager {
	if logger == nil {
		logger = logrus.New()
	}
	cm := &ChannelManager{
		transport:  transport,
		ctx:        ctx,
		logger:     logger,
		channels:   make(map[string]*channelEntry),
		subscribed: make(map[string]bool),
	}
	transport.OnStateChange(cm.handleStateChange)
	transport.OnSubscriptionError(cm.handleSubscriptionError)
	return cm
}

// Acquire claims a channel, subscribing on the first claim
func (cm *ChannelManager) Acquire(name string) (*ChannelHandle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "channel name is required")
	}

	cm.mu.Lock()
	entry, ok := cm.channels[name]
	if !ok {
		entry = &channelEntry{handles: make(map[uint64]*ChannelHandle)}
		cm.channels[name] = entry
	}
	cm.nextID++
	h := &ChannelHandle{id: cm.nextID, name: name, cm: cm}
	entry.handles[h.id] = h
	count := len(entry.handles)
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		LogFieldChannel:  name,
		LogFieldRefCount: count,
	}).Debug("Channel acquired")
	metrics.SetGauge("realtime_channel_refs", float64(count), map[string]string{"channel": name}, "Active claims per channel")

	if count == 1 {
		cm.sync(name)
		if cm.transport.State() == pusher.StateDisconnected {
			if err := cm.transport.Connect(cm.ctx); err != nil {
				cm.logger.WithError(err).Warn("Failed to start realtime connection")
			}
		}
	}
	return h, nil
}

// Release drops a claim, unsubscribing when it was the last one. Releasing
// the same handle twice is a no-op.
func (cm *ChannelManager) Release(h *ChannelHandle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	cm.mu.Lock()
	entry, ok := cm.channels[h.name]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(entry.handles, h.id)
	count := len(entry.handles)
	if count == 0 {
		delete(cm.channels, h.name)
	}
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		LogFieldChannel:  h.name,
		LogFieldRefCount: count,
	}).Debug("Channel released")
	metrics.SetGauge("realtime_channel_refs", float64(count), map[string]string{"channel": h.name}, "Active claims per channel")

	if count == 0 {
		cm.sync(h.name)
	}
}

// Use acquires name for the duration of fn. The claim is released on every
// return path, panics included.
func (cm *ChannelManager) Use(name string, fn func(*ChannelHandle) error) error {
	h, err := cm.Acquire(name)
	if err != nil {
		return err
	}
	defer cm.Release(h)
	return fn(h)
}

// RefCount returns the number of live claims on a channel
func (cm *ChannelManager) RefCount(name string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entry, ok := cm.channels[name]; ok {
		return len(entry.handles)
	}
	return 0
}

// Channels returns the names of all claimed channels, sorted
func (cm *ChannelManager) Channels() []string {
	cm.mu.Lock()
	names := make([]string, 0, len(cm.channels))
	for name := range cm.channels {
		names = append(names, name)
	}
	cm.mu.Unlock()
	sort.Strings(names)
	return names
}

// sync brings the transport in line with the current claim count of name
func (cm *ChannelManager) sync(name string) {
	cm.syncMu.Lock()
	defer cm.syncMu.Unlock()

	want := cm.RefCount(name) > 0
	if want == cm.subscribed[name] {
		return
	}

	if !want {
		delete(cm.subscribed, name)
		if err := cm.transport.RawUnsubscribe(cm.ctx, name); err != nil {
			cm.logger.WithError(err).WithField(LogFieldChannel, name).Warn("Failed to unsubscribe channel")
		}
		return
	}

	cm.subscribed[name] = true
	cm.subscribe(name)
}

// subscribe must be called with syncMu held
func (cm *ChannelManager) subscribe(name string) {
	cm.mu.Lock()
	if entry, ok := cm.channels[name]; ok {
		entry.lastErr = nil
	}
	cm.mu.Unlock()

	if err := cm.transport.RawSubscribe(cm.ctx, name); err != nil {
		cm.handleSubscriptionError(name, err)
	}
}

func (cm *ChannelManager) handleStateChange(prev, next pusher.State) {
	if next != pusher.StateConnected {
		return
	}

	cm.syncMu.Lock()
	defer cm.syncMu.Unlock()

	names := cm.Channels()
	for _, name := range names {
		cm.subscribed[name] = true
		cm.subscribe(name)
	}
	if len(names) > 0 {
		cm.logger.WithField(LogFieldCount, len(names)).Info("Resubscribed channels after connect")
	}
}

// handleSubscriptionError delivers err to the handles of that channel only
func (cm *ChannelManager) handleSubscriptionError(channel string, err error) {
	cm.mu.Lock()
	entry, ok := cm.channels[channel]
	if !ok {
		cm.mu.Unlock()
		return
	}
	entry.lastErr = err
	handles := make([]*ChannelHandle, 0, len(entry.handles))
	for _, h := range entry.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	var callbacks []func(error)
	for _, h := range handles {
		callbacks = append(callbacks, h.onError...)
	}
	cm.mu.Unlock()

	cm.logger.WithError(err).WithField(LogFieldChannel, channel).Warn("Channel subscription failed")
	metrics.IncrementCounter("realtime_subscription_errors_total", map[string]string{"channel": channel}, "Rejected channel subscriptions")

	for _, fn := range callbacks {
		fn(err)
	}
}
