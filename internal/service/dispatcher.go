package service

import (
	"sync"
	"sync/atomic"
	"time"

	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/metrics"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
)

// AnyEvent binds a handler to every event on a channel
const AnyEvent = "*"

// Handler receives decoded events
type Handler func(Event)

// Binding is a registered handler. Close removes it.
type Binding struct {
	id      uint64
	channel string
	event   string
	fn      Handler
	active  atomic.Bool
	d       *Dispatcher
}

func (b *Binding) Channel() string { return b.channel }
func (b *Binding) Event() string   { return b.event }

// Close removes the binding; it is safe to call more than once
func (b *Binding) Close() error {
	b.d.Off(b)
	return nil
}

// Dispatcher routes inbound (channel, event) pairs to bound handlers
type Dispatcher struct {
	logger *apperrors.Logger
	now    func() time.Time

	mu       sync.RWMutex
	bindings map[string][]*Binding // channel -> bindings in registration order
	nextID   uint64
}

func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   apperrors.NewLogger(logger),
		now:      time.Now,
		bindings: make(map[string][]*Binding),
	}
}

// On binds fn to event on the handle's channel. Handlers for the same channel
// run in registration order.
func (d *Dispatcher) On(h *ChannelHandle, event string, fn Handler) (*Binding, error) {
	if h == nil || h.Released() {
		return nil, apperrors.NewInvalidStateError("channel handle", "released", "bind")
	}
	if fn == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "handler is required")
	}
	if event != AnyEvent {
		event = NormalizeEventName(event)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	b := &Binding{id: d.nextID, channel: h.Name(), event: event, fn: fn, d: d}
	b.active.Store(true)

	// Copy on write so in-flight dispatches keep iterating their own snapshot.
	current := d.bindings[b.channel]
	next := make([]*Binding, len(current), len(current)+1)
	copy(next, current)
	d.bindings[b.channel] = append(next, b)

	return b, nil
}

// Off removes exactly that binding. It does not release the channel.
func (d *Dispatcher) Off(b *Binding) {
	if b == nil || !b.active.CompareAndSwap(true, false) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.bindings[b.channel]
	next := make([]*Binding, 0, len(current))
	for _, existing := range current {
		if existing != b {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		delete(d.bindings, b.channel)
		return
	}
	d.bindings[b.channel] = next
}

// BindingCount returns the number of bindings on a channel
func (d *Dispatcher) BindingCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bindings[channel])
}

// HandleTransportEvent adapts the dispatcher to pusher.Client.OnEvent
func (d *Dispatcher) HandleTransportEvent(ev pusher.Event) {
	d.Dispatch(ev.Channel, ev.Name, ev.Data)
}

// Dispatch decodes one inbound event and runs every matching handler before
// returning. Malformed payloads are dropped and counted.
func (d *Dispatcher) Dispatch(channel, name string, data []byte) {
	name = NormalizeEventName(name)

	d.mu.RLock()
	snapshot := d.bindings[channel]
	d.mu.RUnlock()

	var matched []*Binding
	for _, b := range snapshot {
		if b.event == name || b.event == AnyEvent {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		metrics.IncrementCounter("realtime_events_unhandled_total", map[string]string{"event": name}, "Events received with no bound handler")
		return
	}

	ev, err := DecodeEvent(channel, name, data, d.now())
	if err != nil {
		d.logger.LogWarn(err, "Dropping malformed event", logrus.Fields{
			LogFieldChannel: channel,
			LogFieldEvent:   name,
		})
		metrics.IncrementCounter("realtime_events_malformed_total", map[string]string{"event": name}, "Malformed events dropped")
		return
	}

	metrics.IncrementCounter("realtime_events_dispatched_total", map[string]string{"event": name}, "Events dispatched to handlers")
	for _, b := range matched {
		// A binding closed by an earlier handler in this dispatch is skipped.
		if !b.active.Load() {
			continue
		}
		d.invoke(b, ev)
	}
}

func (d *Dispatcher) invoke(b *Binding, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				LogFieldChannel: b.channel,
				LogFieldEvent:   ev.Name(),
				"panic":         r,
			}).Error("Event handler panicked")
		}
	}()
	b.fn(ev)
}
