package service

import (
	"testing"

	"aquadrop/internal/metrics"
	"aquadrop/pkg/pusher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *ChannelManager) {
	t.Helper()
	cm, _ := newTestChannelManager(t)
	return NewDispatcher(quietLogger()), cm
}

const chatPayload = `{"message":{"id":101,"chat_id":"c1","sender_id":"u2","body":"hello","created_at":"2026-03-01T09:30:00Z"}}`

func TestDispatcher_HandlersRunInRegistrationOrder(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("chat-app")
	require.NoError(t, err)

	var order []string
	_, err = d.On(h, EventNewUpcomingMessage, func(Event) { order = append(order, "first") })
	require.NoError(t, err)
	_, err = d.On(h, AnyEvent, func(Event) { order = append(order, "any") })
	require.NoError(t, err)
	_, err = d.On(h, EventNewUpcomingMessage, func(Event) { order = append(order, "second") })
	require.NoError(t, err)
	_, err = d.On(h, EventMessageRead, func(Event) { order = append(order, "read") })
	require.NoError(t, err)

	d.Dispatch("chat-app", EventNewUpcomingMessage, []byte(chatPayload))
	assert.Equal(t, []string{"first", "any", "second"}, order)
}

func TestDispatcher_TypedDecode(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("chat-app")
	require.NoError(t, err)

	var got Event
	_, err = d.On(h, EventNewUpcomingMessage, func(ev Event) { got = ev })
	require.NoError(t, err)

	d.HandleTransportEvent(pusher.Event{Channel: "chat-app", Name: `.App\Events\new-upcoming-message`, Data: []byte(chatPayload)})

	chat, ok := got.(*ChatMessageEvent)
	require.True(t, ok, "expected *ChatMessageEvent, got %T", got)
	assert.Equal(t, "chat-app", chat.Channel())
	assert.Equal(t, EventNewUpcomingMessage, chat.Name())
	assert.Equal(t, "c1", chat.Message.ConversationID)
	assert.Equal(t, "hello", chat.Message.Body)
}

func TestDispatcher_OtherChannelNotDelivered(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("order.1")
	require.NoError(t, err)

	called := false
	_, err = d.On(h, AnyEvent, func(Event) { called = true })
	require.NoError(t, err)

	d.Dispatch("order.2", EventOrderUpdated, []byte(`{"status":"accepted"}`))
	assert.False(t, called)
}

func TestDispatcher_OffDuringDispatchSkipsRemaining(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("chat-app")
	require.NoError(t, err)

	var calls []string
	var second *Binding
	_, err = d.On(h, EventNewUpcomingMessage, func(Event) {
		calls = append(calls, "first")
		second.Close()
		// Binding added mid-dispatch only sees later events.
		_, _ = d.On(h, EventNewUpcomingMessage, func(Event) { calls = append(calls, "late") })
	})
	require.NoError(t, err)
	second, err = d.On(h, EventNewUpcomingMessage, func(Event) { calls = append(calls, "second") })
	require.NoError(t, err)

	d.Dispatch("chat-app", EventNewUpcomingMessage, []byte(chatPayload))
	assert.Equal(t, []string{"first"}, calls)
	assert.Equal(t, 2, d.BindingCount("chat-app"))
}

func TestDispatcher_OffKeepsChannel(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("chat-app")
	require.NoError(t, err)

	b, err := d.On(h, AnyEvent, func(Event) {})
	require.NoError(t, err)
	d.Off(b)
	d.Off(b)

	assert.Equal(t, 0, d.BindingCount("chat-app"))
	assert.Equal(t, 1, cm.RefCount("chat-app"))
}

func TestDispatcher_OnValidation(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("chat-app")
	require.NoError(t, err)

	_, err = d.On(h, AnyEvent, nil)
	assert.Error(t, err)

	cm.Release(h)
	_, err = d.On(h, AnyEvent, func(Event) {})
	assert.Error(t, err)

	_, err = d.On(nil, AnyEvent, func(Event) {})
	assert.Error(t, err)
}

func TestDispatcher_MalformedPayloadDropped(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
	}{
		{"invalid json", EventNewUpcomingMessage, `{"message":`},
		{"chat without sender", EventNewUpcomingMessage, `{"chat_id":"c1","body":"x"}`},
		{"location out of range", EventDriverLocationUpdated, `{"order_id":1,"lat":95,"lng":10}`},
		{"generic not json", "custom.event", `not-json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cm := newTestDispatcher(t)
			h, err := cm.Acquire("order.1")
			require.NoError(t, err)

			called := false
			_, err = d.On(h, AnyEvent, func(Event) { called = true })
			require.NoError(t, err)

			d.Dispatch("order.1", tt.event, []byte(tt.data))
			assert.False(t, called)
		})
	}
}

func TestDispatcher_HandlerPanicDoesNotStopOthers(t *testing.T) {
	d, cm := newTestDispatcher(t)
	h, err := cm.Acquire("order.5")
	require.NoError(t, err)

	reached := false
	_, err = d.On(h, AnyEvent, func(Event) { panic("bad handler") })
	require.NoError(t, err)
	_, err = d.On(h, AnyEvent, func(Event) { reached = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch("order.5", EventOrderUpdated, []byte(`{"status":"accepted"}`))
	})
	assert.True(t, reached)
}

func TestDispatcher_UnhandledEventCounted(t *testing.T) {
	d, _ := newTestDispatcher(t)

	labels := map[string]string{"event": "nobody-listens"}
	before := metrics.CounterValue("realtime_events_unhandled_total", labels)

	d.Dispatch("chat-app", "nobody-listens", []byte(`{}`))

	assert.Equal(t, before+1, metrics.CounterValue("realtime_events_unhandled_total", labels))
}

func TestNormalizeEventName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"new-upcoming-message", "new-upcoming-message"},
		{".message-sent", "message-sent"},
		{`App\Events\DriverAcceptedOrder`, "DriverAcceptedOrder"},
		{`.App\Events\message-read`, "message-read"},
		{"  order.updated ", "order.updated"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEventName(tt.in))
		})
	}
}
