package service

import (
	"testing"
	"time"

	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestDecodeEvent_ChatMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantID   models.ID
		wantConv string
		wantBody string
		wantCorr string
	}{
		{
			name:     "nested message object",
			data:     `{"message":{"id":7,"chat_id":12,"sender_id":3,"body":"on my way","client_id":"abc"}}`,
			wantID:   "7",
			wantConv: "12",
			wantBody: "on my way",
			wantCorr: "abc",
		},
		{
			name:     "flat payload with text field",
			data:     `{"id":"9","conversation_id":"c-1","user_id":"u-1","text":"hi"}`,
			wantID:   "9",
			wantConv: "c-1",
			wantBody: "hi",
		},
		{
			name:     "string message with outer chat id",
			data:     `{"chat_id":5,"sender_id":2,"message":"plain body"}`,
			wantConv: "5",
			wantBody: "plain body",
		},
		{
			name:     "data envelope inherits chat id",
			data:     `{"chat_id":5,"data":{"id":1,"sender_id":2,"body":"x"}}`,
			wantID:   "1",
			wantConv: "5",
			wantBody: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent("chat-app", EventNewUpcomingMessage, []byte(tt.data), eventNow)
			require.NoError(t, err)

			chat, ok := ev.(*ChatMessageEvent)
			require.True(t, ok)
			assert.Equal(t, tt.wantID, chat.Message.ID)
			assert.Equal(t, tt.wantConv, chat.Message.ConversationID)
			assert.Equal(t, tt.wantBody, chat.Message.Body)
			assert.Equal(t, tt.wantCorr, chat.Message.CorrelationID)
			assert.Equal(t, models.MessageStatusSent, chat.Message.Status)
		})
	}
}

func TestDecodeEvent_MessageRead(t *testing.T) {
	ev, err := DecodeEvent("chat-app", EventMessageRead, []byte(`{"chat_id":12,"message_ids":[1,"2"],"reader_id":4}`), eventNow)
	require.NoError(t, err)

	read, ok := ev.(*MessageReadEvent)
	require.True(t, ok)
	assert.Equal(t, "12", read.ConversationID)
	assert.Equal(t, []models.ID{"1", "2"}, read.MessageIDs)
	assert.Equal(t, "4", read.ReaderID)
	assert.Equal(t, eventNow, read.ReadAt)

	_, err = DecodeEvent("chat-app", EventMessageRead, []byte(`{"reader_id":4}`), eventNow)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))
}

func TestDecodeEvent_OrderFamily(t *testing.T) {
	t.Run("offer nested with string price", func(t *testing.T) {
		ev, err := DecodeEvent("order.55", EventOfferCreated, []byte(`{"offer":{"id":3,"driver_id":8,"price":"12.50","created_at":"2026-03-01 09:00:00"}}`), eventNow)
		require.NoError(t, err)
		offer := ev.(*OfferEvent).Offer
		assert.Equal(t, models.ID("3"), offer.ID)
		assert.Equal(t, models.ID("55"), offer.OrderID, "order id falls back to the channel")
		assert.Equal(t, 12.5, offer.Price)
		assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), offer.CreatedAt)
	})

	t.Run("expired gets default status", func(t *testing.T) {
		ev, err := DecodeEvent("order.55", EventOrderExpired, []byte(`{}`), eventNow)
		require.NoError(t, err)
		st := ev.(*OrderStatusEvent)
		assert.Equal(t, "expired", st.Status)
		assert.Equal(t, eventNow, st.OccurredAt)
		assert.True(t, st.Estimated)
	})

	t.Run("cancel reason becomes note", func(t *testing.T) {
		ev, err := DecodeEvent("order.55", EventOrderCancelled, []byte(`{"reason":"customer request"}`), eventNow)
		require.NoError(t, err)
		st := ev.(*OrderStatusEvent)
		assert.Equal(t, "cancelled", st.Status)
		assert.Equal(t, "customer request", st.Note)
	})

	t.Run("driver accepted nested driver", func(t *testing.T) {
		ev, err := DecodeEvent("order.55", `App\Events\DriverAcceptedOrder`, []byte(`{"driver":{"id":8,"name":"Sam"}}`), eventNow)
		require.NoError(t, err)
		da := ev.(*DriverAssignedEvent)
		assert.Equal(t, models.ID("8"), da.DriverID)
		assert.Equal(t, "Sam", da.DriverName)
		assert.True(t, da.Estimated)
	})

	t.Run("location accepts long names", func(t *testing.T) {
		ev, err := DecodeEvent("order.55", EventDriverLocationUpdated, []byte(`{"location":{"latitude":"24.7","longitude":46.6}}`), eventNow)
		require.NoError(t, err)
		loc := ev.(*DriverLocationEvent).Location
		assert.Equal(t, 24.7, loc.Latitude)
		assert.Equal(t, 46.6, loc.Longitude)
	})

	t.Run("driver assignment without driver", func(t *testing.T) {
		_, err := DecodeEvent("order.55", EventDriverAssigned, []byte(`{}`), eventNow)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))
	})

	t.Run("status without order id on foreign channel", func(t *testing.T) {
		_, err := DecodeEvent("chat-app", EventOrderStatusUpdated, []byte(`{"status":"accepted"}`), eventNow)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))
	})
}

func TestDecodeEvent_Generic(t *testing.T) {
	ev, err := DecodeEvent("order.1", "eta.changed", []byte(`{"eta":5}`), eventNow)
	require.NoError(t, err)

	generic, ok := ev.(*GenericEvent)
	require.True(t, ok)
	assert.JSONEq(t, `{"eta":5}`, string(generic.Data))
	assert.Equal(t, "order.1", generic.Channel())
}
