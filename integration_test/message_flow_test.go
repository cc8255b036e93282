package integration_test

import (
	"context"
	"testing"
	"time"

	"aquadrop/internal/models"
	"aquadrop/internal/service"
	"aquadrop/pkg/pusher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func conversationHas(env *TestEnvironment, convID, body string) func() bool {
	return func() bool {
		conv, ok := env.Messages.Conversation(convID)
		if !ok {
			return false
		}
		for _, m := range conv.Messages() {
			if m.Body == body {
				return true
			}
		}
		return false
	}
}

func TestMessageFlow_SendConfirmedAndEchoMerged(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := waitCtx(t)

	echoed := make(chan struct{})
	env.Backend.OnAccepted(func(m StoredMessage) {
		env.Pusher.Broadcast(chatChannel, service.EventNewUpcomingMessage, EchoPayload(m))
		close(echoed)
	})

	d, err := env.Messages.Send(ctx, "7", "where are you?")
	require.NoError(t, err)
	msg, err := d.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.Equal(t, models.ID("101"), msg.ID)
	assert.Equal(t, d.LocalID, msg.LocalID)

	select {
	case <-echoed:
	case <-ctx.Done():
		t.Fatal("backend never echoed the send")
	}

	// Frames arrive in order on one connection, so once the marker is in
	// the echo has been handled too.
	env.Pusher.Broadcast(chatChannel, service.EventNewUpcomingMessage, EchoPayload(StoredMessage{
		ID: 500, ChatID: "7", SenderID: "driver-9", Body: "two minutes", CreatedAt: time.Now().UTC(),
	}))
	env.Eventually(conversationHas(env, "7", "two minutes"), "marker message not received")

	conv, ok := env.Messages.Conversation("7")
	require.True(t, ok)
	messages := conv.Messages()
	require.Len(t, messages, 2, "the echo must not duplicate the confirmed send")
	assert.Equal(t, "where are you?", messages[0].Body)
	assert.Equal(t, d.LocalID, messages[0].LocalID)
	assert.Equal(t, "two minutes", messages[1].Body)

	stored, err := env.DB.ListMessages(ctx, "7")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.ID("101"), stored[0].ID)
	assert.Equal(t, models.MessageStatusSent, stored[0].Status)
}

func TestMessageFlow_InboundSurvivesRestart(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := waitCtx(t)

	// Laravel may prefix broadcast names with a dot.
	env.Pusher.Broadcast(chatChannel, "."+service.EventNewUpcomingMessage, EchoPayload(StoredMessage{
		ID: 300, ChatID: "7", SenderID: "driver-9", Body: "at the gate", CreatedAt: time.Now().UTC(),
	}))
	env.Eventually(conversationHas(env, "7", "at the gate"), "inbound message not received")

	env.Restart()
	_, ok := env.Messages.Conversation("7")
	assert.False(t, ok, "a fresh process starts without conversations")

	n, err := env.Messages.Load(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conv, ok := env.Messages.Conversation("7")
	require.True(t, ok)
	require.Equal(t, 1, conv.Len())
	assert.Equal(t, models.ID("300"), conv.Messages()[0].ID)
}

func TestMessageFlow_FailedSendRetried(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := waitCtx(t)
	env.Backend.FailNext(1)

	d, err := env.Messages.Send(ctx, "7", "ring twice")
	require.NoError(t, err)
	failed, err := d.Wait(ctx)
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, models.MessageStatusFailed, failed.Status)

	stored, err := env.DB.GetMessage(ctx, d.LocalID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.MessageStatusFailed, stored.Status)

	retry, err := env.Messages.Retry(ctx, d.LocalID)
	require.NoError(t, err)
	sent, err := retry.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.LocalID, sent.LocalID)
	assert.Equal(t, models.MessageStatusSent, sent.Status)
	assert.Equal(t, 2, env.Backend.SendCalls())

	conv, _ := env.Messages.Conversation("7")
	assert.Equal(t, 1, conv.Len())
}

func TestMessageFlow_MarkRead(t *testing.T) {
	env := NewTestEnvironment(t)
	require.NoError(t, env.Messages.MarkRead(waitCtx(t), "7"))
	assert.Equal(t, []string{"7"}, env.Backend.Reads())
}

func TestReconnect_ResubscribesAndCatchesUp(t *testing.T) {
	env := NewTestEnvironment(t)
	ctx := waitCtx(t)

	d, err := env.Messages.Send(ctx, "7", "hello")
	require.NoError(t, err)
	_, err = d.Wait(ctx)
	require.NoError(t, err)

	states := make(chan pusher.State, 16)
	env.Client.OnStateChange(func(prev, next pusher.State) { states <- next })

	env.Pusher.DropConnections()
	env.Backend.Inject("7", "driver-9", "missed while offline")

	env.WaitForSubscribes(chatChannel, 2)
	require.NoError(t, env.Client.WaitForState(ctx, pusher.StateConnected))
	assert.GreaterOrEqual(t, env.Pusher.Connections(), 2)

	n, err := env.Messages.Sync(ctx, "7")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.True(t, conversationHas(env, "7", "missed while offline")())

	conv, _ := env.Messages.Conversation("7")
	assert.Equal(t, 2, conv.Len())

	var seen []pusher.State
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	assert.Contains(t, seen, pusher.StateConnected)
}

func TestOrderTracking_EndToEnd(t *testing.T) {
	env := NewTestEnvironment(t)

	tracker, err := service.TrackOrder(env.ctx, env.Channels, env.Events, "42", service.DefaultMessageServiceConfig(testUserID).MergeOptions(), quietLogger())
	require.NoError(t, err)
	env.WaitForSubscribes("order.42", 1)

	updates := make(chan models.OrderSnapshot, 8)
	tracker.OnUpdate(func(s models.OrderSnapshot) { updates <- s })

	env.Pusher.Broadcast("order.42", service.EventOrderStatusUpdated, map[string]interface{}{
		"status": "accepted", "occurred_at": "2026-03-01T10:00:00Z",
	})
	env.Pusher.Broadcast("order.42", service.EventDriverAssigned, map[string]interface{}{
		"driver_id": 8, "occurred_at": "2026-03-01T10:01:00Z",
	})
	env.Eventually(func() bool { return tracker.Snapshot().DriverID == "8" }, "driver never assigned")

	snap := tracker.Snapshot()
	assert.Equal(t, "accepted", snap.Status)
	assert.NotEmpty(t, updates)

	require.NoError(t, env.DB.SaveOrderSnapshot(context.Background(), snap))
	stored, err := env.DB.GetOrderSnapshot(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.ID("8"), stored.DriverID)

	require.NoError(t, tracker.Close())
	assert.Zero(t, env.Channels.RefCount("order.42"))
}
