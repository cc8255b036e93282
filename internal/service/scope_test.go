package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestScope_CloseReleasesEverything(t *testing.T) {
	cm, transport := newTestChannelManager(t)
	d := NewDispatcher(quietLogger())
	scope := NewScope(context.Background())

	h, err := scope.Acquire(cm, "order.11")
	require.NoError(t, err)
	_, err = scope.On(d, h, AnyEvent, func(Event) {})
	require.NoError(t, err)
	_, err = scope.On(d, h, EventOrderUpdated, func(Event) {})
	require.NoError(t, err)

	require.Equal(t, 1, cm.RefCount("order.11"))
	require.Equal(t, 2, d.BindingCount("order.11"))

	require.NoError(t, scope.Close())
	assert.True(t, scope.Closed())
	assert.Equal(t, 0, cm.RefCount("order.11"))
	assert.Equal(t, 0, d.BindingCount("order.11"))

	require.NoError(t, scope.Close())
	_, unsubs := transport.calls()
	assert.Equal(t, []string{"order.11"}, unsubs)
}

func TestScope_ReverseOrderAndJoinedErrors(t *testing.T) {
	scope := NewScope(context.Background())

	var order []int
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	scope.Add(closerFunc(func() error { order = append(order, 1); return errA }))
	scope.Add(closerFunc(func() error { order = append(order, 2); return nil }))
	scope.Add(closerFunc(func() error { order = append(order, 3); return errC }))

	err := scope.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
}

func TestScope_ClosesWithContext(t *testing.T) {
	cm, _ := newTestChannelManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	scope := NewScope(ctx)

	_, err := scope.Acquire(cm, "chat-app")
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return cm.RefCount("chat-app") == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, scope.Closed())
}

func TestScope_AcquireAfterClose(t *testing.T) {
	cm, _ := newTestChannelManager(t)
	scope := NewScope(context.Background())
	require.NoError(t, scope.Close())

	_, err := scope.Acquire(cm, "chat-app")
	assert.Error(t, err)
	assert.Equal(t, 0, cm.RefCount("chat-app"), "claim taken by a closed scope is returned")

	closed := false
	scope.Add(closerFunc(func() error { closed = true; return nil }))
	assert.True(t, closed)
}
