package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aquadrop/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(socketID string) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	if socketID != "" {
		c.push(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"` + socketID + `\",\"activity_timeout\":120}"}`)
	}
	return c
}

func (f *fakeConn) push(frame string) { f.in <- []byte(frame) }

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.out <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) expectFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case raw := <-f.out:
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32
	url   atomic.Value
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{conns: make(chan *fakeConn, 8)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.url.Store(url)
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type staticAuthorizer struct {
	calls atomic.Int32
	err   error
}

func (a *staticAuthorizer) Authorize(ctx context.Context, socketID, channel string) (*AuthResponse, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &AuthResponse{Auth: "key:" + socketID + ":" + channel}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(d Dialer, auth Authorizer) *Client {
	return NewClient(Options{
		AppKey:     "app-key",
		Cluster:    "eu",
		UseTLS:     true,
		Reconnect:  retry.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Authorizer: auth,
		Dialer:     d,
		Logger:     quietLogger(),
	})
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForState(ctx, StateConnected))
	t.Cleanup(c.Disconnect)
}

func TestClient_URL(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "cluster host",
			opts: Options{AppKey: "k", Cluster: "eu", UseTLS: true},
			want: "wss://ws-eu.pusher.com/app/k?client=aquadrop-go&protocol=7&version=1.0.0",
		},
		{
			name: "custom host and port",
			opts: Options{AppKey: "k", Host: "soketi.local", Port: 6001},
			want: "ws://soketi.local:6001/app/k?client=aquadrop-go&protocol=7&version=1.0.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClient(tt.opts).URL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_ConnectMissingConfig(t *testing.T) {
	c := NewClient(Options{Logger: quietLogger(), Dialer: newFakeDialer()})
	var reported error
	c.OnError(func(err error) { reported = err })

	err := c.Connect(context.Background())

	assert.ErrorIs(t, err, ErrMissingConfig)
	assert.ErrorIs(t, reported, ErrMissingConfig)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectEstablishes(t *testing.T) {
	conn := newFakeConn("123.456")
	d := newFakeDialer(conn)
	c := newTestClient(d, nil)

	var mu sync.Mutex
	var transitions []State
	c.OnStateChange(func(prev, next State) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})

	connect(t, c)
	require.NoError(t, c.Connect(context.Background()), "second connect is a no-op")

	assert.Equal(t, "123.456", c.SocketID())
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]State{StateConnecting, StateConnected}, transitions)
	}, time.Second, 5*time.Millisecond)
}

func TestClient_RawSubscribeIsIdempotentPerConnection(t *testing.T) {
	conn := newFakeConn("1.1")
	c := newTestClient(newFakeDialer(conn), nil)
	connect(t, c)
	ctx := context.Background()

	require.NoError(t, c.RawSubscribe(ctx, "chat-app"))
	require.NoError(t, c.RawSubscribe(ctx, "chat-app"))
	require.NoError(t, c.RawSubscribe(ctx, "order.42"))

	first := conn.expectFrame(t)
	second := conn.expectFrame(t)
	assert.Equal(t, EventSubscribe, first.Event)
	assert.JSONEq(t, `{"channel":"chat-app"}`, string(first.Data))
	assert.JSONEq(t, `{"channel":"order.42"}`, string(second.Data))
}

func TestClient_RawSubscribeWhileDisconnected(t *testing.T) {
	c := newTestClient(newFakeDialer(), nil)
	require.NoError(t, c.RawSubscribe(context.Background(), "chat-app"))
	assert.False(t, c.Subscribed("chat-app"))
}

func TestClient_DeliversEventsWithStringData(t *testing.T) {
	conn := newFakeConn("1.1")
	c := newTestClient(newFakeDialer(conn), nil)
	events := make(chan Event, 1)
	c.OnEvent(func(ev Event) { events <- ev })
	connect(t, c)

	conn.push(`{"event":"message-sent","channel":"chat-app","data":"{\"message\":{\"id\":7}}"}`)

	select {
	case ev := <-events:
		assert.Equal(t, "chat-app", ev.Channel)
		assert.Equal(t, "message-sent", ev.Name)
		assert.JSONEq(t, `{"message":{"id":7}}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClient_AnswersServerPing(t *testing.T) {
	conn := newFakeConn("1.1")
	c := newTestClient(newFakeDialer(conn), nil)
	connect(t, c)

	conn.push(`{"event":"pusher:ping","data":{}}`)

	assert.Equal(t, EventPong, conn.expectFrame(t).Event)
}

func TestClient_SubscriptionConfirmationAndRejection(t *testing.T) {
	conn := newFakeConn("1.1")
	c := newTestClient(newFakeDialer(conn), nil)
	rejected := make(chan error, 1)
	c.OnSubscriptionError(func(channel string, err error) {
		assert.Equal(t, "order.9", channel)
		rejected <- err
	})
	connect(t, c)
	ctx := context.Background()

	require.NoError(t, c.RawSubscribe(ctx, "chat-app"))
	require.NoError(t, c.RawSubscribe(ctx, "order.9"))
	conn.push(`{"event":"pusher_internal:subscription_succeeded","channel":"chat-app","data":"{}"}`)
	conn.push(`{"event":"pusher:subscription_error","channel":"order.9","data":{"type":"AuthError","error":"forbidden","status":403}}`)

	select {
	case err := <-rejected:
		assert.Contains(t, err.Error(), "forbidden")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription error not reported")
	}
	assert.Eventually(t, func() bool { return c.Subscribed("chat-app") }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Subscribed("order.9"))
}

func TestClient_PrivateChannelIsSigned(t *testing.T) {
	conn := newFakeConn("9.9")
	auth := &staticAuthorizer{}
	c := newTestClient(newFakeDialer(conn), auth)
	connect(t, c)

	require.NoError(t, c.RawSubscribe(context.Background(), "private-user.5"))

	frame := conn.expectFrame(t)
	assert.JSONEq(t, `{"channel":"private-user.5","auth":"key:9.9:private-user.5"}`, string(frame.Data))
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestClient_PrivateChannelAuthFailure(t *testing.T) {
	conn := newFakeConn("9.9")
	c := newTestClient(newFakeDialer(conn), &staticAuthorizer{err: errors.New("401")})
	connect(t, c)

	err := c.RawSubscribe(context.Background(), "private-user.5")

	require.Error(t, err)
	assert.False(t, c.Subscribed("private-user.5"))
}

func TestClient_ReconnectsAndClearsChannelTable(t *testing.T) {
	first := newFakeConn("1.1")
	second := newFakeConn("2.2")
	d := newFakeDialer(first, second)
	c := newTestClient(d, nil)

	var mu sync.Mutex
	var transitions []State
	c.OnStateChange(func(prev, next State) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})
	connect(t, c)
	ctx := context.Background()

	require.NoError(t, c.RawSubscribe(ctx, "chat-app"))
	first.expectFrame(t)

	first.Close()

	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, transitions)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "2.2", c.SocketID())

	require.NoError(t, c.RawSubscribe(ctx, "chat-app"))
	assert.Equal(t, EventSubscribe, second.expectFrame(t).Event)
}

func TestClient_FatalProtocolErrorStopsLoop(t *testing.T) {
	conn := newFakeConn("")
	conn.push(`{"event":"pusher:error","data":{"message":"Application does not exist","code":4001}}`)
	d := newFakeDialer(conn, newFakeConn("never"))
	c := newTestClient(d, nil)
	errs := make(chan error, 4)
	c.OnError(func(err error) { errs <- err })

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "4001")
	case <-time.After(2 * time.Second):
		t.Fatal("fatal error not reported")
	}
	c.Disconnect()
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_DisconnectStopsLoop(t *testing.T) {
	conn := newFakeConn("1.1")
	c := newTestClient(newFakeDialer(conn), nil)
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForState(ctx, StateConnected))

	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, "", c.SocketID())
}

func TestFrame_Payload(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"object", `{"a":1}`, `{"a":1}`},
		{"string", `"{\"a\":1}"`, `{"a":1}`},
		{"empty string", `""`, `{}`},
		{"missing", ``, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Frame{Event: "x", Data: json.RawMessage(tt.data)}.Payload()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
