package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"aquadrop/pkg/pusher"

	"github.com/coder/websocket"
)

// PusherServer speaks enough of the Pusher websocket protocol to drive the
// client: connection handshake, subscribe, unsubscribe, ping and broadcast.
type PusherServer struct {
	t      *testing.T
	srv    *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Int64

	mu          sync.Mutex
	conns       map[*serverConn]struct{}
	subscribes  []string
	connections int
}

type serverConn struct {
	c        *websocket.Conn
	socketID string

	mu       sync.Mutex
	channels map[string]bool
}

func (sc *serverConn) write(ctx context.Context, f pusher.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.c.Write(ctx, websocket.MessageText, raw)
}

func (sc *serverConn) subscribed(channel string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.channels[channel]
}

func NewPusherServer(t *testing.T) *PusherServer {
	ctx, cancel := context.WithCancel(context.Background())
	ps := &PusherServer{t: t, ctx: ctx, cancel: cancel, conns: make(map[*serverConn]struct{})}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	return ps
}

// Host and Port are what the client options need to reach the server
func (ps *PusherServer) Host() string {
	u, _ := url.Parse(ps.srv.URL)
	return u.Hostname()
}

func (ps *PusherServer) Port() int {
	u, _ := url.Parse(ps.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func (ps *PusherServer) Close() {
	ps.cancel()
	ps.DropConnections()
	ps.srv.Close()
}

// Connections returns how many websocket connections were accepted so far
func (ps *PusherServer) Connections() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.connections
}

// Subscribes returns every channel subscribe received, in order
func (ps *PusherServer) Subscribes() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.subscribes...)
}

// SubscribeCount counts the subscribe frames received for channel
func (ps *PusherServer) SubscribeCount(channel string) int {
	n := 0
	for _, c := range ps.Subscribes() {
		if c == channel {
			n++
		}
	}
	return n
}

// Broadcast sends an event to every connection subscribed to channel. Data is
// sent as a JSON string the way Laravel broadcasting does.
func (ps *PusherServer) Broadcast(channel, event string, data interface{}) int {
	payload, err := json.Marshal(data)
	if err != nil {
		ps.t.Fatalf("failed to marshal broadcast: %v", err)
	}
	quoted, _ := json.Marshal(string(payload))

	ps.mu.Lock()
	conns := make([]*serverConn, 0, len(ps.conns))
	for sc := range ps.conns {
		conns = append(conns, sc)
	}
	ps.mu.Unlock()

	sent := 0
	for _, sc := range conns {
		if !sc.subscribed(channel) {
			continue
		}
		if err := sc.write(ps.ctx, pusher.Frame{Event: event, Channel: channel, Data: quoted}); err == nil {
			sent++
		}
	}
	return sent
}

// DropConnections closes every open connection abnormally
func (ps *PusherServer) DropConnections() {
	ps.mu.Lock()
	conns := ps.conns
	ps.conns = make(map[*serverConn]struct{})
	ps.mu.Unlock()
	for sc := range conns {
		_ = sc.c.CloseNow()
	}
}

func (ps *PusherServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{
		c:        c,
		socketID: fmt.Sprintf("%d.%d", 1000+ps.nextID.Add(1), 42),
		channels: make(map[string]bool),
	}

	ps.mu.Lock()
	ps.conns[sc] = struct{}{}
	ps.connections++
	ps.mu.Unlock()
	defer func() {
		ps.mu.Lock()
		delete(ps.conns, sc)
		ps.mu.Unlock()
		_ = c.CloseNow()
	}()

	established, _ := json.Marshal(map[string]interface{}{"socket_id": sc.socketID, "activity_timeout": 120})
	quoted, _ := json.Marshal(string(established))
	if err := sc.write(ps.ctx, pusher.Frame{Event: pusher.EventConnectionEstablished, Data: quoted}); err != nil {
		return
	}

	for {
		_, raw, err := c.Read(ps.ctx)
		if err != nil {
			return
		}
		var f pusher.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Event {
		case pusher.EventPing:
			_ = sc.write(ps.ctx, pusher.Frame{Event: pusher.EventPong, Data: json.RawMessage(`{}`)})
		case pusher.EventSubscribe, pusher.EventUnsubscribe:
			payload, err := f.Payload()
			if err != nil {
				continue
			}
			var sub struct {
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal(payload, &sub); err != nil || sub.Channel == "" {
				continue
			}
			sc.mu.Lock()
			sc.channels[sub.Channel] = f.Event == pusher.EventSubscribe
			sc.mu.Unlock()
			if f.Event == pusher.EventUnsubscribe {
				continue
			}
			ps.mu.Lock()
			ps.subscribes = append(ps.subscribes, sub.Channel)
			ps.mu.Unlock()
			_ = sc.write(ps.ctx, pusher.Frame{Event: pusher.EventSubscriptionSucceeded, Channel: sub.Channel, Data: json.RawMessage(`"{}"`)})
		}
	}
}
