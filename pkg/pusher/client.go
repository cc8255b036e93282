package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/retry"

	"github.com/sirupsen/logrus"
)

// State represents the connection state of the client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrMissingConfig is returned by Connect when the app key or host cannot be resolved
var ErrMissingConfig = errors.New("pusher: app key and cluster or host are required")

// Event is an application event received on a subscribed channel
type Event struct {
	Channel string
	Name    string
	Data    []byte
	UserID  string
}

type (
	StateListener       func(prev, next State)
	EventHandler        func(Event)
	SubscriptionHandler func(channel string, err error)
	ErrorHandler        func(err error)
)

// Options configures a Client
type Options struct {
	AppKey  string
	Cluster string
	// Host overrides the cluster host, e.g. for a self-hosted websocket server.
	Host   string
	Port   int
	UseTLS bool

	ActivityTimeout  time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	Reconnect        retry.BackoffConfig

	Authorizer Authorizer
	Dialer     Dialer
	Logger     *logrus.Logger
}

type subStatus int

const (
	subPending subStatus = iota
	subConfirmed
)

// Client is a Pusher protocol client. It owns one websocket connection at a
// time, reconnects with backoff, and tracks the channels subscribed on the
// current connection. The table is cleared whenever the connection drops.
type Client struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	state    State
	stateCh  chan struct{}
	socketID string
	conn     Conn
	channels map[string]subStatus
	cancel   context.CancelFunc
	done     chan struct{}

	stateListeners []StateListener
	eventHandler   EventHandler
	subErrHandlers []SubscriptionHandler
	errHandlers    []ErrorHandler

	writeMu sync.Mutex
}

// NewClient creates a disconnected client
func NewClient(opts Options) *Client {
	if opts.Cluster == "" && opts.Host == "" {
		opts.Cluster = constants.DefaultPusherCluster
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = constants.DefaultActivityTimeoutSec * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = constants.DefaultPongTimeoutSec * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = constants.DefaultConnectHandshakeSec * time.Second
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect = retry.DefaultBackoffConfig()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		opts:     opts,
		logger:   logger,
		state:    StateDisconnected,
		stateCh:  make(chan struct{}),
		channels: make(map[string]subStatus),
	}
}

// URL returns the websocket URL the client dials
func (c *Client) URL() (string, error) {
	if c.opts.AppKey == "" || (c.opts.Host == "" && c.opts.Cluster == "") {
		return "", ErrMissingConfig
	}

	scheme := "ws"
	if c.opts.UseTLS {
		scheme = "wss"
	}
	host := c.opts.Host
	if host == "" {
		host = "ws-" + c.opts.Cluster + ".pusher.com"
	}
	if c.opts.Port > 0 {
		host = host + ":" + strconv.Itoa(c.opts.Port)
	}

	q := url.Values{}
	q.Set("protocol", strconv.Itoa(constants.PusherProtocolVersion))
	q.Set("client", constants.PusherClientName)
	q.Set("version", constants.PusherClientVersion)

	u := url.URL{Scheme: scheme, Host: host, Path: "/app/" + c.opts.AppKey, RawQuery: q.Encode()}
	return u.String(), nil
}

// OnStateChange registers a listener invoked on every state transition, in registration order
func (c *Client) OnStateChange(fn StateListener) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.mu.Unlock()
}

// OnEvent sets the handler that receives application events
func (c *Client) OnEvent(fn EventHandler) {
	c.mu.Lock()
	c.eventHandler = fn
	c.mu.Unlock()
}

// OnSubscriptionError registers a handler for rejected subscriptions
func (c *Client) OnSubscriptionError(fn SubscriptionHandler) {
	c.mu.Lock()
	c.subErrHandlers = append(c.subErrHandlers, fn)
	c.mu.Unlock()
}

// OnError registers a handler for connection-level errors
func (c *Client) OnError(fn ErrorHandler) {
	c.mu.Lock()
	c.errHandlers = append(c.errHandlers, fn)
	c.mu.Unlock()
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the socket id of the current connection, or "" when not connected
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Subscribed reports whether the channel has been confirmed on the current connection
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.channels[channel]
	return ok && status == subConfirmed
}

func (c *Client) hasChannel(channel string) bool {
	_, ok := c.channels[channel]
	return ok
}

// Connect starts the connection loop. It returns immediately; observe progress
// through OnStateChange or WaitForState. Calling Connect while a loop is
// already running is a no-op. ctx bounds the lifetime of the loop.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.URL()
	if err != nil {
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(loopCtx, endpoint, done)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WaitForState blocks until the client reaches the state or ctx is done
func (c *Client) WaitForState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.stateCh
		c.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// RawSubscribe sends a subscribe frame for the channel on the current
// connection. It does nothing when the channel is already in the connection's
// table or the client is not connected; subscriptions are not queued.
func (c *Client) RawSubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil || c.hasChannel(channel) {
		c.mu.Unlock()
		return nil
	}
	c.channels[channel] = subPending
	conn, socketID := c.conn, c.socketID
	c.mu.Unlock()

	data := subscribeData{Channel: channel}
	if RequiresAuth(channel) {
		if c.opts.Authorizer == nil {
			c.dropChannel(channel)
			return apperrors.NewSubscriptionError(channel, 0, "no authorizer configured for protected channel")
		}
		auth, err := c.opts.Authorizer.Authorize(ctx, socketID, channel)
		if err != nil {
			c.dropChannel(channel)
			return apperrors.NewSubscriptionError(channel, 0, err.Error())
		}
		data.Auth = auth.Auth
		data.ChannelData = auth.ChannelData
	}

	if err := c.send(ctx, conn, EventSubscribe, "", data); err != nil {
		c.dropChannel(channel)
		return apperrors.NewConnectionError("subscribe", err)
	}

	c.logger.WithField("channel", channel).Debug("Subscribe sent")
	return nil
}

// RawUnsubscribe removes the channel from the connection's table and tells the server
func (c *Client) RawUnsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if !c.hasChannel(channel) {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := c.send(ctx, conn, EventUnsubscribe, "", subscribeData{Channel: channel}); err != nil {
		return apperrors.NewConnectionError("unsubscribe", err)
	}
	return nil
}

func (c *Client) dropChannel(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, conn Conn, event, channel string, data interface{}) error {
	frame, err := encodeFrame(event, channel, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, frame)
}

func (c *Client) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		close(done)
	}()

	backoff := retry.NewBackoff(c.opts.Reconnect)
	for ctx.Err() == nil {
		// A nil result means an established session ended; start a fresh schedule.
		err := backoff.RetryNotify(ctx, func() error {
			return c.session(ctx, endpoint)
		}, isReconnectable, func(err error, attempt int, delay time.Duration) {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			}).Warn("Pusher connection attempt failed, retrying")
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("Pusher connection loop stopped")
			}
			return
		}
	}
}

type fatalError struct {
	code    int
	message string
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.code, e.message)
}

func isReconnectable(err error) bool {
	var fatal *fatalError
	if errors.As(err, &fatal) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// session dials, completes the handshake and reads until the connection ends.
// It returns an error only if the connection was never established.
func (c *Client) session(ctx context.Context, endpoint string) error {
	c.setState(StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx, endpoint)
	if err != nil {
		cancelDial()
		c.setState(StateDisconnected)
		err = apperrors.NewConnectionError("dial", err)
		c.emitError(err)
		return err
	}

	established, err := c.handshake(dialCtx, conn)
	cancelDial()
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		c.emitError(err)
		return err
	}

	activity := c.opts.ActivityTimeout
	if established.ActivityTimeout > 0 {
		serverTimeout := time.Duration(established.ActivityTimeout) * time.Second
		if serverTimeout < activity {
			activity = serverTimeout
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = established.SocketID
	c.channels = make(map[string]subStatus)
	c.mu.Unlock()

	c.logger.WithField("socket_id", established.SocketID).Info("Pusher connection established")
	c.setState(StateConnected)

	sessionCtx, stopSession := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(sessionCtx, conn, activity)
	}()

	readErr := c.readLoop(sessionCtx, conn, activity+c.opts.PongTimeout)

	stopSession()
	wg.Wait()
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.socketID = ""
	c.channels = make(map[string]subStatus)
	c.mu.Unlock()
	c.setState(StateDisconnected)

	if ctx.Err() != nil {
		return nil
	}
	var fatal *fatalError
	if errors.As(readErr, &fatal) {
		c.emitError(readErr)
		return readErr
	}
	c.logger.WithError(readErr).Warn("Pusher connection lost")
	c.emitError(apperrors.NewConnectionError("read", readErr))
	return nil
}

func (c *Client) handshake(ctx context.Context, conn Conn) (*connectionEstablished, error) {
	raw, err := conn.Read(ctx)
	if err != nil {
		return nil, apperrors.NewConnectionError("handshake", err)
	}
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, apperrors.NewConnectionError("handshake", err)
	}

	payload, err := frame.Payload()
	if err != nil {
		return nil, apperrors.NewConnectionError("handshake", err)
	}

	switch frame.Event {
	case EventConnectionEstablished:
		var est connectionEstablished
		if err := json.Unmarshal(payload, &est); err != nil {
			return nil, apperrors.NewConnectionError("handshake", err)
		}
		if est.SocketID == "" {
			return nil, apperrors.NewConnectionError("handshake", errors.New("missing socket_id"))
		}
		return &est, nil
	case EventError:
		return nil, protocolFailure(payload)
	default:
		return nil, apperrors.NewConnectionError("handshake", fmt.Errorf("unexpected first frame %q", frame.Event))
	}
}

func protocolFailure(payload []byte) error {
	var perr protocolError
	_ = json.Unmarshal(payload, &perr)
	if perr.Code != nil && fatalCode(*perr.Code) {
		return &fatalError{code: *perr.Code, message: perr.Message}
	}
	return apperrors.NewConnectionError("protocol", errors.New(perr.Message))
}

func (c *Client) keepalive(ctx context.Context, conn Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, conn, EventPing, "", struct{}{}); err != nil {
				c.logger.WithError(err).Debug("Failed to send ping")
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, idle time.Duration) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		raw, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}

		frame, err := decodeFrame(raw)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping undecodable frame")
			continue
		}
		if err := c.handleFrame(ctx, conn, frame); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn Conn, frame Frame) error {
	payload, err := frame.Payload()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"event":   frame.Event,
			"channel": frame.Channel,
		}).WithError(err).Warn("Dropping frame with undecodable data")
		return nil
	}

	switch frame.Event {
	case EventPing:
		if err := c.send(ctx, conn, EventPong, "", struct{}{}); err != nil {
			c.logger.WithError(err).Debug("Failed to send pong")
		}
		return nil
	case EventPong:
		return nil
	case EventError:
		err := protocolFailure(payload)
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return err
		}
		c.logger.WithError(err).Warn("Pusher reported an error")
		c.emitError(err)
		return nil
	case EventSubscriptionSucceeded:
		c.mu.Lock()
		if c.hasChannel(frame.Channel) {
			c.channels[frame.Channel] = subConfirmed
		}
		c.mu.Unlock()
		c.logger.WithField("channel", frame.Channel).Debug("Subscription confirmed")
		return nil
	case EventSubscriptionError:
		var serr subscriptionError
		_ = json.Unmarshal(payload, &serr)
		c.dropChannel(frame.Channel)
		msg := serr.Error
		if msg == "" {
			msg = serr.Type
		}
		c.emitSubscriptionError(frame.Channel, apperrors.NewSubscriptionError(frame.Channel, serr.Status, msg))
		return nil
	}

	if frame.IsProtocol() {
		return nil
	}

	c.mu.Lock()
	handler := c.eventHandler
	c.mu.Unlock()
	if handler != nil {
		handler(Event{Channel: frame.Channel, Name: frame.Event, Data: payload, UserID: frame.UserID})
	}
	return nil
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	listeners := make([]StateListener, len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("Pusher state changed")

	for _, fn := range listeners {
		fn(prev, next)
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	handlers := make([]ErrorHandler, len(c.errHandlers))
	copy(handlers, c.errHandlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (c *Client) emitSubscriptionError(channel string, err error) {
	c.mu.Lock()
	handlers := make([]SubscriptionHandler, len(c.subErrHandlers))
	copy(handlers, c.subErrHandlers)
	c.mu.Unlock()
	c.logger.WithField("channel", channel).WithError(err).Warn("Subscription rejected")
	for _, fn := range handlers {
		fn(channel, err)
	}
}
