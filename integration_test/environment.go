package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"aquadrop/internal/database"
	"aquadrop/internal/retry"
	"aquadrop/internal/service"
	"aquadrop/pkg/backend"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testUserID   = "u-1"
	testAppKey   = "test-key"
	chatChannel  = "chat-app"
	waitTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

// TestEnvironment runs the client stack against a websocket server, a mock
// REST backend and a file-backed SQLite store.
type TestEnvironment struct {
	t *testing.T

	Pusher   *PusherServer
	Backend  *BackendServer
	DBPath   string
	DB       *database.Database
	Client   *pusher.Client
	Channels *service.ChannelManager
	Events   *service.Dispatcher
	Messages *service.MessageService
	Chat     *service.Scope

	ctx    context.Context
	cancel context.CancelFunc
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// NewTestEnvironment wires the stack and connects. Everything is torn down
// by t.Cleanup.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	env := &TestEnvironment{
		t:       t,
		Pusher:  NewPusherServer(t),
		Backend: NewBackendServer(testUserID),
		DBPath:  filepath.Join(t.TempDir(), "aquadrop.db"),
	}
	env.ctx, env.cancel = context.WithCancel(context.Background())
	t.Cleanup(env.Cleanup)

	env.open()
	return env
}

func (env *TestEnvironment) open() {
	logger := quietLogger()

	db, err := database.New(env.DBPath)
	require.NoError(env.t, err)
	env.DB = db

	reconnect := retry.DefaultBackoffConfig()
	reconnect.InitialDelay = 10 * time.Millisecond
	reconnect.MaxDelay = 50 * time.Millisecond
	reconnect.Jitter = false

	env.Client = pusher.NewClient(pusher.Options{
		AppKey:    testAppKey,
		Host:      env.Pusher.Host(),
		Port:      env.Pusher.Port(),
		UseTLS:    false,
		Reconnect: reconnect,
		Logger:    logger,
	})
	env.Channels = service.NewChannelManager(env.ctx, env.Client, logger)
	env.Events = service.NewDispatcher(logger)
	env.Client.OnEvent(env.Events.HandleTransportEvent)

	cfg := service.DefaultMessageServiceConfig(testUserID)
	cfg.SendTimeout = 2 * time.Second
	api := backend.NewClientWithLogger(env.Backend.URL(), "token", nil, logger)
	env.Messages = service.NewMessageService(cfg, api, env.DB, logger)

	env.Chat = service.NewScope(env.ctx)
	h, err := env.Chat.Acquire(env.Channels, chatChannel)
	require.NoError(env.t, err)
	_, err = env.Chat.On(env.Events, h, service.AnyEvent, env.Messages.HandleEvent)
	require.NoError(env.t, err)

	require.NoError(env.t, env.Client.Connect(env.ctx))
	ctx, cancel := context.WithTimeout(env.ctx, waitTimeout)
	defer cancel()
	require.NoError(env.t, env.Client.WaitForState(ctx, pusher.StateConnected))
	env.WaitForSubscribes(chatChannel, 1)
}

// Restart closes the client side and opens it again on the same database,
// the way a process restart would.
func (env *TestEnvironment) Restart() {
	env.closeClient()
	env.ctx, env.cancel = context.WithCancel(context.Background())
	before := env.Pusher.SubscribeCount(chatChannel)
	env.open()
	env.WaitForSubscribes(chatChannel, before+1)
}

// WaitForSubscribes blocks until the server saw n subscribes for channel
func (env *TestEnvironment) WaitForSubscribes(channel string, n int) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		return env.Pusher.SubscribeCount(channel) >= n
	}, waitTimeout, pollInterval, "waiting for %d subscribes to %s", n, channel)
}

// Eventually is require.Eventually with the environment timeouts
func (env *TestEnvironment) Eventually(cond func() bool, msg string) {
	env.t.Helper()
	require.Eventually(env.t, cond, waitTimeout, pollInterval, msg)
}

func (env *TestEnvironment) closeClient() {
	if env.Chat != nil {
		_ = env.Chat.Close()
	}
	if env.Messages != nil {
		_ = env.Messages.Close()
	}
	if env.Client != nil {
		env.Client.Disconnect()
	}
	env.cancel()
	if env.DB != nil {
		_ = env.DB.Close()
	}
}

func (env *TestEnvironment) Cleanup() {
	env.closeClient()
	env.Pusher.Close()
	env.Backend.Close()
}
