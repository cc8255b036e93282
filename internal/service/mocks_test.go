package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"aquadrop/internal/models"
	"aquadrop/pkg/backend"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeTransport records the calls the registry makes
type fakeTransport struct {
	mu           sync.Mutex
	state        pusher.State
	subscribes   []string
	unsubscribes []string
	connects     int
	subErr       map[string]error
	stateFns     []pusher.StateListener
	subErrFns    []pusher.SubscriptionHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: pusher.StateConnected, subErr: make(map[string]error)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) State() pusher.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) RawSubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, channel)
	return f.subErr[channel]
}

func (f *fakeTransport) RawUnsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, channel)
	return nil
}

func (f *fakeTransport) OnStateChange(fn pusher.StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFns = append(f.stateFns, fn)
}

func (f *fakeTransport) OnSubscriptionError(fn pusher.SubscriptionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErrFns = append(f.subErrFns, fn)
}

func (f *fakeTransport) setState(next pusher.State) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	fns := append([]pusher.StateListener(nil), f.stateFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(prev, next)
	}
}

func (f *fakeTransport) rejectSubscription(channel string, err error) {
	f.mu.Lock()
	fns := append([]pusher.SubscriptionHandler(nil), f.subErrFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(channel, err)
	}
}

func (f *fakeTransport) calls() (subs, unsubs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...), append([]string(nil), f.unsubscribes...)
}

// mockBackend is a testify mock of backend.Client
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) SendMessage(ctx context.Context, req backend.SendMessageRequest) (*models.Message, error) {
	args := m.Called(ctx, req)
	if msg, ok := args.Get(0).(*models.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *mockBackend) FetchMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	args := m.Called(ctx, conversationID)
	if msgs, ok := args.Get(0).([]*models.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

// memoryStore keeps saved messages in a map
type memoryStore struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	position map[string]int
	deleted  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: make(map[string]*models.Message), position: make(map[string]int)}
}

func (s *memoryStore) SaveMessage(ctx context.Context, m *models.Message, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.LocalID] = m.Clone()
	if position >= 0 {
		s.position[m.LocalID] = position
	}
	return nil
}

func (s *memoryStore) DeleteMessage(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, localID)
	delete(s.position, localID)
	s.deleted = append(s.deleted, localID)
	return nil
}

func (s *memoryStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.position[out[i].LocalID] < s.position[out[j].LocalID] })
	return out, nil
}

func (s *memoryStore) get(localID string) (*models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[localID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

type staleCounter struct {
	mock.Mock
}

func (s *staleCounter) GetStalePendingCount(ctx context.Context, threshold time.Duration) (int, error) {
	args := s.Called(ctx, threshold)
	return args.Int(0), args.Error(1)
}

// funcBackend lets a test script the send call, including blocking on ctx
type funcBackend struct {
	send func(ctx context.Context, req backend.SendMessageRequest) (*models.Message, error)
}

func (f *funcBackend) SendMessage(ctx context.Context, req backend.SendMessageRequest) (*models.Message, error) {
	return f.send(ctx, req)
}

func (f *funcBackend) MarkRead(ctx context.Context, conversationID string) error { return nil }

func (f *funcBackend) FetchMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return nil, nil
}
