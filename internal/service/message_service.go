package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/merge"
	"aquadrop/internal/metrics"
	"aquadrop/internal/models"
	"aquadrop/internal/tracing"
	"aquadrop/pkg/backend"
	"aquadrop/pkg/circuitbreaker"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MessageStore persists conversations. Position is the message's index in its
// conversation.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *models.Message, position int) error
	DeleteMessage(ctx context.Context, localID string) error
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
}

type MessageServiceConfig struct {
	// UserID is the local user; own sends carry it as sender.
	UserID          string
	SendTimeout     time.Duration
	EchoWindow      time.Duration
	DedupBucket     time.Duration
	QueueSize       int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// MergeOptions is the dedup configuration shared by every list the
// pipeline and the order trackers keep
func (c MessageServiceConfig) MergeOptions() merge.Options {
	return merge.Options{Bucket: c.DedupBucket, Window: c.EchoWindow}
}

// DefaultMessageServiceConfig returns the pipeline defaults
func DefaultMessageServiceConfig(userID string) MessageServiceConfig {
	return MessageServiceConfig{
		UserID:          userID,
		SendTimeout:     time.Duration(constants.DefaultSendTimeoutSec) * time.Second,
		EchoWindow:      time.Duration(constants.DefaultEchoWindowSec) * time.Second,
		DedupBucket:     time.Duration(constants.DefaultDedupBucketSec) * time.Second,
		QueueSize:       constants.DefaultSendQueueSize,
		BreakerFailures: constants.DefaultBreakerFailures,
		BreakerCooldown: time.Duration(constants.DefaultBreakerCooldownSec) * time.Second,
	}
}

// Delivery tracks one backend send
type Delivery struct {
	LocalID        string
	ConversationID string

	done chan struct{}
	msg  *models.Message
	err  error
}

func newDelivery(m *models.Message) *Delivery {
	return &Delivery{LocalID: m.LocalID, ConversationID: m.ConversationID, done: make(chan struct{})}
}

func (d *Delivery) resolve(m *models.Message, err error) {
	d.msg = m
	d.err = err
	close(d.done)
}

// Done is closed once the send resolved
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the send resolved and returns a copy of the message in its
// resulting state. The error is the send failure, if any.
func (d *Delivery) Wait(ctx context.Context) (*models.Message, error) {
	select {
	case <-d.done:
		return d.msg, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sendJob struct {
	conv     *Conversation
	msg      *models.Message
	delivery *Delivery
}

// MessageService owns the conversations and the optimistic send pipeline.
// Sends for one conversation go through its own worker in call order.
type MessageService struct {
	cfg     MessageServiceConfig
	api     backend.Client
	store   MessageStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *apperrors.Logger
	newID   func() string
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	conversations map[string]*Conversation
	workers       map[string]chan *sendJob
	index         map[string]string // local id -> conversation id
}

// NewMessageService creates the pipeline. store may be nil.
func NewMessageService(cfg MessageServiceConfig, api backend.Client, store MessageStore, logger *logrus.Logger) *MessageService {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultMessageServiceConfig(cfg.UserID)
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = defaults.EchoWindow
	}
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = defaults.DedupBucket
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}

	breaker := circuitbreaker.NewWithConfig(circuitbreaker.Config{
		Name:             "backend-chat",
		MaxFailures:      cfg.BreakerFailures,
		Cooldown:         cfg.BreakerCooldown,
		HalfOpenMaxCalls: 1,
		IsFailure:        apperrors.IsRetryable,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.SetGauge("circuit_breaker_state", float64(to), map[string]string{"name": name}, "Circuit breaker state (0 closed, 1 open, 2 half-open)")
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &MessageService{
		cfg:           cfg,
		api:           api,
		store:         store,
		breaker:       breaker,
		logger:        apperrors.NewLogger(logger),
		newID:         uuid.NewString,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*Conversation),
		workers:       make(map[string]chan *sendJob),
		index:         make(map[string]string),
	}
}

// Breaker exposes the backend circuit breaker for diagnostics
func (s *MessageService) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Conversation returns the conversation with the given id
func (s *MessageService) Conversation(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Conversations returns the ids of known conversations, sorted
func (s *MessageService) Conversations() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// OpenConversation returns the conversation, creating an empty one if needed
func (s *MessageService) OpenConversation(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationLocked(id)
}

func (s *MessageService) conversationLocked(id string) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = newConversation(id, s.cfg.MergeOptions())
		s.conversations[id] = c
	}
	return c
}

// Send appends the message as pending right away and queues the backend call.
// The returned Delivery resolves when the call succeeds or fails.
func (s *MessageService) Send(ctx context.Context, conversationID, body string) (*Delivery, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "conversation id is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "message body is empty")
	}

	now := s.now()
	localID := s.newID()
	m := &models.Message{
		LocalID:        localID,
		CorrelationID:  localID,
		ConversationID: conversationID,
		SenderID:       s.cfg.UserID,
		Body:           body,
		Status:         models.MessageStatusComposing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.Transition(models.MessageStatusPending); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidState, "failed to queue message")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errServiceClosed
	}
	conv := s.conversationLocked(conversationID)
	s.index[localID] = conversationID
	s.mu.Unlock()

	change := conv.appendLocal(m)
	LogMessageEvent(ctx, s.logger.Logger, "outgoing", change.Message, "Message queued")
	s.persist(ctx, change.Message, change.Index)

	d := newDelivery(m)
	s.enqueue(ctx, &sendJob{conv: conv, msg: m, delivery: d})
	return d, nil
}

// Retry re-sends a failed message. The message keeps its local id and position.
func (s *MessageService) Retry(ctx context.Context, localID string) (*Delivery, error) {
	s.mu.Lock()
	convID, ok := s.index[localID]
	var conv *Conversation
	if ok {
		conv = s.conversations[convID]
	}
	s.mu.Unlock()
	if conv == nil {
		return nil, apperrors.NewNotFoundError("message", localID)
	}

	current, ok := conv.Get(localID)
	if !ok {
		return nil, apperrors.NewNotFoundError("message", localID)
	}
	if current.Status != models.MessageStatusFailed {
		return nil, apperrors.NewInvalidStateError("message", string(current.Status), "retry")
	}

	target, snapshot, index, err := conv.retry(localID, s.now())
	if err != nil || target == nil {
		return nil, apperrors.NewInvalidStateError("message", string(current.Status), "retry")
	}
	LogMessageEvent(ctx, s.logger.Logger, "outgoing", snapshot, "Message retry queued")
	metrics.IncrementCounter("chat_retry_total", nil, "Manual retries of failed messages")
	s.persist(ctx, snapshot, index)

	d := newDelivery(target)
	s.enqueue(ctx, &sendJob{conv: conv, msg: target, delivery: d})
	return d, nil
}

func (s *MessageService) enqueue(ctx context.Context, job *sendJob) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.abort(job, errServiceClosed)
		return
	}
	jobs, ok := s.workers[job.conv.ID()]
	if !ok {
		jobs = make(chan *sendJob, s.cfg.QueueSize)
		s.workers[job.conv.ID()] = jobs
		s.wg.Add(1)
		go s.runWorker(jobs)
	}
	s.mu.Unlock()

	select {
	case jobs <- job:
	case <-ctx.Done():
		s.abort(job, ctx.Err())
	case <-s.ctx.Done():
		s.abort(job, errServiceClosed)
	}
}

func (s *MessageService) runWorker(jobs chan *sendJob) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case job := <-jobs:
					s.abort(job, errServiceClosed)
				default:
					return
				}
			}
		case job := <-jobs:
			s.deliver(job)
		}
	}
}

// deliver performs one backend call and folds the result into the conversation
func (s *MessageService) deliver(job *sendJob) {
	conv := job.conv
	current, ok := conv.Get(job.msg.LocalID)
	if !ok {
		job.delivery.resolve(nil, apperrors.NewNotFoundError("message", job.msg.LocalID))
		return
	}
	if current.Status != models.MessageStatusPending {
		// An echo confirmed it before the worker got here.
		job.delivery.resolve(current, nil)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "chat.send",
		attribute.String("conversation.id", current.ConversationID),
		attribute.Int("message.body_length", len(current.Body)),
	)
	defer span.End()

	start := s.now()
	req := backend.SendMessageRequest{
		ChatID:   current.ConversationID,
		Body:     current.Body,
		ClientID: current.CorrelationID,
	}
	var confirmed *models.Message
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = s.api.SendMessage(ctx, req)
		return err
	})
	if err == nil && confirmed == nil {
		err = apperrors.New(apperrors.ErrCodeSendFailure, "backend returned no message")
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = apperrors.NewTimeoutError("send message", s.cfg.SendTimeout.String())
	}
	metrics.RecordTimer("chat_send_duration", s.now().Sub(start), nil, "Backend send latency")

	if err != nil {
		tracing.RecordError(ctx, err)
		s.fail(ctx, job, err)
		return
	}

	confirmed.ConversationID = current.ConversationID
	result, index, removed := conv.promote(job.msg, confirmed)
	tracing.AddSpanAttributes(ctx, attribute.String("message.id", result.ID.String()))
	tracing.SetSpanStatus(ctx, codes.Ok, "")
	metrics.IncrementCounter("chat_send_total", map[string]string{"result": "sent"}, "Backend sends by result")
	LogMessageEvent(ctx, s.logger.Logger, "outgoing", result, "Message confirmed by backend")

	s.persist(ctx, result, index)
	for _, r := range removed {
		s.forget(r.LocalID)
		if s.store != nil {
			if err := s.store.DeleteMessage(s.ctx, r.LocalID); err != nil {
				s.logger.LogWarn(err, "Failed to delete duplicate message")
			}
		}
	}
	job.delivery.resolve(result, nil)
}

func (s *MessageService) fail(ctx context.Context, job *sendJob, cause error) {
	result, index, failed := job.conv.fail(job.msg, cause.Error(), s.now())
	if !failed {
		// Confirmed by an echo while the call was in flight.
		metrics.IncrementCounter("chat_send_total", map[string]string{"result": "echoed"}, "Backend sends by result")
		job.delivery.resolve(result, nil)
		return
	}

	metrics.IncrementCounter("chat_send_total", map[string]string{"result": "failed"}, "Backend sends by result")
	s.logger.LogWarn(cause, "Message send failed", messageFields(ctx, result))
	s.persist(ctx, result, index)
	job.delivery.resolve(result, cause)
}

func (s *MessageService) abort(job *sendJob, cause error) {
	s.fail(context.Background(), job, cause)
}

// HandleEvent folds an inbound realtime event into the conversations. It is
// meant to be bound to the chat channel through the dispatcher.
func (s *MessageService) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case *ChatMessageEvent:
		s.applyInbound(context.Background(), e.Message)
	case *MessageReadEvent:
		s.applyRead(context.Background(), e)
	}
}

func (s *MessageService) applyInbound(ctx context.Context, incoming *models.Message) (*models.Message, merge.Outcome) {
	if incoming == nil || incoming.ConversationID == "" {
		return nil, merge.Ignored
	}
	m := incoming.Clone()
	if m.LocalID == "" {
		m.LocalID = s.newID()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	s.mu.Lock()
	conv := s.conversationLocked(m.ConversationID)
	s.mu.Unlock()

	result, index, outcome := conv.apply(m)
	metrics.IncrementCounter("chat_inbound_total", map[string]string{"outcome": outcome.String()}, "Inbound chat messages by merge outcome")
	if outcome == merge.Ignored {
		return result, outcome
	}
	if outcome == merge.Appended {
		s.mu.Lock()
		s.index[result.LocalID] = result.ConversationID
		s.mu.Unlock()
	}

	s.logger.WithFields(messageFields(ctx, result)).WithField(LogFieldOutcome, outcome.String()).Debug("Inbound message applied")
	s.persist(ctx, result, index)
	return result, outcome
}

func (s *MessageService) applyRead(ctx context.Context, ev *MessageReadEvent) {
	var targets []*Conversation
	s.mu.Lock()
	if ev.ConversationID != "" {
		if c, ok := s.conversations[ev.ConversationID]; ok {
			targets = append(targets, c)
		}
	} else {
		for _, c := range s.conversations {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, conv := range targets {
		for _, m := range conv.markRead(ev) {
			s.persist(ctx, m, -1)
		}
	}
}

// Load hydrates a conversation from the store. Stored pending sends did not
// survive the restart and come back as failed.
func (s *MessageService) Load(ctx context.Context, conversationID string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	stored, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	for _, m := range stored {
		if m.Status == models.MessageStatusPending || m.Status == models.MessageStatusComposing {
			if m.ID.IsZero() {
				m.Status = models.MessageStatusFailed
				m.Error = "send interrupted"
			} else {
				m.Status = models.MessageStatusSent
			}
		}
	}

	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	s.mu.Unlock()

	added := conv.hydrate(stored)

	s.mu.Lock()
	for _, m := range added {
		s.index[m.LocalID] = conversationID
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		LogFieldConversationID: conversationID,
		LogFieldCount:          len(added),
	}).Debug("Conversation loaded from store")
	return len(added), nil
}

// Sync fetches the latest messages from the backend and merges them, for
// catching up after a reconnect.
func (s *MessageService) Sync(ctx context.Context, conversationID string) (int, error) {
	var fetched []*models.Message
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = s.api.FetchMessages(ctx, conversationID)
		return err
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, m := range fetched {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if _, outcome := s.applyInbound(ctx, m); outcome != merge.Ignored {
			changed++
		}
	}
	return changed, nil
}

// MarkRead tells the backend the local user has read the conversation
func (s *MessageService) MarkRead(ctx context.Context, conversationID string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.api.MarkRead(ctx, conversationID)
	})
}

// Close stops the workers. Queued sends that did not start resolve as failed.
func (s *MessageService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *MessageService) persist(ctx context.Context, m *models.Message, index int) {
	if s.store == nil || m == nil {
		return
	}
	if index < 0 {
		if conv, ok := s.Conversation(m.ConversationID); ok {
			conv.mu.Lock()
			index = conv.list.IndexOf(func(x *models.Message) bool { return x.LocalID == m.LocalID })
			conv.mu.Unlock()
		}
	}
	if err := s.store.SaveMessage(context.WithoutCancel(ctx), m, index); err != nil {
		s.logger.LogWarn(err, "Failed to persist message", logrus.Fields{LogFieldConversationID: m.ConversationID})
	}
}

func (s *MessageService) forget(localID string) {
	s.mu.Lock()
	delete(s.index, localID)
	s.mu.Unlock()
}

var errServiceClosed = apperrors.New(apperrors.ErrCodeInvalidState, "message service is closed")
