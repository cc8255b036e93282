package models

import (
	"fmt"
	"strings"
	"time"
)

type MessageStatus string

const (
	MessageStatusComposing MessageStatus = "composing"
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for monotonic merges. Failed shares the pending rank:
// both describe a message the server has not confirmed.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusComposing:
		return 0
	case MessageStatusPending, MessageStatusFailed:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusDelivered:
		return 3
	case MessageStatusRead:
		return 4
	default:
		return -1
	}
}

// Valid reports whether s is a known status
func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusComposing: {MessageStatusPending},
	MessageStatusPending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusFailed:    {MessageStatusPending, MessageStatusSent},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusRead},
	MessageStatusDelivered: {MessageStatusRead},
}

// CanTransition reports whether a message may move from s to next
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	for _, allowed := range messageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message is one chat item in a conversation. LocalID is always set and never
// changes; ID is the server id and stays empty until the backend or an echo
// confirms the message.
type Message struct {
	LocalID        string        `json:"local_id"`
	ID             ID            `json:"id,omitempty"`
	CorrelationID  string        `json:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked section
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// Transition moves the message to next, rejecting moves the state machine forbids
func (m *Message) Transition(next MessageStatus) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("invalid message transition %s -> %s", m.Status, next)
	}
	m.Status = next
	return nil
}

// ServerKey is the primary dedup key
func (m *Message) ServerKey() string {
	if m.ID.IsZero() {
		return ""
	}
	return m.ID.String()
}

// FallbackKey is the composite dedup key used when no server id is known
func (m *Message) FallbackKey(bucket time.Duration) string {
	ts := m.CreatedAt
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}
	return fmt.Sprintf("%s|%s|%s|%d", m.ConversationID, m.SenderID, strings.TrimSpace(m.Body), ts.Unix())
}

// IsPlaceholder reports whether the message is a local send the server has not confirmed
func (m *Message) IsPlaceholder() bool {
	return m.ID.IsZero() && (m.Status == MessageStatusPending || m.Status == MessageStatusFailed)
}

// MatchKind describes how strongly an inbound copy matches a placeholder
type MatchKind int

const (
	NoMatch MatchKind = iota
	HeuristicMatch
	ExactMatch
)

// Reconciles reports whether m is the server copy of placeholder p. Correlation
// ids decide when both sides carry one; otherwise sender, body and a time
// window decide.
func (m *Message) Reconciles(p *Message, window time.Duration) MatchKind {
	if !p.IsPlaceholder() {
		return NoMatch
	}
	return m.matches(p, window)
}

// Duplicates reports whether m, which carries no server id, is another copy of
// a confirmed local send. Only messages that started as local sends qualify.
func (m *Message) Duplicates(existing *Message, window time.Duration) MatchKind {
	if !m.ID.IsZero() || existing.ID.IsZero() || existing.CorrelationID == "" {
		return NoMatch
	}
	return m.matches(existing, window)
}

func (m *Message) matches(p *Message, window time.Duration) MatchKind {
	if m.ConversationID != p.ConversationID {
		return NoMatch
	}
	if m.CorrelationID != "" && p.CorrelationID != "" {
		if m.CorrelationID == p.CorrelationID {
			return ExactMatch
		}
		return NoMatch
	}
	if m.SenderID != p.SenderID || strings.TrimSpace(m.Body) != strings.TrimSpace(p.Body) {
		return NoMatch
	}
	if !m.CreatedAt.IsZero() && !p.CreatedAt.IsZero() && window > 0 {
		delta := m.CreatedAt.Sub(p.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			return NoMatch
		}
	}
	return HeuristicMatch
}

// NewerThan reports whether m carries strictly newer state than other
func (m *Message) NewerThan(other *Message) bool {
	if !m.UpdatedAt.IsZero() && !other.UpdatedAt.IsZero() && !m.UpdatedAt.Equal(other.UpdatedAt) {
		return m.UpdatedAt.After(other.UpdatedAt)
	}
	if m.Status.Rank() != other.Status.Rank() {
		return m.Status.Rank() > other.Status.Rank()
	}
	return m.ReadAt != nil && other.ReadAt == nil
}

// MergeFrom copies server-owned fields from other. Status never moves backwards.
func (m *Message) MergeFrom(other *Message) {
	if !other.ID.IsZero() {
		m.ID = other.ID
	}
	if other.Body != "" {
		m.Body = other.Body
	}
	if other.SenderID != "" {
		m.SenderID = other.SenderID
	}
	if !other.CreatedAt.IsZero() {
		m.CreatedAt = other.CreatedAt
	}
	if !other.UpdatedAt.IsZero() {
		m.UpdatedAt = other.UpdatedAt
	}
	if other.ReadAt != nil {
		t := *other.ReadAt
		m.ReadAt = &t
	}

	next := other.Status
	if !next.Valid() || next.Rank() < MessageStatusSent.Rank() {
		next = MessageStatusSent
	}
	if next.Rank() > m.Status.Rank() {
		m.Status = next
	}
	if m.ReadAt != nil && m.Status.Rank() < MessageStatusRead.Rank() {
		m.Status = MessageStatusRead
	}
	m.Error = ""
}
