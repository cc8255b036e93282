package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Timestamp decodes the time formats the backend emits: RFC 3339, SQL
// datetime strings and unix seconds or milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
		}
		v, err := n.Int64()
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
		}
		if v > 1e12 {
			t.Time = time.UnixMilli(v).UTC()
		} else {
			t.Time = time.Unix(v, 0).UTC()
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// ChatPayload is a chat message as the backend API and the realtime channel
// deliver it. Field names vary between endpoints; ToMessage normalises them.
type ChatPayload struct {
	ID             ID        `json:"id"`
	ChatID         ID        `json:"chat_id"`
	ConversationID ID        `json:"conversation_id"`
	SenderID       ID        `json:"sender_id"`
	UserID         ID        `json:"user_id"`
	Body           string    `json:"body"`
	Text           string    `json:"text"`
	ClientID       string    `json:"client_id"`
	Status         string    `json:"status"`
	CreatedAt      Timestamp `json:"created_at"`
	UpdatedAt      Timestamp `json:"updated_at"`
	ReadAt         Timestamp `json:"read_at"`
}

// ToMessage converts the payload to a confirmed message
func (p ChatPayload) ToMessage() *Message {
	conv := p.ChatID
	if conv.IsZero() {
		conv = p.ConversationID
	}
	sender := p.SenderID
	if sender.IsZero() {
		sender = p.UserID
	}
	body := p.Body
	if body == "" {
		body = p.Text
	}

	m := &Message{
		ID:             p.ID,
		CorrelationID:  p.ClientID,
		ConversationID: conv.String(),
		SenderID:       sender.String(),
		Body:           body,
		Status:         MessageStatusSent,
		CreatedAt:      p.CreatedAt.Time,
		UpdatedAt:      p.UpdatedAt.Time,
	}
	if status := MessageStatus(strings.ToLower(p.Status)); status.Rank() >= MessageStatusSent.Rank() {
		m.Status = status
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if !p.ReadAt.IsZero() {
		readAt := p.ReadAt.Time
		m.ReadAt = &readAt
		m.Status = MessageStatusRead
	}
	return m
}
