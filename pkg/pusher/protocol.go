package pusher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol events
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// Frame is one websocket message in either direction
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// Payload returns the frame data as raw JSON. Servers send data either as a
// JSON object or as a string holding JSON; both forms are accepted.
func (f Frame) Payload() ([]byte, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	if data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode frame data: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		return []byte("{}"), nil
	}
	return []byte(s), nil
}

// IsProtocol reports whether the frame is a protocol frame rather than an application event
func (f Frame) IsProtocol() bool {
	return strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:")
}

func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame without event name")
	}
	return f, nil
}

func encodeFrame(event, channel string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame data: %w", err)
	}
	return json.Marshal(Frame{Event: event, Channel: channel, Data: raw})
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type protocolError struct {
	Message string `json:"message"`
	Code    *int   `json:"code"`
}

type subscriptionError struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// Error codes 4000-4099 tell the client not to reconnect with the same settings.
func fatalCode(code int) bool {
	return code >= 4000 && code < 4100
}

// RequiresAuth reports whether a channel name needs a signature to subscribe
func RequiresAuth(channel string) bool {
	return strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-")
}
