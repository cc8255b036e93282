package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/models"

	"github.com/sirupsen/logrus"
)

// Client talks to the delivery backend's chat API
type Client interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	FetchMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// SendMessageRequest is the body of POST /api/chat/messages
type SendMessageRequest struct {
	ChatID   string `json:"chat_id"`
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

type APIClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *logrus.Logger
}

func NewClient(baseURL, authToken string, httpClient *http.Client) *APIClient {
	return NewClientWithLogger(baseURL, authToken, httpClient, nil)
}

func NewClientWithLogger(baseURL, authToken string, httpClient *http.Client, logger *logrus.Logger) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultBackendTimeoutSec * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &APIClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client:    httpClient,
		logger:    logger,
	}
}

func (c *APIClient) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	endpoint := c.baseURL + "/api/chat/messages"

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, endpoint, jsonData)
	if err != nil {
		return nil, err
	}

	var payload models.ChatPayload
	if err := decodeData(body, &payload); err != nil {
		return nil, apperrors.NewSendError(endpoint, http.StatusOK, err)
	}
	if payload.ID.IsZero() {
		return nil, apperrors.NewSendError(endpoint, http.StatusOK, fmt.Errorf("response carries no message id"))
	}

	msg := payload.ToMessage()
	if msg.ConversationID == "" {
		msg.ConversationID = req.ChatID
	}
	if msg.Body == "" {
		msg.Body = req.Body
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = req.ClientID
	}
	return msg, nil
}

func (c *APIClient) MarkRead(ctx context.Context, conversationID string) error {
	endpoint := fmt.Sprintf("%s/api/chat/%s/read", c.baseURL, url.PathEscape(conversationID))
	_, err := c.do(ctx, http.MethodPost, endpoint, nil)
	return err
}

func (c *APIClient) FetchMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	endpoint := fmt.Sprintf("%s/api/chat/%s/messages", c.baseURL, url.PathEscape(conversationID))

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var payloads []models.ChatPayload
	if err := decodeData(body, &payloads); err != nil {
		return nil, apperrors.NewSendError(endpoint, http.StatusOK, err)
	}

	out := make([]*models.Message, 0, len(payloads))
	for _, p := range payloads {
		msg := p.ToMessage()
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
	}).Debug("Sending backend request")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewSendError(endpoint, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.NewSendError(endpoint, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewSendError(endpoint, resp.StatusCode, fmt.Errorf("backend API error: status %d, body: %s", resp.StatusCode, truncate(body, 256)))
	}
	return body, nil
}

// decodeData accepts both bare payloads and Laravel resource envelopes ({"data": ...})
func decodeData(body []byte, out interface{}) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
			trimmed = envelope.Data
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
