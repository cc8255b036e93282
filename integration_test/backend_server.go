package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"aquadrop/pkg/backend"

	"github.com/gorilla/mux"
)

// StoredMessage is a message as the mock backend keeps it
type StoredMessage struct {
	ID        int       `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BackendServer mocks the chat REST API. Accepted sends are optionally
// echoed on the realtime channel, the way the real backend broadcasts them.
type BackendServer struct {
	srv    *httptest.Server
	userID string

	mu        sync.Mutex
	nextID    int
	messages  map[string][]StoredMessage
	failNext  int
	reads     []string
	echo      func(StoredMessage)
	sendCalls int
}

func NewBackendServer(userID string) *BackendServer {
	b := &BackendServer{userID: userID, nextID: 100, messages: make(map[string][]StoredMessage)}

	r := mux.NewRouter()
	r.HandleFunc("/api/chat/messages", b.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/{id}/messages", b.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/{id}/read", b.handleRead).Methods(http.MethodPost)
	b.srv = httptest.NewServer(r)
	return b
}

func (b *BackendServer) URL() string { return b.srv.URL }

func (b *BackendServer) Close() { b.srv.Close() }

// OnAccepted registers the echo hook for accepted sends
func (b *BackendServer) OnAccepted(fn func(StoredMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.echo = fn
}

// FailNext makes the next n sends answer 503
func (b *BackendServer) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Inject stores a message from another participant without broadcasting it
func (b *BackendServer) Inject(chatID, senderID, body string) StoredMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m := StoredMessage{ID: b.nextID, ChatID: chatID, SenderID: senderID, Body: body, CreatedAt: time.Now().UTC()}
	b.messages[chatID] = append(b.messages[chatID], m)
	return m
}

func (b *BackendServer) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

func (b *BackendServer) Reads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reads...)
}

func (b *BackendServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req backend.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"message":"invalid body"}`, http.StatusUnprocessableEntity)
		return
	}

	b.mu.Lock()
	b.sendCalls++
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		http.Error(w, `{"message":"maintenance"}`, http.StatusServiceUnavailable)
		return
	}
	b.nextID++
	m := StoredMessage{
		ID:        b.nextID,
		ChatID:    req.ChatID,
		SenderID:  b.userID,
		Body:      req.Body,
		ClientID:  req.ClientID,
		CreatedAt: time.Now().UTC(),
	}
	b.messages[req.ChatID] = append(b.messages[req.ChatID], m)
	echo := b.echo
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": m})

	if echo != nil {
		go echo(m)
	}
}

func (b *BackendServer) handleList(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	b.mu.Lock()
	list := append([]StoredMessage{}, b.messages[chatID]...)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": list})
}

func (b *BackendServer) handleRead(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.reads = append(b.reads, mux.Vars(r)["id"])
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// EchoPayload is the realtime payload for a stored message
func EchoPayload(m StoredMessage) map[string]interface{} {
	return map[string]interface{}{
		"message": map[string]interface{}{
			"id":         m.ID,
			"chat_id":    m.ChatID,
			"sender_id":  m.SenderID,
			"body":       m.Body,
			"client_id":  m.ClientID,
			"created_at": m.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}
