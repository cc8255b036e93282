package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/metrics"
	"aquadrop/internal/middleware"
	"aquadrop/internal/models"
	"aquadrop/internal/security"
	"aquadrop/internal/service"
	"aquadrop/internal/tracing"
	"aquadrop/pkg/pusher"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxSendBodyBytes = 64 << 10

// ChatService is the part of the message pipeline the API drives
type ChatService interface {
	Send(ctx context.Context, conversationID, body string) (*service.Delivery, error)
	Retry(ctx context.Context, localID string) (*service.Delivery, error)
	MarkRead(ctx context.Context, conversationID string) error
	Load(ctx context.Context, conversationID string) (int, error)
	Conversation(id string) (*service.Conversation, bool)
}

// OrderSource resolves the current view of an order
type OrderSource interface {
	Snapshot(ctx context.Context, orderID string) (models.OrderSnapshot, bool, error)
}

// Pinger checks the store
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    models.ServerConfig
	router *mux.Router
	logger *logrus.Logger
	chat   ChatService
	orders OrderSource
	conn   service.StateSource
	db     Pinger
	server *http.Server
}

// NewServer wires the agent API. orders, conn and db may be nil.
func NewServer(cfg models.ServerConfig, chat ChatService, orders OrderSource, conn service.StateSource, db Pinger, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: logger,
		chat:   chat,
		orders: orders,
		conn:   conn,
		db:     db,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.GetRegistry().Handler()).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.handleListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{localID}/retry", s.handleRetry()).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requireToken enforces the bearer token when one is configured
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !security.TokenMatches(s.cfg.APIToken, security.BearerToken(r.Header.Get("Authorization"))) {
			metrics.IncrementCounter("api_unauthorized_total", nil, "API requests rejected for a missing or wrong token")
			s.writeError(w, r, apperrors.New(apperrors.ErrCodeUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
	Database   string `json:"database"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Connection: "unknown", Database: "unknown"}
		code := http.StatusOK

		if s.conn != nil {
			state := s.conn.State()
			resp.Connection = state.String()
			if state != pusher.StateConnected {
				resp.Status = "degraded"
			}
		}
		if s.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.db.Ping(ctx); err != nil {
				s.logger.WithError(err).Warn("Database health check failed")
				resp.Database = "unavailable"
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}
		writeJSON(w, code, resp)
	}
}

type sendRequest struct {
	Body string `json:"body"`
}

type deliveryResponse struct {
	LocalID        string          `json:"local_id"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := mux.Vars(r)["id"]

		var req sendRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxSendBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		d, err := s.chat.Send(r.Context(), convID, req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.respondDelivery(w, r, d)
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.chat.Retry(r.Context(), mux.Vars(r)["localID"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.respondDelivery(w, r, d)
	}
}

// respondDelivery answers 202 right away, or with ?wait=true blocks until the
// send resolved and answers 200 or 502.
func (s *Server) respondDelivery(w http.ResponseWriter, r *http.Request, d *service.Delivery) {
	resp := deliveryResponse{LocalID: d.LocalID, ConversationID: d.ConversationID}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if conv, ok := s.chat.Conversation(d.ConversationID); ok {
			if m, ok := conv.Get(d.LocalID); ok {
				resp.Message = m
			}
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	m, err := d.Wait(r.Context())
	resp.Message = m
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type messagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []*models.Message `json:"messages"`
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := mux.Vars(r)["id"]

		conv, ok := s.chat.Conversation(convID)
		if !ok {
			if _, err := s.chat.Load(r.Context(), convID); err != nil {
				s.writeError(w, r, err)
				return
			}
			conv, ok = s.chat.Conversation(convID)
		}

		resp := messagesResponse{ConversationID: convID, Messages: []*models.Message{}}
		if ok {
			resp.Messages = conv.Messages()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.chat.MarkRead(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := mux.Vars(r)["id"]
		if s.orders == nil {
			s.writeError(w, r, apperrors.NewNotFoundError("order", orderID))
			return
		}
		snap, found, err := s.orders.Snapshot(r.Context(), orderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !found {
			s.writeError(w, r, apperrors.NewNotFoundError("order", orderID))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField(service.LogFieldRequestID, tracing.GetRequestID(r.Context())).Error("Request failed")
	}
	writeJSON(w, code, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
