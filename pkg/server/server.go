package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ragkit/sage/pkg/agent"
	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/extract"
	"github.com/ragkit/sage/pkg/store"
)

// MessageHandler runs the chat pipeline; *agent.Agent satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, req agent.Request, writer agent.EventWriter) error
}

// SessionStore is the slice of the message store the HTTP layer needs;
// *store.Store satisfies it.
type SessionStore interface {
	GetSession(ctx context.Context, uuid string) (store.Session, error)
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	DeleteSession(ctx context.Context, uuid string) error
	GetMessage(ctx context.Context, uuid string) (store.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// FeedbackSink records answer feedback; *cache.QACache satisfies it.
type FeedbackSink interface {
	RecordFeedback(ctx context.Context, thoughtChainID string, positive bool) error
}

// HistoryInvalidator drops cached history; *agent.HistoryManager satisfies
// it.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, userID, sessionID string) error
}

// Server is the HTTP front end.
type Server struct {
	cfg       config.ServerConfig
	handler   MessageHandler
	sessions  SessionStore
	feedback  FeedbackSink
	histories HistoryInvalidator
	extract   *extract.Registry
	logger    *slog.Logger

	httpServer *http.Server
}

// New wires the server. feedback and histories may be nil.
func New(
	cfg config.ServerConfig,
	handler MessageHandler,
	sessions SessionStore,
	feedback FeedbackSink,
	histories HistoryInvalidator,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		handler:   handler,
		sessions:  sessions,
		feedback:  feedback,
		histories: histories,
		extract:   extract.NewRegistry(),
		logger:    logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/messages", s.handleMessages)
	router.Post("/feedback", s.handleFeedback)
	router.Get("/sessions", s.handleListSessions)
	router.Get("/sessions/{id}/messages", s.handleListMessages)
	router.Delete("/sessions/{id}", s.handleDeleteSession)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
