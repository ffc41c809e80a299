package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/pipeline"
	"github.com/haasonsaas/parley/internal/sessions"
)

const maxMessageBytes = 1 << 20

// messageHandler is the part of the pipeline the HTTP API needs.
type messageHandler interface {
	Handle(ctx context.Context, sessionID, userText string, deadline time.Time) (pipeline.Outcome, error)
}

type messageRequest struct {
	Text       string `json:"text"`
	Confirm    bool   `json:"confirm"`
	DeadlineMS int64  `json:"deadline_ms"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type sessionResponse struct {
	ID             string          `json:"id"`
	TurnCount      int             `json:"turn_count"`
	ArchiveCursor  int             `json:"archive_cursor"`
	ArchiveSummary string          `json:"archive_summary,omitempty"`
	Turns          []sessions.Turn `json:"turns"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActive     time.Time       `json:"last_active"`
}

type server struct {
	handler messageHandler
	store   sessions.Store
	logger  *slog.Logger
}

// newRouter builds the HTTP API.
func newRouter(h messageHandler, store sessions.Store, reg prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{handler: h, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Post("/messages", s.postMessage)
	})
	return r
}

func (s *server) postMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be JSON with a text field"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	ctx := r.Context()
	if req.Confirm {
		ctx = pipeline.WithConfirmation(ctx)
	}
	var deadline time.Time
	if req.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	outcome, err := s.handler.Handle(ctx, id, req.Text, deadline)
	if err != nil {
		s.logger.WarnContext(ctx, "message failed",
			"session_id", id, "request_id", outcome.RequestID, "kind", string(errkind.KindOf(err)), "error", err)
		writeJSON(w, statusFor(err), errorResponse{Error: errkind.UserMessage(err), RequestID: outcome.RequestID})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sessions.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "session lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		ID:             state.ID,
		TurnCount:      len(state.Turns),
		ArchiveCursor:  state.ArchiveCursor,
		ArchiveSummary: state.ArchiveSummary,
		Turns:          state.Unarchived(),
		CreatedAt:      state.CreatedAt,
		LastActive:     state.LastActive,
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errkind.KindOf(err) {
	case errkind.NoUsableCredential:
		return http.StatusUnauthorized
	case errkind.TransientUpstream, errkind.Exhausted:
		return http.StatusServiceUnavailable
	case errkind.FatalUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
