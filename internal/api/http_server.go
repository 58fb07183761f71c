// Package api is the local admin HTTP surface for the embedding UI and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shelfsync/internal/config"
	"shelfsync/internal/database"
	"shelfsync/internal/domain"
	"shelfsync/internal/metrics"
	"shelfsync/internal/models"
	"shelfsync/internal/queue"
	"shelfsync/internal/syncengine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// SyncService is the engine as seen by the admin API.
type SyncService interface {
	Status() models.SyncStatus
	RefreshStatus(ctx context.Context) error
	DrainQueue(ctx context.Context) (syncengine.DrainResult, error)
	FullSync(ctx context.Context) (syncengine.FullSyncResult, error)
	Abandon(ctx context.Context, id int64, reason string) (*models.DeadLetter, error)
	Requeue(ctx context.Context, id int64) (*models.QueuedAction, error)
}

type HTTPServer struct {
	cfg     config.APIConfig
	engine  SyncService
	queue   domain.ActionQueue
	records domain.RecordStore
	auth    *HTTPAuth
	server  *http.Server
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, engine SyncService, q domain.ActionQueue, records domain.RecordStore, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:     cfg,
		engine:  engine,
		queue:   q,
		records: records,
		auth:    NewHTTPAuth(cfg),
		logger:  logger,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}
	return srv
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth.Require(PermReadStatus)).Get("/status", s.handleStatus)

		r.Route("/actions", func(r chi.Router) {
			r.With(s.auth.Require(PermReadActions)).Get("/", s.handleListActions)
			r.With(s.auth.Require(PermWriteActions)).Post("/", s.handleEnqueue)
			r.With(s.auth.Require(PermWriteActions)).Post("/{id}/abandon", s.handleAbandon)
			r.With(s.auth.Require(PermReadActions)).Get("/dead", s.handleDeadLetters)
			r.With(s.auth.Require(PermWriteActions)).Post("/dead/{id}/requeue", s.handleRequeue)
			r.With(s.auth.Require(PermWriteActions)).Delete("/dead/{id}", s.handlePurge)
		})

		r.With(s.auth.Require(PermSync)).Post("/sync", s.handleFullSync)
		r.With(s.auth.Require(PermSync)).Post("/sync/drain", s.handleDrain)

		r.With(s.auth.Require(PermReadCollections)).Get("/collections/{name}", s.handleCollection)
		r.With(s.auth.Require(PermReadCollections)).Get("/collections/{name}/{key}", s.handleRecord)
	})
	return r
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Admin API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *HTTPServer) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.queue.ListPending(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type enqueueRequest struct {
	Kind    string            `json:"kind"`
	Entity  string            `json:"entity"`
	Payload json.RawMessage   `json:"payload"`
	Target  models.Target     `json:"target"`
	Headers map[string]string `json:"headers"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind, err := models.ParseActionKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	action, err := s.queue.Enqueue(r.Context(), kind, body.Entity, body.Payload, body.Target, body.Headers)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidAction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.refreshStatus(r.Context())
	writeJSON(w, http.StatusCreated, action)
}

func (s *HTTPServer) handleAbandon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	dl, err := s.engine.Abandon(r.Context(), id, body.Reason)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dead})
}

func (s *HTTPServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	action, err := s.engine.Requeue(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.queue.PurgeDeadLetter(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFullSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.FullSync(r.Context())
	if err != nil {
		if syncengine.IsStorageError(err) {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *HTTPServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DrainQueue(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	index := strings.TrimSpace(r.URL.Query().Get("index"))

	var (
		records []models.Record
		err     error
	)
	if index != "" {
		value := r.URL.Query().Get("value")
		if value == "" {
			writeError(w, http.StatusBadRequest, "value is required with index")
			return
		}
		records, err = s.records.GetByIndex(r.Context(), name, index, value)
	} else {
		records, err = s.records.GetAll(r.Context(), name)
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": name, "records": records})
}

func (s *HTTPServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	key := chi.URLParam(r, "key")

	rec, ok, err := s.records.Get(r.Context(), name, key)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) refreshStatus(ctx context.Context) {
	if err := s.engine.RefreshStatus(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to refresh sync status")
	}
}

func (s *HTTPServer) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrUnknownIndex):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.IncHTTP(route)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("route", route).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
