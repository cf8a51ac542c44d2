// Package admin exposes the operational HTTP surface: health, run and
// marker status, schema version history, the approval queue, the error
// log, and the dead-letter queue.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/driftsync/driftsync/evolution"
	"github.com/driftsync/driftsync/meta"
	"github.com/driftsync/driftsync/runner"
)

// Pipeline is the running system as seen by the admin API. *runner.Runner
// satisfies it.
type Pipeline interface {
	Health() map[string]runner.SchemaHealth
	Orchestrator(schemaName string) *evolution.Orchestrator
}

// Server is the admin HTTP server.
type Server struct {
	store    meta.Store
	pipeline Pipeline
	metrics  http.Handler

	srv *http.Server
}

// NewServer wires the admin routes. metrics may be nil when the
// Prometheus endpoint is disabled.
func NewServer(store meta.Store, pipeline Pipeline, metrics http.Handler) *Server {
	return &Server{store: store, pipeline: pipeline, metrics: metrics}
}

// Handler builds the chi router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/schemas/{schema}/versions", s.handleSchemaVersions)

	r.Route("/changes", func(r chi.Router) {
		r.Get("/pending", s.handlePendingChanges)
		r.Post("/{changeID}/approve", s.handleApprove)
		r.Post("/{changeID}/reject", s.handleReject)
	})

	r.Get("/errors", s.handleErrors)
	r.Post("/errors/{errorID}/resolve", s.handleResolveError)

	r.Get("/deadletters", s.handleDeadLetters)
	r.Get("/deadletters/payload", s.handleDeadLetterPayload)
	r.Post("/deadletters/{letterID}/status", s.handleDeadLetterStatus)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(bind string, port int) error {
	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin server on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("Admin endpoints enabled")
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]runner.SchemaHealth{}
	if s.pipeline != nil {
		health = s.pipeline.Health()
	}

	status := http.StatusOK
	for _, h := range health {
		if !h.Syncing || h.EvolutionError != "" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"schemas": health}); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// schemaStatus is one schema's operational snapshot.
type schemaStatus struct {
	Health  runner.SchemaHealth `json:"health"`
	Runs    []meta.SyncRun      `json:"runs"`
	Markers []meta.Marker       `json:"markers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := map[string]runner.SchemaHealth{}
	if s.pipeline != nil {
		health = s.pipeline.Health()
	}

	out := make(map[string]schemaStatus, len(health))
	for name, h := range health {
		runs, err := s.store.ListRuns(name, 10)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		markers, err := s.store.ListMarkers(name)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[name] = schemaStatus{Health: h, Runs: runs, Markers: markers}
	}
	writeJSONResponse(w, out)
}

// handleSchemaVersions returns the newest version per table, or the full
// history of one table when ?table= is given.
func (s *Server) handleSchemaVersions(w http.ResponseWriter, r *http.Request) {
	schemaName := chi.URLParam(r, "schema")

	if table := r.URL.Query().Get("table"); table != "" {
		limit, err := parseLimit(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		versions, err := s.store.ListSchemaVersions(schemaName, table, limit)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONResponse(w, versions)
		return
	}

	versions, err := s.store.ListLatestSchemaVersions(schemaName)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, versions)
}

func (s *Server) handlePendingChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.ListPendingChanges(r.URL.Query().Get("schema"), meta.ChangePending)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, changes)
}

// handleApprove marks a held change approved and applies it through the
// schema's orchestrator. A failed application leaves the change approved
// so the call can be retried.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	pending, err := s.store.GetPendingChange(changeID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("change %s not found", changeID))
		return
	}
	if pending.Status != meta.ChangePending {
		writeErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("change %s is %s, not pending", changeID, pending.Status))
		return
	}

	if err := s.store.SetPendingChangeStatus(changeID, meta.ChangeApproved); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	var orch *evolution.Orchestrator
	if s.pipeline != nil {
		orch = s.pipeline.Orchestrator(pending.SchemaName)
	}
	if orch == nil {
		// Approved but not applied; the next pass of an orchestrator for
		// this schema picks it up via another approve call.
		writeJSONResponse(w, map[string]string{"id": changeID, "status": meta.ChangeApproved})
		return
	}

	if err := orch.ApplyApproved(r.Context(), changeID); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"id": changeID, "status": meta.ChangeApplied})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "changeID")
	pending, err := s.store.GetPendingChange(changeID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("change %s not found", changeID))
		return
	}
	if pending.Status != meta.ChangePending {
		writeErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("change %s is %s, not pending", changeID, pending.Status))
		return
	}
	if err := s.store.SetPendingChangeStatus(changeID, meta.ChangeRejected); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{"id": changeID, "status": meta.ChangeRejected})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	records, err := s.store.ListErrors(meta.ErrorFilter{
		SchemaName: q.Get("schema"),
		TableName:  q.Get("table"),
		Kind:       q.Get("kind"),
		Status:     q.Get("status"),
		Limit:      limit,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, records)
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "errorID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid error ID")
		return
	}
	if err := s.store.ResolveError(id); err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONResponse(w, map[string]any{"id": id, "status": meta.ErrorResolved})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	letters, err := s.store.ListDeadLetters(meta.DeadLetterFilter{
		SchemaName: q.Get("schema"),
		TableName:  q.Get("table"),
		Status:     q.Get("status"),
		Limit:      limit,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, letters)
}

// handleDeadLetterPayload streams the raw record body referenced by a
// dead letter row.
func (s *Server) handleDeadLetterPayload(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeErrorResponse(w, http.StatusBadRequest, "ref parameter is required")
		return
	}
	payload, err := s.store.GetDeadLetterPayload(ref)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	_, _ = w.Write(payload)
}

var dlqTransitions = map[string]bool{
	meta.DLQProcessing: true,
	meta.DLQResolved:   true,
	meta.DLQDiscarded:  true,
}

func (s *Server) handleDeadLetterStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "letterID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid dead letter ID")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !dlqTransitions[body.Status] {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", body.Status))
		return
	}
	if err := s.store.SetDeadLetterStatus(id, body.Status); err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONResponse(w, map[string]any{"id": id, "status": body.Status})
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 || limit > 1024 {
		return 0, fmt.Errorf("limit must be between 1 and 1024")
	}
	return limit, nil
}
