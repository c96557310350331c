// Package api is the REST surface for non-realtime clients: mapping
// CRUD, edit history, alignment jobs, and participant listings.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/bini59/scriptsync/internal/align"
	"github.com/bini59/scriptsync/internal/gateway"
	"github.com/bini59/scriptsync/internal/room"
	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

// Handler serves the /api/v1/sync routes.
type Handler struct {
	store  *store.Store
	runner *align.Runner
	hub    *room.Hub
	auth   *gateway.Authenticator
	logger *log.Logger
	mux    *http.ServeMux
}

// New creates the REST handler.
func New(st *store.Store, runner *align.Runner, hub *room.Hub, auth *gateway.Authenticator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		store:  st,
		runner: runner,
		hub:    hub,
		auth:   auth,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /mappings", h.createMapping)
	h.mux.HandleFunc("GET /mappings/sentence/{sentence_id}", h.getActiveMapping)
	h.mux.HandleFunc("PUT /mappings/sentence/{sentence_id}", h.updateMapping)
	h.mux.HandleFunc("GET /mappings/sentence/{sentence_id}/history", h.getEditHistory)
	h.mux.HandleFunc("GET /mappings/script/{script_id}", h.listMappings)
	h.mux.HandleFunc("GET /mappings/script/{script_id}/at", h.mappingAtPosition)
	h.mux.HandleFunc("POST /align", h.startAlignment)
	h.mux.HandleFunc("GET /align/{job_id}", h.alignmentStatus)
	h.mux.HandleFunc("GET /sessions/script/{script_id}/participants", h.listParticipants)
	h.mux.HandleFunc("GET /health", h.health)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// errorBody is the JSON error shape shared by all endpoints.
type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("Failed to encode response: %v", err)
	}
}

// writeError maps store and runner failures onto HTTP statuses:
// validation 400, not found 404, conflict 409 (retryable), else 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, align.ErrJobNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		h.writeJSON(w, http.StatusConflict, errorBody{
			Error:     "mapping was changed concurrently, re-fetch and retry",
			Retryable: true,
		})
	default:
		h.logger.Printf("Internal error: %v", err)
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// requireUser authenticates the request and rejects anonymous callers.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.auth.Authenticate(r)
	if err != nil || userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required"})
		return "", false
	}
	return userID, true
}

type mappingRequest struct {
	SentenceID string  `json:"sentence_id"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence_score"` // non-manual kinds only
	EditType   string  `json:"mapping_type"`
	EditReason string  `json:"edit_reason"`
}

func (h *Handler) createMapping(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	h.applyMapping(w, r, req, userID)
}

func (h *Handler) updateMapping(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	req.SentenceID = r.PathValue("sentence_id")

	h.applyMapping(w, r, req, userID)
}

// applyMapping is the shared create/update path; an update is just a
// create that supersedes the prior version.
func (h *Handler) applyMapping(w http.ResponseWriter, r *http.Request, req mappingRequest, userID string) {
	kind := schema.MappingManual
	if req.EditType != "" {
		parsed, err := schema.ParseMappingKind(req.EditType)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		kind = parsed
	}

	mapping, err := h.store.CreateMapping(r.Context(), store.CreateMappingParams{
		SentenceID: req.SentenceID,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Confidence: req.Confidence,
		Kind:       kind,
		Actor:      userID,
		Reason:     req.EditReason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, mapping)
}

func (h *Handler) getActiveMapping(w http.ResponseWriter, r *http.Request) {
	mapping, err := h.store.GetActiveMapping(r.Context(), r.PathValue("sentence_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mapping)
}

func (h *Handler) getEditHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
			return
		}
		limit = parsed
	}

	edits, err := h.store.GetEditHistory(r.Context(), r.PathValue("sentence_id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if edits == nil {
		edits = []*schema.MappingEdit{}
	}
	h.writeJSON(w, http.StatusOK, edits)
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("script_id")

	// The script must exist even when it has no mappings yet.
	if _, err := h.store.GetScript(r.Context(), scriptID); err != nil {
		h.writeError(w, err)
		return
	}

	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	mappings, err := h.store.ListMappings(r.Context(), scriptID, includeInactive)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if mappings == nil {
		mappings = []*schema.SentenceMapping{}
	}
	h.writeJSON(w, http.StatusOK, mappings)
}

func (h *Handler) mappingAtPosition(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("position")
	position, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "position must be a number"})
		return
	}

	sentence, err := h.store.GetMappingAtPosition(r.Context(), r.PathValue("script_id"), position)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sentence)
}

type alignRequest struct {
	ScriptID  string          `json:"script_id"`
	Segments  []align.Segment `json:"segments"`
	Threshold float64         `json:"threshold"`
}

func (h *Handler) startAlignment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req alignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	jobID, err := h.runner.Start(r.Context(), align.JobRequest{
		ScriptID:  req.ScriptID,
		Segments:  req.Segments,
		Threshold: req.Threshold,
		Actor:     userID,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *Handler) alignmentStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Status(r.PathValue("job_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("script_id")

	if _, err := h.store.GetScript(r.Context(), scriptID); err != nil {
		h.writeError(w, err)
		return
	}

	sessions, err := h.store.ActiveSessions(r.Context(), scriptID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*schema.SyncSession{}
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": h.hub.ConnectionCount(),
		"rooms":   h.hub.RoomCount(),
	})
}
