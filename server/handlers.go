package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
	"github.com/agrosense/agrosense/pipeline"
)

// maxChatBodySize bounds chat request bodies.
const maxChatBodySize = 64 * 1024

// maxQueryLength bounds the free-text query after trimming.
const maxQueryLength = 4000

// chatRequest is the POST /api/v1/chat body.
type chatRequest struct {
	// SessionID continues an existing conversation. Empty starts a new one.
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// sanitizeQuery strips control characters before the text reaches the
// classifier prompt.
func sanitizeQuery(q string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, q)
	return strings.TrimSpace(cleaned)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat runs one coordinator turn and returns the turn result. A
// Failed turn is still a well-formed response; only transport and
// session errors map to HTTP failures.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	query := sanitizeQuery(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "query too long")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	turn, err := s.coordinator.Run(r.Context(), sessionID, query)
	if err != nil && turn == nil {
		s.logger.Error("Chat turn failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "pipeline error")
		return
	}

	status := http.StatusOK
	if turn.State == pipeline.StateFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, turn)
}

// handleStatus returns the current session context snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snapshot, err := s.store.Get(r.Context(), sessionID)
	if errors.Is(err, mcp.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("Session lookup failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// handleDestroySession removes the session context.
func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	err := s.store.Destroy(r.Context(), sessionID)
	if errors.Is(err, mcp.ErrSessionExpired) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("Session destroy failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// backendStatus is one pipeline step's router view: its capability, the
// configured chain, and the slice of it with closed circuits.
type backendStatus struct {
	Step       string   `json:"step"`
	Capability string   `json:"capability"`
	Chain      []string `json:"chain"`
	Available  []string `json:"available"`
}

// handleBackends reports per-step backend chains and circuit health, so
// operators can see which providers a degraded pipeline is running on.
func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	steps := make([]string, 0, len(model.StepCapabilities))
	for step := range model.StepCapabilities {
		steps = append(steps, step)
	}
	sort.Strings(steps)

	statuses := make([]backendStatus, 0, len(steps))
	for _, step := range steps {
		cap := model.CapabilityForStep(step)
		statuses = append(statuses, backendStatus{
			Step:       step,
			Capability: cap.String(),
			Chain:      s.models.GetFallbackChain(cap),
			Available:  s.models.GetAvailableFallbackChain(cap),
		})
	}

	writeJSON(w, http.StatusOK, statuses)
}

// handleWeather is a direct probe of the external-data step, useful for
// checking provider credentials without burning a model call.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	region := strings.TrimSpace(r.URL.Query().Get("region"))
	if region == "" {
		writeError(w, http.StatusBadRequest, "region query parameter is required")
		return
	}

	data, err := s.regional.Fetch(r.Context(), region, mcp.AssetUnknown)
	if err != nil {
		writeError(w, http.StatusBadGateway, "regional data unavailable")
		return
	}
	if data.Weather == nil {
		writeError(w, http.StatusBadGateway, "weather unavailable")
		return
	}

	writeJSON(w, http.StatusOK, data.Weather)
}
