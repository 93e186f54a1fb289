package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/fallback"
)

// HandleFallbackStatus handles GET /v1/sync/fallback-status.
func (s *Server) HandleFallbackStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	views := s.Fallback.Status(userID)
	if views == nil {
		views = []fallback.HealthView{}
	}
	writeJSON(w, 200, map[string]any{"clients": views})
}

type fallbackReq struct {
	ClientID string            `json:"clientId"`
	Priority fallback.Priority `json:"priority,omitempty"`
}

// HandleForceFallback handles POST /v1/sync/force-fallback.
func (s *Server) HandleForceFallback(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req fallbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, 400, "clientId required")
		return
	}
	if req.Priority == "" {
		req.Priority = fallback.PriorityHigh
	}

	s.Fallback.ForceFallback(userID, req.ClientID, req.Priority)
	writeJSON(w, 200, map[string]any{"success": true})
}

// HandleExitFallback handles POST /v1/sync/exit-fallback.
func (s *Server) HandleExitFallback(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req fallbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, 400, "clientId required")
		return
	}

	s.Fallback.ExitFallback(userID, req.ClientID)
	writeJSON(w, 200, map[string]any{"success": true})
}

// HandleSessions handles GET /v1/sync/sessions: the caller's live push
// sessions.
func (s *Server) HandleSessions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	views := s.Supervisor.Sessions(userID)
	writeJSON(w, 200, map[string]any{"sessions": views})
}
