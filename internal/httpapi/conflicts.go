package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// HandleConflictList handles GET /v1/sync/conflicts.
// Query params: status, limit, offset.
func (s *Server) HandleConflictList(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	status := conflict.Status(r.URL.Query().Get("status"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	offset := int(parseInt64(r.URL.Query().Get("offset")))

	records := s.Engine.Registry().List(userID, status, limit, offset)
	writeJSON(w, 200, map[string]any{"conflicts": records})
}

// HandleConflictStats handles GET /v1/sync/conflicts/stats.
func (s *Server) HandleConflictStats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	writeJSON(w, 200, s.Engine.Registry().StatsFor(userID))
}

// HandleConflictGet handles GET /v1/sync/conflicts/{conflictID}.
func (s *Server) HandleConflictGet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	rec, ok := s.Engine.Registry().Get(userID, chi.URLParam(r, "conflictID"))
	if !ok {
		writeError(w, 404, "conflict not found")
		return
	}
	writeJSON(w, 200, rec)
}

type resolveReq struct {
	Strategy conflict.Strategy `json:"strategy"`
	// Payload carries the adjudicated content for manual resolutions.
	Payload map[string]any `json:"payload,omitempty"`
}

type resolveResp struct {
	Success  bool             `json:"success"`
	Conflict *conflict.Record `json:"conflict,omitempty"`
	Version  int64            `json:"version,omitempty"`
}

// HandleConflictResolve handles POST /v1/sync/conflicts/{conflictID}/resolve.
func (s *Server) HandleConflictResolve(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	conflictID := chi.URLParam(r, "conflictID")

	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if _, ok := conflict.ParseStrategy(string(req.Strategy)); !ok {
		writeError(w, 400, "unknown resolution strategy")
		return
	}

	// Manual adjudication: the client supplies the winning payload.
	if req.Strategy == conflict.Manual {
		if req.Payload == nil {
			writeError(w, 400, "manual resolution requires a payload")
			return
		}
		rec, version, err := s.resolveManually(r, userID, conflictID, req.Payload)
		if err != nil {
			writeError(w, 409, err.Error())
			return
		}
		writeJSON(w, 200, resolveResp{Success: true, Conflict: rec, Version: version})
		return
	}

	rec, res, err := s.Engine.Resolve(r.Context(), userID, conflictID, req.Strategy)
	if err != nil {
		log.Warn().Err(err).Str("conflictId", conflictID).Msg("conflict resolution failed")
		writeError(w, 409, err.Error())
		return
	}
	writeJSON(w, 200, resolveResp{Success: res.Success, Conflict: rec, Version: res.NewVersion})
}

// resolveManually persists client-adjudicated content and closes the conflict.
func (s *Server) resolveManually(r *http.Request, userID int64, conflictID string, payload map[string]any) (*conflict.Record, int64, error) {
	rec, ok := s.Engine.Registry().Get(userID, conflictID)
	if !ok {
		return nil, 0, errors.New("conflict not found")
	}
	if rec.Status != conflict.StatusUnresolved {
		return nil, 0, errors.New("conflict already closed")
	}

	expected := rec.Server.Version
	updated, err := s.Store.Update(r.Context(), userID, rec.EntityKind, rec.EntityID, payload, &expected)
	if err != nil {
		return nil, 0, err
	}
	closed, err := s.Engine.Registry().MarkResolved(userID, conflictID, conflict.Manual, payload)
	if err != nil {
		return nil, 0, err
	}
	return closed, updated.Version, nil
}

// HandleConflictIgnore handles POST /v1/sync/conflicts/{conflictID}/ignore.
func (s *Server) HandleConflictIgnore(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	rec, err := s.Engine.Registry().MarkIgnored(userID, chi.URLParam(r, "conflictID"))
	if err != nil {
		writeError(w, 409, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"success": true, "conflict": rec})
}

type batchResolveReq struct {
	ConflictIDs []string          `json:"conflictIds"`
	Strategy    conflict.Strategy `json:"strategy"`
}

type batchResolveItem struct {
	ConflictID string `json:"conflictId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// HandleConflictResolveBatch handles POST /v1/sync/conflicts/resolve.
// Per-conflict failures never abort the batch.
func (s *Server) HandleConflictResolveBatch(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req batchResolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if _, ok := conflict.ParseStrategy(string(req.Strategy)); !ok || req.Strategy == conflict.Manual {
		writeError(w, 400, "batch resolution requires an automatic strategy")
		return
	}

	results := make([]batchResolveItem, 0, len(req.ConflictIDs))
	resolved := 0
	for _, id := range req.ConflictIDs {
		item := batchResolveItem{ConflictID: id}
		if _, res, err := s.Engine.Resolve(r.Context(), userID, id, req.Strategy); err != nil {
			item.Error = err.Error()
		} else {
			item.Success = res.Success
			resolved++
		}
		results = append(results, item)
	}
	writeJSON(w, 200, map[string]any{"resolved": resolved, "results": results})
}
