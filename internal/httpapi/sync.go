package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/push"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// HandleSync handles POST /v1/sync/sync, the batch sync entrypoint.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req syncsvc.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid sync request body")
		writeError(w, 400, "invalid json")
		return
	}
	if req.ClientID == "" {
		req.ClientID = GetClientID(r.Context())
	}

	resp, err := s.Coordinator.Process(r.Context(), userID, &req)
	if err != nil {
		if errors.Is(err, syncsvc.ErrProtocolMismatch) {
			writeError(w, 400, err.Error())
			return
		}
		log.Error().Err(err).Msg("sync failed")
		writeError(w, 500, "sync failed")
		return
	}

	// Fan the batch outcome out to the user's other devices.
	if s.Supervisor != nil {
		s.Supervisor.BroadcastToUser(userID, push.TypeStatusChange, push.StatusChange{
			SyncID: resp.NewClientState.LastSyncID,
			Status: string(resp.Status),
		})
		if len(resp.ServerUpdates) > 0 {
			s.Supervisor.BroadcastToUser(userID, push.TypeServerUpdate, map[string]any{
				"updates": resp.ServerUpdates,
			})
		}
		for _, c := range resp.Conflicts {
			s.Supervisor.BroadcastToUser(userID, push.TypeConflict, push.ConflictNotice{
				Conflict:                 c,
				RequiresManualResolution: c.Status == conflict.StatusUnresolved,
			})
		}
	}

	writeJSON(w, 200, resp)
}

type pollReq struct {
	LastSyncTimeMs int64         `json:"lastSyncTimeMs,omitempty"`
	// Since accepts RFC3339 or numeric milliseconds; overrides LastSyncTimeMs.
	Since       string        `json:"since,omitempty"`
	Cursor      string        `json:"cursor,omitempty"`
	EntityKinds []entity.Kind `json:"entityKinds,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

type pollResp struct {
	Updates             []syncsvc.ServerUpdate `json:"updates"`
	HasMore             bool                   `json:"hasMore"`
	NextCursor          string                 `json:"nextCursor,omitempty"`
	ServerTimeMs        int64                  `json:"serverTimeMs"`
	SuggestedIntervalMs int64                  `json:"suggestedIntervalMs,omitempty"`
}

// HandlePoll handles POST /v1/sync/poll, the pull-mode fetch.
func (s *Server) HandlePoll(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req pollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	sinceMs := req.LastSyncTimeMs
	if ms, ok := syncx.ParseTimeToMs(req.Since); ok {
		sinceMs = ms
	}
	// An opaque cursor from a previous page wins over the raw timestamp.
	if cur, ok := syncx.DecodeCursor(req.Cursor); ok {
		sinceMs = cur.Ms
	}

	updates, hasMore, err := s.Coordinator.Poll(r.Context(), userID, sinceMs, req.EntityKinds, req.Limit)
	if err != nil {
		log.Error().Err(err).Msg("poll failed")
		writeError(w, 500, "poll failed")
		return
	}

	resp := pollResp{Updates: updates, HasMore: hasMore, ServerTimeMs: syncx.NowMs()}
	if s.Fallback != nil {
		resp.SuggestedIntervalMs = s.Fallback.SuggestedIntervalMs(userID, GetClientID(r.Context()))
	}
	if hasMore && len(updates) > 0 {
		last := updates[len(updates)-1]
		resp.NextCursor = syncx.EncodeCursor(syncx.Cursor{Ms: last.ModifiedAtMs, ID: last.EntityID})
	}
	writeJSON(w, 200, resp)
}

// HandleSyncStatus handles GET /v1/sync/status.
func (s *Server) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	writeJSON(w, 200, map[string]any{"jobs": s.Coordinator.Jobs().ListForUser(userID)})
}

// HandleSyncStatusByID handles GET /v1/sync/status/{syncID}.
func (s *Server) HandleSyncStatusByID(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	job, ok := s.Coordinator.Jobs().Get(userID, chi.URLParam(r, "syncID"))
	if !ok {
		writeError(w, 404, "sync job not found")
		return
	}
	writeJSON(w, 200, job.View())
}

// HandleSyncCancel handles POST /v1/sync/cancel/{syncID}.
func (s *Server) HandleSyncCancel(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if err := s.Coordinator.Cancel(userID, chi.URLParam(r, "syncID")); err != nil {
		writeError(w, 409, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"success": true})
}

// HandleSyncRetry handles POST /v1/sync/retry/{syncID}: failed operations of
// the job are moved onto the queue.
func (s *Server) HandleSyncRetry(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	n, err := s.Coordinator.Retry(userID, chi.URLParam(r, "syncID"))
	if err != nil {
		writeError(w, 404, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"success": true, "requeued": n})
}

// HandleDataDiff handles POST /v1/sync/data-diff.
func (s *Server) HandleDataDiff(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req syncsvc.DiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	res, err := s.Coordinator.DataDiff(r.Context(), userID, req)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	writeJSON(w, 200, res)
}
