package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/go-chi/chi/v5"
)

// HandleQueueList handles GET /v1/sync/queue.
func (s *Server) HandleQueueList(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	items := s.Coordinator.Queue().List(userID)
	writeJSON(w, 200, map[string]any{"operations": items})
}

// HandleQueueAdd handles POST /v1/sync/queue: defer an operation for later.
func (s *Server) HandleQueueAdd(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var op syncsvc.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, 400, "invalid json")
		return
	}

	item := s.Coordinator.Queue().Enqueue(userID, op)
	writeJSON(w, 201, item)
}

// HandleQueueRemove handles DELETE /v1/sync/queue/{opID}.
func (s *Server) HandleQueueRemove(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if !s.Coordinator.Queue().Remove(userID, chi.URLParam(r, "opID")) {
		writeError(w, 404, "queued operation not found")
		return
	}
	writeJSON(w, 200, map[string]any{"success": true})
}

// HandleQueueClear handles DELETE /v1/sync/queue.
func (s *Server) HandleQueueClear(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	n := s.Coordinator.Queue().Clear(userID)
	writeJSON(w, 200, map[string]any{"success": true, "removed": n})
}

// HandleQueueProcess handles POST /v1/sync/queue/process: drain the user's
// pending operations now.
func (s *Server) HandleQueueProcess(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	report := s.Coordinator.ProcessQueue(r.Context(), userID)
	writeJSON(w, 200, report)
}

// HandleQueueStats handles GET /v1/sync/queue/stats.
func (s *Server) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	writeJSON(w, 200, s.Coordinator.Queue().Stats(userID))
}
