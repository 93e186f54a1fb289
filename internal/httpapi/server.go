package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/fallback"
	"github.com/erauner12/notesync/internal/push"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Cfg         config.Config
	Store       repo.Store
	Coordinator *syncsvc.Coordinator
	Engine      *conflict.Engine
	Supervisor  *push.Supervisor
	Fallback    *fallback.Manager
}

// errResp is the uniform failure body.
type errResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the uniform failure body
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errResp{Success: false, Error: msg})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseInt64 parses an int64 query or path param, zero on failure.
func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
