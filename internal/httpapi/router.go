package httpapi

import (
	"net/http"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(verifier auth.Verifier, resolver auth.Resolver) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(ClientIDMiddleware)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Push channel authenticates in-band after the handshake.
	r.Get("/v1/sync/ws", s.HandleWS)

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, resolver, s.Cfg.DevMode))

		// Batch sync
		r.Post("/v1/sync/sync", s.HandleSync)
		r.Post("/v1/sync/poll", s.HandlePoll)
		r.Get("/v1/sync/status", s.HandleSyncStatus)
		r.Get("/v1/sync/status/{syncID}", s.HandleSyncStatusByID)
		r.Post("/v1/sync/cancel/{syncID}", s.HandleSyncCancel)
		r.Post("/v1/sync/retry/{syncID}", s.HandleSyncRetry)

		// Operations queue
		r.Get("/v1/sync/queue", s.HandleQueueList)
		r.Post("/v1/sync/queue", s.HandleQueueAdd)
		r.Delete("/v1/sync/queue", s.HandleQueueClear)
		r.Delete("/v1/sync/queue/{opID}", s.HandleQueueRemove)
		r.Post("/v1/sync/queue/process", s.HandleQueueProcess)
		r.Get("/v1/sync/queue/status", s.HandleQueueStats)
		r.Get("/v1/sync/queue/stats", s.HandleQueueStats)

		// Conflicts
		r.Get("/v1/sync/conflicts", s.HandleConflictList)
		r.Get("/v1/sync/conflicts/stats", s.HandleConflictStats)
		r.Post("/v1/sync/conflicts/resolve", s.HandleConflictResolveBatch)
		r.Get("/v1/sync/conflicts/{conflictID}", s.HandleConflictGet)
		r.Post("/v1/sync/conflicts/{conflictID}/resolve", s.HandleConflictResolve)
		r.Post("/v1/sync/conflicts/{conflictID}/ignore", s.HandleConflictIgnore)

		// Consistency check
		r.Post("/v1/sync/data-diff", s.HandleDataDiff)

		// Fallback
		r.Get("/v1/sync/fallback-status", s.HandleFallbackStatus)
		r.Post("/v1/sync/force-fallback", s.HandleForceFallback)
		r.Post("/v1/sync/exit-fallback", s.HandleExitFallback)

		// Push sessions
		r.Get("/v1/sync/sessions", s.HandleSessions)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
