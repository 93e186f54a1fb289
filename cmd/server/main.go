package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/db"
	"github.com/erauner12/notesync/internal/fallback"
	"github.com/erauner12/notesync/internal/httpapi"
	"github.com/erauner12/notesync/internal/push"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "notesync").Logger()

	cfg := config.FromEnv()

	// Pretty logging for local dev
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. Without DATABASE_URL the server runs on the in-memory store,
	// which is enough for local development and single-node experiments.
	var (
		store    repo.Store
		resolver auth.Resolver
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		pg := repo.NewPG(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		store = pg
		resolver = &auth.PGResolver{Pool: pool}
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data is not persisted)")
		store = repo.NewMemory()
		resolver = auth.NewMemoryResolver()
	}

	verifier := &auth.HS256Verifier{Secret: []byte(cfg.JWTSecret), Resolver: resolver}

	// Conflict engine with its registry sweeper.
	registry := conflict.NewRegistry(cfg.ConflictRetentionDays, cfg.MaxConflictRecords)
	registry.Start()
	engine := conflict.NewEngine(store, registry)

	coordinator := syncsvc.NewCoordinator(store, engine, cfg)

	// Fallback pull loops feed degraded clients through the push channel
	// when one is available.
	var supervisor *push.Supervisor
	fb := fallback.NewManager(cfg, coordinator, func(userID int64, clientID string, res fallback.PullResult) {
		if supervisor != nil && len(res.Updates) > 0 {
			supervisor.BroadcastToUser(userID, push.TypeServerUpdate, res)
		}
	})
	supervisor = push.NewSupervisor(cfg, verifier, coordinator, fb)
	supervisor.Start()

	srv := &httpapi.Server{
		Cfg:         cfg,
		Store:       store,
		Coordinator: coordinator,
		Engine:      engine,
		Supervisor:  supervisor,
		Fallback:    fb,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(verifier, resolver),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Order matters: stop accepting requests, then close push sessions,
		// then the background workers.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		supervisor.Shutdown()
		fb.Shutdown()
		registry.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
