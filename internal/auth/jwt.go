package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxUserID ctxKey = "uid"

var ErrInvalidToken = errors.New("invalid token")

// Resolver maps an external subject to the internal user id, creating the
// user on first sight.
type Resolver interface {
	Resolve(ctx context.Context, sub string) (int64, error)
}

// PGResolver upserts app_user rows by subject.
type PGResolver struct {
	Pool *pgxpool.Pool
}

func (r *PGResolver) Resolve(ctx context.Context, sub string) (int64, error) {
	var userID int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO app_user (sub) VALUES ($1)
		 ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
		 RETURNING id`, sub).Scan(&userID)
	return userID, err
}

// MemoryResolver assigns ids in memory. Used with the in-memory store and in
// tests.
type MemoryResolver struct {
	mu   sync.Mutex
	ids  map[string]int64
	next int64
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{ids: make(map[string]int64), next: 1}
}

func (r *MemoryResolver) Resolve(_ context.Context, sub string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[sub]; ok {
		return id, nil
	}
	id := r.next
	r.next++
	r.ids[sub] = id
	return id, nil
}

// Verifier validates a credential and returns the internal user id. Shared by
// the HTTP middleware and the push channel's in-band auth.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// HS256Verifier validates HMAC-signed JWTs and resolves their subject.
type HS256Verifier struct {
	Secret   []byte
	Resolver Resolver
}

func (v *HS256Verifier) Verify(ctx context.Context, token string) (int64, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.Secret, nil
	})
	if err != nil || !t.Valid {
		return 0, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return 0, ErrInvalidToken
	}
	return v.Resolver.Resolve(ctx, sub)
}

// Middleware authenticates requests.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when devMode=true)
func Middleware(verifier Verifier, resolver Resolver, devMode bool) func(http.Handler) http.Handler {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			var userID int64

			if tok != "" {
				id, err := verifier.Verify(r.Context(), tok)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				userID = id
			} else if devMode {
				if sub := r.Header.Get("X-Debug-Sub"); sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
					id, err := resolver.Resolve(r.Context(), sub)
					if err != nil {
						log.Error().Err(err).Str("sub", sub).Msg("failed to resolve user")
						http.Error(w, "server error", http.StatusInternalServerError)
						return
					}
					userID = id
				}
			}

			if userID == 0 {
				log.Warn().Msg("missing credentials (no JWT and no X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id from request context.
// Returns zero if not authenticated (should never happen after middleware).
func UserID(ctx context.Context) int64 {
	if v := ctx.Value(CtxUserID); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
