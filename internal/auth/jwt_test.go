package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func issueHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func newTestVerifier() *HS256Verifier {
	return &HS256Verifier{Secret: []byte(testSecret), Resolver: NewMemoryResolver()}
}

func TestVerifyValidToken(t *testing.T) {
	v := newTestVerifier()
	tok := issueHS256(t, testSecret, jwt.MapClaims{"sub": "user-a", "exp": time.Now().Add(time.Hour).Unix()})

	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero user id")
	}

	// Same subject resolves to the same id.
	id2, err := v.Verify(context.Background(), tok)
	if err != nil || id2 != id {
		t.Fatalf("expected stable id %d, got %d (%v)", id, id2, err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := newTestVerifier()
	tok := issueHS256(t, "other-secret", jwt.MapClaims{"sub": "user-a"})

	if _, err := v.Verify(context.Background(), tok); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := newTestVerifier()
	tok := issueHS256(t, testSecret, jwt.MapClaims{"sub": "user-a", "exp": time.Now().Add(-time.Hour).Unix()})

	if _, err := v.Verify(context.Background(), tok); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := newTestVerifier()
	tok := issueHS256(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	if _, err := v.Verify(context.Background(), tok); err == nil {
		t.Fatal("expected missing-subject error")
	}
}

func middlewareHarness(devMode bool) (http.Handler, *int64) {
	var seen int64
	resolver := NewMemoryResolver()
	verifier := &HS256Verifier{Secret: []byte(testSecret), Resolver: resolver}
	h := Middleware(verifier, resolver, devMode)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestMiddlewareBearerToken(t *testing.T) {
	h, seen := middlewareHarness(false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+issueHS256(t, testSecret, jwt.MapClaims{"sub": "user-a"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *seen == 0 {
		t.Fatal("user id not propagated to context")
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	h, _ := middlewareHarness(false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareDebugHeaderOnlyInDevMode(t *testing.T) {
	devHandler, seen := middlewareHarness(true)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Debug-Sub", "dev-user")
	rec := httptest.NewRecorder()
	devHandler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || *seen == 0 {
		t.Fatalf("dev mode should accept X-Debug-Sub, got %d", rec.Code)
	}

	prodHandler, _ := middlewareHarness(false)
	rec = httptest.NewRecorder()
	prodHandler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("production must ignore X-Debug-Sub, got %d", rec.Code)
	}
}

func TestMiddlewarePrefersBearerOverDebugHeader(t *testing.T) {
	h, _ := middlewareHarness(true)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	req.Header.Set("X-Debug-Sub", "dev-user")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid bearer token must fail even with debug header present, got %d", rec.Code)
	}
}
