package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/obanteq/open-mmb-go/internal/tenant"
)

func testScope() tenant.Scope {
	return tenant.Scope{Tenant: "tnt_acme", ActorID: "usr-1", ActorType: tenant.ActorUser}
}

func TestParseScopeRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.IssueToken(testScope(), time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	scope, err := v.ParseScope(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if scope != testScope() {
		t.Fatalf("scope = %+v", scope)
	}
}

func TestParseScopeRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	if _, err := v.ParseScope("not-a-token"); err == nil {
		t.Fatal("garbage accepted")
	}

	other := NewJWTVerifier("other-secret")
	token, _ := other.IssueToken(testScope(), time.Minute)
	if _, err := v.ParseScope(token); err == nil {
		t.Fatal("token with wrong secret accepted")
	}

	expired, _ := v.IssueToken(testScope(), -time.Hour)
	if _, err := v.ParseScope(expired); err == nil {
		t.Fatal("expired token accepted")
	}

	// alg=none must never pass.
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "usr-1", "actor_type": "user", "tenant": "tnt_acme",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := v.ParseScope(unsigned); err == nil {
		t.Fatal("unsigned token accepted")
	}
}

func TestParseScopeRequiresTenantClaim(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	now := time.Now().UTC()
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        "usr-1",
		"actor_type": "user",
		"iat":        now.Unix(),
		"exp":        now.Add(time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))
	if _, err := v.ParseScope(token); err == nil {
		t.Fatal("token without tenant claim accepted")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	var gotScope tenant.Scope
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope, _ = tenant.From(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := HTTPMiddleware(v, inner, []string{"/healthz"})

	// No token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	// Skip path passes without a token.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("skip path status = %d", rec.Code)
	}

	// Valid token binds the scope.
	token, _ := v.IssueToken(testScope(), time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token status = %d", rec.Code)
	}
	if gotScope != testScope() {
		t.Fatalf("scope = %+v", gotScope)
	}

	// Query-parameter fallback for websocket upgrades.
	req = httptest.NewRequest(http.MethodGet, "/v1/stream?access_token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("query token status = %d", rec.Code)
	}
}

func TestHTTPMiddlewareTenantHeader(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	var gotScope tenant.Scope
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope, _ = tenant.From(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := HTTPMiddleware(v, inner, nil)

	svcScope := tenant.Scope{Tenant: "tnt_internal", ActorID: "svc-billing", ActorType: tenant.ActorService}
	svcToken, _ := v.IssueToken(svcScope, time.Minute)

	// A service token may act for the tenant named in the header.
	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+svcToken)
	req.Header.Set("X-Tenant-ID", "tnt_acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("service rescope status = %d", rec.Code)
	}
	if gotScope.Tenant != "tnt_acme" || gotScope.ActorID != "svc-billing" {
		t.Fatalf("scope = %+v", gotScope)
	}

	// A user token cannot switch tenants with the header.
	userToken, _ := v.IssueToken(testScope(), time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("X-Tenant-ID", "tnt_other")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("user status = %d", rec.Code)
	}
	if gotScope.Tenant != "tnt_acme" {
		t.Fatalf("user tenant = %q, want claim tenant", gotScope.Tenant)
	}

	// A garbage header on a service token is rejected.
	req = httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+svcToken)
	req.Header.Set("X-Tenant-ID", "not a tenant")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad header status = %d", rec.Code)
	}
}
