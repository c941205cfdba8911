// Package auth verifies bearer tokens at the HTTP edge and binds the
// resulting tenant scope to the request context.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/obanteq/open-mmb-go/internal/tenant"
)

// JWTVerifier validates HS256 tokens carrying sub, actor_type, and tenant
// claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// ParseScope verifies the token and extracts the tenant scope.
func (v *JWTVerifier) ParseScope(tokenString string) (tenant.Scope, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return tenant.Scope{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	tenantID, _ := claims["tenant"].(string)
	scope, err := tenant.NewScope(tenantID, sub, actorType)
	if err != nil {
		return tenant.Scope{}, errors.New("missing or invalid scope claims")
	}
	return scope, nil
}

// IssueToken mints a token for tests and the dev CLI.
func (v *JWTVerifier) IssueToken(scope tenant.Scope, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":        scope.ActorID,
		"actor_type": scope.ActorType,
		"tenant":     string(scope.Tenant),
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// HTTPMiddleware rejects requests without a valid bearer token and attaches
// the tenant scope to the context. Paths in skipPaths bypass verification
// (health and metrics).
func HTTPMiddleware(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		scope, err := verifier.ParseScope(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		// Service tokens act on behalf of tenants; the X-Tenant-ID header
		// names which one. Non-service actors stay pinned to their claim.
		if hdr := r.Header.Get("X-Tenant-ID"); hdr != "" && scope.ActorType == tenant.ActorService {
			rescoped, err := tenant.NewScope(hdr, scope.ActorID, scope.ActorType)
			if err != nil {
				http.Error(w, "invalid tenant header", http.StatusUnauthorized)
				return
			}
			scope = rescoped
		}
		next.ServeHTTP(w, r.WithContext(tenant.With(r.Context(), scope)))
	})
}

// bearerToken pulls the token from the Authorization header, falling back to
// the access_token query parameter for websocket upgrades, where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
