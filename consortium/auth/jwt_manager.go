package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

// Identity is the acting user extracted from the bearer token. BearerToken
// carries the raw credential so it can be forwarded to collaborators that
// exchange it for a token with the user's permissions.
type Identity struct {
	UserId   string
	Email    string
	Name     string
	TenantId string
	IsAdmin  bool

	BearerToken string
}

type JwtManager struct {
	auth *jwtauth.JWTAuth
}

func NewJwtManager(secret []byte) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil)}
}

func (m *JwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

func (m *JwtManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

// CreateUserJwt issues a token for the given identity. Used by tests and
// local setups; in production tokens come from the identity provider.
func (m *JwtManager) CreateUserJwt(identity Identity, exp time.Duration) (string, error) {
	claims := map[string]interface{}{
		"sub":   identity.UserId,
		"email": identity.Email,
		"name":  identity.Name,
		"tid":   identity.TenantId,
		"admin": identity.IsAdmin,
		"exp":   time.Now().Add(exp),
	}
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating jwt", "error", err)
		return "", fmt.Errorf("error generating access token: %w", err)
	}
	return token, nil
}

type identityContextKey struct{}

// IdentityMiddleware resolves the verified token claims into an Identity and
// places it on the request context. Must run after Verifier/Authenticator.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			http.Error(w, "error retrieving auth claims", http.StatusUnauthorized)
			return
		}

		identity := Identity{
			UserId:      stringClaim(claims, "sub"),
			Email:       stringClaim(claims, "email"),
			Name:        stringClaim(claims, "name"),
			TenantId:    stringClaim(claims, "tid"),
			IsAdmin:     boolClaim(claims, "admin"),
			BearerToken: rawBearer(r),
		}
		if identity.UserId == "" {
			identity.UserId = stringClaim(claims, "oid")
		}
		if identity.UserId == "" {
			http.Error(w, "invalid token: missing subject claim", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects callers without the admin claim.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := IdentityFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !identity.IsAdmin {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func IdentityFromContext(r *http.Request) (Identity, error) {
	identity, ok := r.Context().Value(identityContextKey{}).(Identity)
	if !ok {
		return Identity{}, fmt.Errorf("identity not found in request context")
	}
	return identity, nil
}

func rawBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

func stringClaim(claims map[string]interface{}, key string) string {
	if value, ok := claims[key].(string); ok {
		return value
	}
	return ""
}

func boolClaim(claims map[string]interface{}, key string) bool {
	if value, ok := claims[key].(bool); ok {
		return value
	}
	return false
}
