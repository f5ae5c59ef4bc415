package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Canonical role names accepted on the orchestrator's mutating endpoints.
const (
	RoleOperator = "Operator"
	RoleReleaser = "Releaser"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "release.identity"

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	Subject string
	Roles   []string
}

// FromContext returns the Identity stored in the request context, or nil.
func FromContext(ctx context.Context) *Identity {
	v := ctx.Value(ctxKeyIdentity)
	if v == nil {
		return nil
	}
	if id, ok := v.(*Identity); ok {
		return id
	}
	return nil
}

func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Middleware validates HS256 bearer tokens and places the caller Identity in
// the request context. When allowDebugToken is set, the X-Debug-Token header
// is accepted instead (dev only; startup guards reject it in production).
type Middleware struct {
	secret          []byte
	allowDebugToken bool
	debugToken      string
}

func NewMiddleware(secret string, allowDebugToken bool, debugToken string) *Middleware {
	return &Middleware{
		secret:          []byte(secret),
		allowDebugToken: allowDebugToken,
		debugToken:      debugToken,
	}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.allowDebugToken {
			if token := r.Header.Get("X-Debug-Token"); token != "" && token == m.debugToken {
				id := &Identity{Subject: "debug", Roles: []string{RoleOperator, RoleReleaser}}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, id)))
				return
			}
			http.Error(w, "debug token required", http.StatusUnauthorized)
			return
		}

		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(authz[7:])
		id, err := m.parse(raw)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, id)))
	})
}

func (m *Middleware) parse(raw string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	return &Identity{Subject: c.Subject, Roles: c.Roles}, nil
}

// RequireRole returns middleware that rejects callers lacking the role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).HasRole(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
