package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/craglive/boxd/server/auth"
)

// PrincipalContextKey is a strict type for context keys to prevent collisions.
type PrincipalContextKey string

const (
	// PrincipalKey is the context key for the authenticated principal.
	PrincipalKey PrincipalContextKey = "principal"
)

// Principal is the authenticated operator bound to a request: a role plus
// the box allow-list from its bearer claims.
type Principal struct {
	Role     string
	BoxIDs   []int
	AllBoxes bool
}

// Allows reports whether the principal may act on a box.
func (p Principal) Allows(boxID int) bool {
	if p.AllBoxes {
		return true
	}
	for _, id := range p.BoxIDs {
		if id == boxID {
			return true
		}
	}
	return false
}

// BearerFromRequest extracts the bearer token from the Authorization
// header, the access_token cookie, or the token query parameter (the
// WebSocket handshake cannot always set headers from a browser).
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if c, err := r.Cookie("access_token"); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware enforces operator bearer authentication and injects the
// principal into the request context. Fails fast on missing or malformed
// credentials.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerFromRequest(r)
		if token == "" {
			http.Error(w, "Missing credentials", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		pr := Principal{Role: claims.Role, BoxIDs: claims.BoxIDs, AllBoxes: claims.AllBoxes}
		ctx := context.WithValue(r.Context(), PrincipalKey, pr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects non-admin principals.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr, err := PrincipalFromContext(r.Context())
		if err != nil || pr.Role != auth.RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromContext retrieves the authenticated principal.
func PrincipalFromContext(ctx context.Context) (Principal, error) {
	val := ctx.Value(PrincipalKey)
	if val == nil {
		return Principal{}, fmt.Errorf("principal not found in context")
	}
	pr, ok := val.(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal in context has wrong type")
	}
	return pr, nil
}
