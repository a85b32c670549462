package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"purchasing-core/internal/core"

	"github.com/golang-jwt/jwt/v5"
)

type actorKey struct{}

// actorFromContext returns the authenticated caller stored in ctx.
func actorFromContext(ctx context.Context) (core.Actor, bool) {
	v, ok := ctx.Value(actorKey{}).(core.Actor)
	return v, ok
}

// jwtClaims is the token payload issued by the identity service.
type jwtClaims struct {
	UserID   int64  `json:"user_id"`
	Role     string `json:"role"`
	BranchID int64  `json:"branch_id"`
	jwt.RegisteredClaims
}

var knownRoles = map[core.Role]bool{
	core.RoleSuperAdmin: true,
	core.RoleAdmin:      true,
	core.RoleWarehouse:  true,
}

// tokenFromRequest reads a bearer token, falling back to the auth_token cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireAuth validates the HS256 token and injects the core.Actor into the request
// context. Returns 401 if the token is absent, invalid or names an unknown role.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, r, "authentication required", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}

		claims := &jwtClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, r, "invalid or expired token", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}
		role := core.Role(strings.ToUpper(claims.Role))
		if claims.UserID <= 0 || !knownRoles[role] {
			writeError(w, r, "token does not carry a valid identity", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, core.Actor{
			UserID:   claims.UserID,
			Role:     role,
			BranchID: claims.BranchID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// me handles GET /api/auth/me.
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	writeJSON(w, map[string]any{
		"user_id":   actor.UserID,
		"role":      actor.Role,
		"branch_id": actor.BranchID,
	})
}
