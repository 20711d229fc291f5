package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/config"
)

// Role represents an authorization role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// localUser owns every project when authentication is disabled.
const localUser = "local"

// authConfig holds credentials loaded from environment variables.
type authConfig struct {
	adminUser  string
	adminPass  string
	viewerUser string
	viewerPass string
	enabled    bool
}

var auth *authConfig

// InitAuth loads auth credentials from environment variables or files.
// Supports *_FILE convention: if SCENEFORGE_ADMIN_USER_FILE is set, reads from that file.
// If no admin credentials are set, authentication is disabled.
func InitAuth() {
	adminUser := config.MustResolveSecret("SCENEFORGE_ADMIN_USER")
	adminPass := config.MustResolveSecret("SCENEFORGE_ADMIN_PASS")
	viewerUser := config.MustResolveSecret("SCENEFORGE_VIEWER_USER")
	viewerPass := config.MustResolveSecret("SCENEFORGE_VIEWER_PASS")

	auth = &authConfig{
		adminUser:  adminUser,
		adminPass:  adminPass,
		viewerUser: viewerUser,
		viewerPass: viewerPass,
		enabled:    adminUser != "" && adminPass != "",
	}
	if !auth.enabled {
		log.Warn().Str("component", "api").Msg("authentication disabled: no admin credentials configured")
	}
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials and returns the user and role.
// The role is empty when the credentials are invalid.
func authenticate(r *http.Request) (string, Role) {
	if auth == nil || !auth.enabled {
		return localUser, RoleAdmin
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", ""
	}

	if auth.adminUser != "" && auth.adminPass != "" {
		if secureCompare(user, auth.adminUser) && secureCompare(pass, auth.adminPass) {
			return user, RoleAdmin
		}
	}

	if auth.viewerUser != "" && auth.viewerPass != "" {
		if secureCompare(user, auth.viewerUser) && secureCompare(pass, auth.viewerPass) {
			return user, RoleViewer
		}
	}

	return "", ""
}

// secureCompare performs constant-time string comparison.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireAuth returns 401 Unauthorized with WWW-Authenticate header.
func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="SceneForge"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

type identityKey struct{}

type identity struct {
	user string
	role Role
}

// currentUser returns the authenticated user and role of r.
func currentUser(r *http.Request) (string, Role) {
	if id, ok := r.Context().Value(identityKey{}).(identity); ok {
		return id.user, id.role
	}
	return authenticate(r)
}

// RequireRole wraps a handler and requires one of the specified roles.
func RequireRole(handler http.HandlerFunc, allowedRoles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, role := authenticate(r)
		if role == "" {
			requireAuth(w)
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				ctx := context.WithValue(r.Context(), identityKey{}, identity{user: user, role: role})
				handler(w, r.WithContext(ctx))
				return
			}
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// RequireAnyRole wraps a handler requiring admin OR viewer role.
func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleViewer)
}

// RequireAdmin wraps a handler requiring admin role only.
func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
