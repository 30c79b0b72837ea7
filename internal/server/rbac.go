package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ClientContext identifies a service account caller.
type ClientContext struct {
	Roles            []string `json:"roles"`
	AuthType         string   `json:"authType,omitempty"`
	ServiceAccountID string   `json:"serviceAccountId,omitempty"`
}

// UserContext identifies a human caller.
type UserContext struct {
	Roles            []string `json:"roles"`
	AuthType         string   `json:"authType,omitempty"`
	InternalUsername string   `json:"internalUsername,omitempty"`
}

// Identity is the decoded call context of a request. The gateway trusts
// the fronting platform to authenticate callers and forward their roles
// in a base64-encoded JSON header; a request without the header is
// anonymous and holds no roles.
type Identity struct {
	Client *ClientContext `json:"client,omitempty"`
	User   *UserContext   `json:"user,omitempty"`
}

// HasRole reports whether any facet of the identity carries the role.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	if id.Client != nil {
		for _, r := range id.Client.Roles {
			if r == role {
				return true
			}
		}
	}
	if id.User != nil {
		for _, r := range id.User.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// Caller names the identity for logging.
func (id *Identity) Caller() string {
	if id != nil && id.Client != nil && id.Client.ServiceAccountID != "" {
		return id.Client.ServiceAccountID
	}
	if id != nil && id.User != nil && id.User.InternalUsername != "" {
		return id.User.InternalUsername
	}
	return "<anonymous>"
}

type identityKey struct{}

func contextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// callContext decodes the platform call-context header. A missing header
// yields an anonymous identity; a present but undecodable one is a 400.
func (s *Server) callContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &Identity{}
		if raw := r.Header.Get(s.settings.CallContextHeader); raw != "" {
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid %s header: %v", s.settings.CallContextHeader, err)
				return
			}
			if err := json.Unmarshal(decoded, identity); err != nil {
				respondError(w, http.StatusBadRequest, "invalid %s header: %v", s.settings.CallContextHeader, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
	})
}

// requireRole gates a handler on the environment-scoped role
// "<env>-<capability>".
func (s *Server) requireRole(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := chi.URLParam(r, "env") + "-" + capability
			if !identityFromContext(r.Context()).HasRole(role) {
				respondError(w, http.StatusForbidden, "this endpoint requires role %q", role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
