// Package server is the HTTP surface of the gateway: publish lifecycle
// endpoints, task polling, cache flush and config deployment, all
// scoped by environment and guarded by role-based access control.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdnpub/pubgate/internal/broker"
	"github.com/cdnpub/pubgate/internal/config"
	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/store"
)

// Server wires the HTTP handlers to the store and broker.
type Server struct {
	store    store.Storage
	broker   *broker.Broker
	settings *config.Settings
	now      func() time.Time
}

// New builds a server.
func New(st store.Storage, b *broker.Broker, settings *config.Settings) *Server {
	return &Server{store: st, broker: b, settings: settings, now: time.Now}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.correlation)
	r.Use(s.callContext)

	r.Get("/healthcheck", s.healthcheck)
	r.Get("/healthcheck-worker", s.healthcheckWorker)
	r.Get("/whoami", s.whoami)
	r.Get("/task/{task_id}", s.getTask)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/{env}", func(r chi.Router) {
		r.Use(s.requireEnv)
		r.With(s.requireRole("publisher")).Post("/publish", s.createPublish)
		r.With(s.requireRole("publisher")).Put("/publish/{publish_id}", s.addItems)
		r.With(s.requireRole("publisher")).Post("/publish/{publish_id}/commit", s.commitPublish)
		r.With(s.requireRole("cdn-flusher")).Post("/cdn-flush", s.cdnFlush)
		r.With(s.requireRole("config-deployer")).Post("/deploy-config", s.deployConfig)
	})
	return r
}

// correlation assigns every request an id that follows it through logs
// and enqueued messages.
func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logx.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type envKey struct{}

func contextWithEnv(ctx context.Context, env *config.Environment) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

func envFromContext(ctx context.Context) *config.Environment {
	env, _ := ctx.Value(envKey{}).(*config.Environment)
	return env
}

// requireEnv resolves the {env} path segment against the configured
// environments; unknown environments are a 404.
func (s *Server) requireEnv(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "env")
		env := s.settings.Env(name)
		if env == nil {
			respondError(w, http.StatusNotFound, "unknown environment %q", name)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithEnv(r.Context(), env)))
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respondJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}
