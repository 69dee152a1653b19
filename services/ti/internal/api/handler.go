// Package api exposes the admin HTTP surface of the connector: probes,
// Prometheus metrics, source statuses and checkpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/runner"
)

// Runner is the part of the runner the admin surface reads.
type Runner interface {
	Ready() bool
	Stats() map[string]interface{}
	Statuses() []runner.Status
}

// StatsProvider is a component reporting its own counters.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// Handler serves the admin endpoints.
type Handler struct {
	service     string
	runner      Runner
	checkpoints checkpoint.Store
	gatherer    prometheus.Gatherer
	deps        map[string]repository.HealthChecker
	providers   map[string]StatsProvider
	logger      *slog.Logger
}

// NewHandler creates the admin handler.
func NewHandler(service string, r Runner, checkpoints checkpoint.Store, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		service:     service,
		runner:      r,
		checkpoints: checkpoints,
		gatherer:    gatherer,
		deps:        make(map[string]repository.HealthChecker),
		providers:   make(map[string]StatsProvider),
		logger:      logger.With("component", "admin-api"),
	}
}

// AddDependency makes readiness depend on the health of c.
func (h *Handler) AddDependency(name string, c repository.HealthChecker) {
	h.deps[name] = c
}

// AddStats adds the counters of p under name to the stats endpoint.
func (h *Handler) AddStats(name string, p StatsProvider) {
	h.providers[name] = p
}

// Router returns the admin router.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.loggingMiddleware)
	router.Use(h.recoveryMiddleware)

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/ready", h.Ready).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	h.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	r.HandleFunc("/sources", h.Sources).Methods("GET")
	r.HandleFunc("/checkpoints", h.ListCheckpoints).Methods("GET")
	r.HandleFunc("/checkpoints/{key}", h.GetCheckpoint).Methods("GET")
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// Ready reports whether a first cycle completed and every dependency is
// healthy.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]bool, len(h.deps))
	healthy := true
	for name, dep := range h.deps {
		checks[name] = dep.IsHealthy(r.Context())
		healthy = healthy && checks[name]
	}

	body := map[string]interface{}{"service": h.service, "checks": checks}
	switch {
	case !h.runner.Ready():
		body["status"] = "starting"
		h.respondJSON(w, http.StatusServiceUnavailable, body)
	case !healthy:
		body["status"] = "degraded"
		h.respondJSON(w, http.StatusServiceUnavailable, body)
	default:
		body["status"] = "ready"
		h.respondJSON(w, http.StatusOK, body)
	}
}

// Stats returns runner statistics and the source statuses.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.runner.Stats()
	stats["sources"] = h.runner.Statuses()
	for name, p := range h.providers {
		stats[name] = p.Stats()
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// Sources returns the status of every source.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runner.Statuses())
}

// ListCheckpoints returns the keys held by the checkpoint store.
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.checkpoints.(checkpoint.Lister)
	if !ok {
		h.respondError(w, apperrors.New(apperrors.CodeUnsupported, "checkpoint backend cannot list keys"))
		return
	}
	keys, err := lister.Keys(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	sort.Strings(keys)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// GetCheckpoint returns the value saved under a key.
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, ok, err := h.checkpoints.Get(r.Context(), key)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !ok {
		h.respondError(w, apperrors.NotFound("checkpoint").WithDetail("key", key))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", "error", err)
	}
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}
