package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"powergate/internal/models"
	"powergate/internal/power"
)

// healthTimeout bounds the backend ping made by a health check.
const healthTimeout = 2 * time.Second

// PowerService looks up the current power estimate for a chain.
type PowerService interface {
	PowerUsage(ctx context.Context, name string) (*models.PowerUsageResponse, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains HTTP handlers for the powergate API
type Handlers struct {
	power   PowerService
	backend Pinger
	version string
	started time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handlers)

// WithBackend makes health checks ping the rate limit history backend.
// Signed mode has no backend and leaves this unset.
func WithBackend(p Pinger) HandlerOption {
	return func(h *Handlers) {
		h.backend = p
	}
}

// WithVersion sets the version reported by health checks.
func WithVersion(v string) HandlerOption {
	return func(h *Handlers) {
		h.version = v
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(powerService PowerService, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		power:   powerService,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetPowerUsage handles power lookups
// GET /api/v1/power?blockchain_name={name}
func (h *Handlers) GetPowerUsage(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("blockchain_name"))
	if name == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Missing blockchain_name parameter")
		return
	}

	response, err := h.power.PowerUsage(r.Context(), name)
	if err != nil {
		if errors.Is(err, power.ErrUnsupportedChain) || errors.Is(err, power.ErrUpstream) {
			h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound,
				"Blockchain '"+name+"' not supported or data unavailable")
			return
		}
		slog.Error("Power lookup failed", "chain", name, "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.Uptime = time.Since(h.started).Truncate(time.Second).String()
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	status := http.StatusOK
	if h.backend == nil {
		response.AddComponent("storage", models.StatusHealthy, "Histories are client-held")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := h.backend.Ping(ctx); err != nil {
			slog.Warn("Health check backend ping failed", "error", err)
			response.Status = models.StatusDegraded
			response.AddComponent("storage", models.StatusUnhealthy, err.Error())
			status = http.StatusServiceUnavailable
		} else {
			response.AddComponent("storage", models.StatusHealthy, "Storage is operational")
		}
	}

	h.writeJSONResponse(w, status, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out; nothing left to tell the client.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}
