package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nu11ified/code-spectre-sub000/internal/monitoring"
	"github.com/Nu11ified/code-spectre-sub000/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler reports the health of the API and its dependencies.
type HealthHandler struct {
	repo       store.Repository
	monitoring MonitoringSource
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, mon MonitoringSource) *HealthHandler {
	return &HealthHandler{repo: repo, monitoring: mon}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health combines the database probe with the monitoring rollup. Critical
// rollups and unreachable databases both degrade the response code.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK
	overall := "healthy"

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		overall = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	rollup := h.monitoring.Health()
	checks["monitoring"] = string(rollup)
	if rollup == monitoring.HealthCritical {
		overall = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}
