package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Nu11ified/code-spectre-sub000/internal/monitoring"
	"github.com/Nu11ified/code-spectre-sub000/internal/recovery"
)

// RecoverySource is the read side of the recovery service.
type RecoverySource interface {
	Actions() []recovery.Action
	CompleteManual(actionID string) error
}

// MonitoringSource is the read side of the monitoring collector.
type MonitoringSource interface {
	Latest() *monitoring.Metrics
	History() []monitoring.Metrics
	Alerts() []monitoring.Alert
	Health() monitoring.HealthStatus
}

// AdminHandler exposes read-only operator endpoints over recovery and
// monitoring state.
type AdminHandler struct {
	sessions   SessionService
	recovery   RecoverySource
	monitoring MonitoringSource
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(sessions SessionService, rec RecoverySource, mon MonitoringSource) *AdminHandler {
	return &AdminHandler{sessions: sessions, recovery: rec, monitoring: mon}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/audit/security", h.SecurityAudit)
		r.Get("/recovery/actions", h.RecoveryActions)
		r.Post("/recovery/actions/{id}/complete", h.CompleteRecoveryAction)
		r.Get("/monitoring/status", h.MonitoringStatus)
		r.Get("/monitoring/alerts", h.MonitoringAlerts)
	})
}

// SecurityAudit audits every managed container.
func (h *AdminHandler) SecurityAudit(w http.ResponseWriter, r *http.Request) {
	audits, err := h.sessions.PerformSecurityAudit(r.Context())
	if err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"audits": audits})
}

// RecoveryActions lists recovery actions, newest first.
func (h *AdminHandler) RecoveryActions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"actions": h.recovery.Actions()})
}

// CompleteRecoveryAction resolves a manual recovery action.
func (h *AdminHandler) CompleteRecoveryAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.recovery.CompleteManual(id); err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "completed", "action_id": id})
}

// MonitoringStatus returns the latest sample plus the health rollup.
func (h *AdminHandler) MonitoringStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"health":  h.monitoring.Health(),
		"latest":  h.monitoring.Latest(),
		"history": len(h.monitoring.History()),
	})
}

// MonitoringAlerts returns the alert ring.
func (h *AdminHandler) MonitoringAlerts(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"alerts": h.monitoring.Alerts()})
}
