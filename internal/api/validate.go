package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
)

// ValidateHandler exposes command validation against a user's derived
// security profile.
type ValidateHandler struct {
	engine *security.Engine
	perms  Permissions
}

// NewValidateHandler creates a validation handler.
func NewValidateHandler(engine *security.Engine, perms Permissions) *ValidateHandler {
	return &ValidateHandler{engine: engine, perms: perms}
}

// RegisterRoutes registers validation routes.
func (h *ValidateHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/validate/command", h.ValidateCommand)
}

type validateCommandRequest struct {
	UserID       int64  `json:"user_id"`
	RepositoryID int64  `json:"repository_id"`
	SessionID    string `json:"session_id"`
	Command      string `json:"command"`
}

// ValidateCommand checks a command against the derived profile and reports
// whether it would be allowed inside the session.
func (h *ValidateHandler) ValidateCommand(w http.ResponseWriter, r *http.Request) {
	var req validateCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.RepositoryID <= 0 || req.Command == "" {
		Error(w, http.StatusBadRequest, "user_id, repository_id and command are required")
		return
	}

	perm, err := h.perms.GetPermission(r.Context(), req.UserID, req.RepositoryID)
	if err != nil {
		slog.Error("Permission lookup failed during command validation",
			"user_id", req.UserID, "repository_id", req.RepositoryID, "error", err)
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "load permission"))
		return
	}
	if perm == nil {
		AppError(w, apperr.Newf(apperr.Forbidden,
			"user %d has no access to repository %d", req.UserID, req.RepositoryID))
		return
	}

	profile := h.engine.Derive(req.UserID, *perm, req.RepositoryID)
	if err := h.engine.ValidateCommand(req.UserID, req.SessionID, profile, req.Command); err != nil {
		JSON(w, http.StatusOK, map[string]interface{}{
			"allowed": false,
			"reason":  apperr.UserMessage(err),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"allowed": true})
}
