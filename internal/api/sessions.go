package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/session"
)

// SessionService is the session-manager surface the facade exposes.
type SessionService interface {
	Create(ctx context.Context, userID, repositoryID int64, branch string, perms domain.Permission) (*domain.SessionInfo, error)
	Stop(ctx context.Context, sessionID string) error
	UserSessions(ctx context.Context, userID int64) ([]*domain.SessionInfo, error)
	Status(ctx context.Context, sessionID string) (*domain.SessionInfo, error)
	PerformSecurityAudit(ctx context.Context) ([]session.SessionAudit, error)
}

// Permissions resolves the caller's access to a repository.
type Permissions interface {
	GetPermission(ctx context.Context, userID, repositoryID int64) (*domain.Permission, error)
}

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionService
	perms    Permissions
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions SessionService, perms Permissions) *SessionHandler {
	return &SessionHandler{sessions: sessions, perms: perms}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.Status)
		r.Delete("/{id}", h.Stop)
	})
}

type createSessionRequest struct {
	UserID       int64  `json:"user_id"`
	RepositoryID int64  `json:"repository_id"`
	Branch       string `json:"branch"`
}

// Create provisions a session for (user, repository, branch).
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.RepositoryID <= 0 || req.Branch == "" {
		Error(w, http.StatusBadRequest, "user_id, repository_id and branch are required")
		return
	}

	perm, err := h.perms.GetPermission(r.Context(), req.UserID, req.RepositoryID)
	if err != nil {
		slog.Error("Permission lookup failed",
			"user_id", req.UserID, "repository_id", req.RepositoryID, "error", err)
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "load permission"))
		return
	}
	if perm == nil {
		AppError(w, apperr.Newf(apperr.Forbidden,
			"user %d has no access to repository %d", req.UserID, req.RepositoryID))
		return
	}

	info, err := h.sessions.Create(r.Context(), req.UserID, req.RepositoryID, req.Branch, *perm)
	if err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusCreated, info)
}

// List returns the running sessions for a user.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		Error(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	sessions, err := h.sessions.UserSessions(r.Context(), userID)
	if err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Status returns the state of one session.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// Stop tears a session down.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Stop(r.Context(), id); err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped", "session_id": id})
}
