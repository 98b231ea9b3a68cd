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
	"github.com/Nu11ified/code-spectre-sub000/internal/store"
)

// GitProvider is the VCS surface the repository endpoints drive.
type GitProvider interface {
	Clone(ctx context.Context, url string, repoID int64, keyPath string) error
	GenerateDeployKey(repoID int64) (string, error)
	ListBranches(ctx context.Context, repoID int64) ([]string, error)
	CreateBranch(ctx context.Context, repoID int64, branch, baseBranch string) error
	UpdateRepository(ctx context.Context, repoID int64) error
}

// RepositoryHandler handles repository registration and branch endpoints.
type RepositoryHandler struct {
	repo  store.Repository
	git   GitProvider
	perms Permissions
}

// NewRepositoryHandler creates a repository handler.
func NewRepositoryHandler(repo store.Repository, git GitProvider, perms Permissions) *RepositoryHandler {
	return &RepositoryHandler{repo: repo, git: git, perms: perms}
}

// RegisterRoutes registers repository routes.
func (h *RepositoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/repositories", func(r chi.Router) {
		r.Post("/", h.Register)
		r.Get("/", h.List)
		r.Get("/{id}/branches", h.Branches)
		r.Post("/{id}/branches", h.CreateBranch)
		r.Post("/{id}/sync", h.Sync)
	})
}

type registerRepositoryRequest struct {
	Name              string `json:"name"`
	RemoteURL         string `json:"remote_url"`
	OwnerID           int64  `json:"owner_id"`
	GenerateDeployKey bool   `json:"generate_deploy_key"`
}

// Register validates the remote URL, optionally generates a deploy key,
// clones the bare mirror, and persists the repository record. Registering an
// already-known URL returns the existing record.
func (h *RepositoryHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.RemoteURL == "" || req.OwnerID <= 0 {
		Error(w, http.StatusBadRequest, "name, remote_url and owner_id are required")
		return
	}
	if !domain.ValidGitURL(req.RemoteURL) {
		AppError(w, apperr.Newf(apperr.InvalidGitURL, "remote URL %q is not a valid git URL", req.RemoteURL))
		return
	}

	ctx := r.Context()
	if existing, err := h.repo.GetRepositoryByURL(ctx, req.RemoteURL); err != nil {
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "look up repository"))
		return
	} else if existing != nil {
		JSON(w, http.StatusOK, existing)
		return
	}

	record := &domain.Repository{
		Name:      req.Name,
		RemoteURL: req.RemoteURL,
		OwnerID:   req.OwnerID,
	}
	if err := h.repo.UpsertRepository(ctx, record); err != nil {
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "persist repository"))
		return
	}

	var keyPath string
	if req.GenerateDeployKey {
		path, err := h.git.GenerateDeployKey(record.ID)
		if err != nil {
			AppError(w, err)
			return
		}
		keyPath = path
		record.DeployKeyPath = path
		if err := h.repo.UpsertRepository(ctx, record); err != nil {
			AppError(w, apperr.Wrap(err, apperr.DatabaseError, "persist deploy key path"))
			return
		}
	}

	if err := h.git.Clone(ctx, req.RemoteURL, record.ID, keyPath); err != nil {
		AppError(w, err)
		return
	}

	slog.Info("Repository registered",
		"repository_id", record.ID, "remote_url", req.RemoteURL, "deploy_key", keyPath != "")
	JSON(w, http.StatusCreated, record)
}

// List returns all known repositories.
func (h *RepositoryHandler) List(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repo.ListRepositories(r.Context())
	if err != nil {
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "list repositories"))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

func (h *RepositoryHandler) repoID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.ValidationFailed, "invalid repository id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// Branches lists the remote branches of a repository.
func (h *RepositoryHandler) Branches(w http.ResponseWriter, r *http.Request) {
	id, err := h.repoID(r)
	if err != nil {
		AppError(w, err)
		return
	}
	branches, err := h.git.ListBranches(r.Context(), id)
	if err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

type createBranchRequest struct {
	UserID     int64  `json:"user_id"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
}

// CreateBranch creates and pushes a branch, gated on the caller's
// permission snapshot: branch creation must be allowed and the base branch
// must be in the allowed set.
func (h *RepositoryHandler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	id, err := h.repoID(r)
	if err != nil {
		AppError(w, err)
		return
	}

	var req createBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.Branch == "" {
		Error(w, http.StatusBadRequest, "user_id and branch are required")
		return
	}

	perm, err := h.perms.GetPermission(r.Context(), req.UserID, id)
	if err != nil {
		AppError(w, apperr.Wrap(err, apperr.DatabaseError, "load permission"))
		return
	}
	if perm == nil || !perm.CanCreateBranches {
		AppError(w, apperr.Newf(apperr.Forbidden,
			"user %d may not create branches in repository %d", req.UserID, id))
		return
	}
	base := req.BaseBranch
	if base == "" {
		base = "main"
	}
	if !perm.AllowsBase(base) {
		AppError(w, apperr.Newf(apperr.Forbidden,
			"base branch %q is not allowed for user %d", base, req.UserID))
		return
	}

	if err := h.git.CreateBranch(r.Context(), id, req.Branch, base); err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"branch": req.Branch, "base_branch": base})
}

// Sync fetches and prunes the bare mirror.
func (h *RepositoryHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, err := h.repoID(r)
	if err != nil {
		AppError(w, err)
		return
	}
	if err := h.git.UpdateRepository(r.Context(), id); err != nil {
		AppError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "synced"})
}
