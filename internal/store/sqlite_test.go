package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got, err := s.GetUser(ctx, 1); err != nil || got != nil {
		t.Fatalf("expected nil for unknown user, got %v, %v", got, err)
	}

	user := &domain.User{ID: 1, ExternalID: "gh-123", Email: "dev@example.com", Role: domain.RoleUser}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExternalID != "gh-123" || got.Role != domain.RoleUser {
		t.Errorf("unexpected user %+v", got)
	}

	user.Role = domain.RoleAdmin
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetUser(ctx, 1)
	if got.Role != domain.RoleAdmin {
		t.Errorf("role not updated, got %s", got.Role)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := &domain.Repository{
		ID:            4,
		Name:          "demo",
		RemoteURL:     "git@github.com:acme/demo.git",
		OwnerID:       1,
		DeployKeyPath: "/srv/git/ssh-keys/repo_4",
	}
	if err := s.UpsertRepository(ctx, repo); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	byID, err := s.GetRepository(ctx, 4)
	if err != nil || byID == nil {
		t.Fatalf("get by id: %v, %v", byID, err)
	}
	byURL, err := s.GetRepositoryByURL(ctx, "git@github.com:acme/demo.git")
	if err != nil || byURL == nil {
		t.Fatalf("get by url: %v, %v", byURL, err)
	}
	if byURL.ID != 4 || byURL.DeployKeyPath != repo.DeployKeyPath {
		t.Errorf("unexpected repository %+v", byURL)
	}

	repos, err := s.ListRepositories(ctx)
	if err != nil || len(repos) != 1 {
		t.Errorf("expected one repository, got %v, %v", repos, err)
	}
}

func TestPermissionSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got, err := s.GetPermission(ctx, 1, 4); err != nil || got != nil {
		t.Fatalf("expected nil for unknown permission, got %v, %v", got, err)
	}

	perm := &domain.Permission{
		UserID:              1,
		RepositoryID:        4,
		CanCreateBranches:   true,
		BranchLimit:         5,
		AllowedBaseBranches: []string{"main", "develop"},
		AllowTerminalAccess: true,
	}
	if err := s.UpsertPermission(ctx, perm); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetPermission(ctx, 1, 4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CanCreateBranches || got.BranchLimit != 5 || !got.AllowTerminalAccess {
		t.Errorf("unexpected permission %+v", got)
	}
	if len(got.AllowedBaseBranches) != 2 || got.AllowedBaseBranches[0] != "main" {
		t.Errorf("unexpected base branches %v", got.AllowedBaseBranches)
	}

	perm.AllowTerminalAccess = false
	if err := s.UpsertPermission(ctx, perm); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetPermission(ctx, 1, 4)
	if got.AllowTerminalAccess {
		t.Error("terminal access snapshot not updated")
	}
}
