// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

// Repository defines the interface for persisting users, repositories, and
// permission snapshots.
type Repository interface {
	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id int64) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetRepository retrieves a repository by id.
	GetRepository(ctx context.Context, id int64) (*domain.Repository, error)

	// GetRepositoryByURL retrieves a repository by its remote URL.
	// Repositories are unique by remote URL.
	GetRepositoryByURL(ctx context.Context, url string) (*domain.Repository, error)

	// UpsertRepository creates or updates a repository record.
	UpsertRepository(ctx context.Context, repo *domain.Repository) error

	// ListRepositories returns all known repositories.
	ListRepositories(ctx context.Context) ([]*domain.Repository, error)

	// GetPermission retrieves the permission snapshot for a (user,
	// repository) pair. Security audits read this snapshot instead of
	// guessing permissions.
	GetPermission(ctx context.Context, userID, repoID int64) (*domain.Permission, error)

	// UpsertPermission stores a permission snapshot for a (user,
	// repository) pair.
	UpsertPermission(ctx context.Context, perm *domain.Permission) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
