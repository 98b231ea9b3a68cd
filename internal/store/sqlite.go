package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		remote_url TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL,
		deploy_key_path TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permissions (
		user_id INTEGER NOT NULL,
		repository_id INTEGER NOT NULL,
		can_create_branches INTEGER NOT NULL DEFAULT 0,
		branch_limit INTEGER NOT NULL DEFAULT 0,
		allowed_base_branches TEXT NOT NULL,
		allow_terminal_access INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, repository_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT id, external_id, email, role FROM users WHERE id = ?`

	var user domain.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.ExternalID, &user.Email, &user.Role,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, external_id, email, role, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		external_id = excluded.external_id,
		email = excluded.email,
		role = excluded.role,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.ExternalID, user.Email, user.Role, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetRepository retrieves a repository by id.
func (s *SQLiteStore) GetRepository(ctx context.Context, id int64) (*domain.Repository, error) {
	query := `SELECT id, name, remote_url, owner_id, deploy_key_path FROM repositories WHERE id = ?`
	return s.scanRepository(s.db.QueryRowContext(ctx, query, id))
}

// GetRepositoryByURL retrieves a repository by its remote URL.
func (s *SQLiteStore) GetRepositoryByURL(ctx context.Context, url string) (*domain.Repository, error) {
	query := `SELECT id, name, remote_url, owner_id, deploy_key_path FROM repositories WHERE remote_url = ?`
	return s.scanRepository(s.db.QueryRowContext(ctx, query, url))
}

func (s *SQLiteStore) scanRepository(row *sql.Row) (*domain.Repository, error) {
	var repo domain.Repository
	var keyPath sql.NullString

	err := row.Scan(&repo.ID, &repo.Name, &repo.RemoteURL, &repo.OwnerID, &keyPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan repository row: %w", err)
	}
	repo.DeployKeyPath = keyPath.String
	return &repo, nil
}

// UpsertRepository creates or updates a repository record.
func (s *SQLiteStore) UpsertRepository(ctx context.Context, repo *domain.Repository) error {
	var keyPath interface{}
	if repo.DeployKeyPath != "" {
		keyPath = repo.DeployKeyPath
	}
	now := time.Now().Unix()

	// New repositories take the next rowid; the generated id is written
	// back onto the record.
	if repo.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (name, remote_url, owner_id, deploy_key_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
			repo.Name, repo.RemoteURL, repo.OwnerID, keyPath, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert repository: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read repository id: %w", err)
		}
		repo.ID = id
		return nil
	}

	query := `
	INSERT INTO repositories (id, name, remote_url, owner_id, deploy_key_path, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		remote_url = excluded.remote_url,
		owner_id = excluded.owner_id,
		deploy_key_path = excluded.deploy_key_path,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		repo.ID, repo.Name, repo.RemoteURL, repo.OwnerID, keyPath, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// ListRepositories returns all known repositories.
func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*domain.Repository, error) {
	query := `SELECT id, name, remote_url, owner_id, deploy_key_path FROM repositories ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close repositories rows", "error", closeErr)
		}
	}()

	var repos []*domain.Repository
	for rows.Next() {
		var repo domain.Repository
		var keyPath sql.NullString
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.RemoteURL, &repo.OwnerID, &keyPath); err != nil {
			return nil, fmt.Errorf("scan repository row: %w", err)
		}
		repo.DeployKeyPath = keyPath.String
		repos = append(repos, &repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return repos, nil
}

// GetPermission retrieves the permission snapshot for a (user, repository)
// pair.
func (s *SQLiteStore) GetPermission(ctx context.Context, userID, repoID int64) (*domain.Permission, error) {
	query := `
		SELECT user_id, repository_id, can_create_branches, branch_limit,
		       allowed_base_branches, allow_terminal_access
		FROM permissions WHERE user_id = ? AND repository_id = ?`

	var perm domain.Permission
	var bases string
	err := s.db.QueryRowContext(ctx, query, userID, repoID).Scan(
		&perm.UserID, &perm.RepositoryID, &perm.CanCreateBranches,
		&perm.BranchLimit, &bases, &perm.AllowTerminalAccess,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan permission row: %w", err)
	}

	if err := json.Unmarshal([]byte(bases), &perm.AllowedBaseBranches); err != nil {
		return nil, fmt.Errorf("decode allowed base branches: %w", err)
	}
	return &perm, nil
}

// UpsertPermission stores a permission snapshot. Writes retry on SQLite
// concurrency errors because session creation and the monitoring loop both
// touch this table.
func (s *SQLiteStore) UpsertPermission(ctx context.Context, perm *domain.Permission) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.upsertPermissionOnce(ctx, perm)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("UpsertPermission hit a locked database, retrying",
				"user_id", perm.UserID,
				"repository_id", perm.RepositoryID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("upsert permission for user %d repo %d: %w", perm.UserID, perm.RepositoryID, err)
	}
	return nil
}

func (s *SQLiteStore) upsertPermissionOnce(ctx context.Context, perm *domain.Permission) error {
	bases, err := json.Marshal(perm.AllowedBaseBranches)
	if err != nil {
		return fmt.Errorf("encode allowed base branches: %w", err)
	}

	query := `
	INSERT INTO permissions (
		user_id, repository_id, can_create_branches, branch_limit,
		allowed_base_branches, allow_terminal_access, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, repository_id) DO UPDATE SET
		can_create_branches = excluded.can_create_branches,
		branch_limit = excluded.branch_limit,
		allowed_base_branches = excluded.allowed_base_branches,
		allow_terminal_access = excluded.allow_terminal_access,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		perm.UserID, perm.RepositoryID, perm.CanCreateBranches,
		perm.BranchLimit, string(bases), perm.AllowTerminalAccess,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
