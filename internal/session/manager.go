// Package session orchestrates IDE session lifecycle across the worktree
// provider, the container runtime, and the route registrar.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/container"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/logging"
	"github.com/Nu11ified/code-spectre-sub000/internal/proxy"
)

const (
	inactivityCutoff   = time.Hour
	healthCheckWorkers = 8
)

// Runtime is the container-runtime surface the session manager drives.
type Runtime interface {
	CreateIDEContainer(ctx context.Context, userID, repoID int64, branch, worktreePath, extensionsPath string, perms domain.Permission) (*container.Created, error)
	RemoveContainer(ctx context.Context, containerID string) error
	HealthCheck(ctx context.Context, containerID string) (bool, error)
	ContainerStats(ctx context.Context, containerID string) (*container.Stats, error)
	MonitorContainerSecurity(ctx context.Context, containerID string) (*container.SecurityReport, error)
	PerformSecurityAudit(ctx context.Context, containerID string) (*container.AuditReport, error)
	Sessions(ctx context.Context) ([]container.Managed, error)
	RunningSessions(ctx context.Context) ([]container.Managed, error)
	Touch(containerID string)
}

// Worktrees is the VCS surface the session manager drives.
type Worktrees interface {
	CreateWorktree(ctx context.Context, repoID int64, branch string, userID int64) (string, error)
	RemoveWorktree(ctx context.Context, repoID int64, branch string, userID int64) error
	CleanupWorktrees(ctx context.Context, repoID int64) error
}

// Snapshots persists permission snapshots so audits and recovery can
// re-derive profiles without the original caller.
type Snapshots interface {
	UpsertPermission(ctx context.Context, perm *domain.Permission) error
	GetPermission(ctx context.Context, userID, repositoryID int64) (*domain.Permission, error)
}

// Recorder receives every lifecycle failure.
type Recorder interface {
	RecordFailure(target string, err error)
}

// URLBuilder resolves the externally visible URL for a subdomain.
type URLBuilder interface {
	RouteURL(subdomain string) string
}

// Config tunes the session manager.
type Config struct {
	MaxSessionsPerUser int
	ExtensionsPath     string
}

// Manager owns session state. All lifecycle operations for the same
// container name are serialized through a per-name mutex.
type Manager struct {
	runtime   Runtime
	worktrees Worktrees
	snapshots Snapshots
	recorder  Recorder
	urls      URLBuilder
	events    *Hub
	cfg       Config

	retry apperr.RetryConfig

	locks sync.Map // container name -> *sync.Mutex
}

// NewManager creates a session manager.
func NewManager(runtime Runtime, worktrees Worktrees, snapshots Snapshots, recorder Recorder, urls URLBuilder, events *Hub, cfg Config) *Manager {
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 3
	}
	return &Manager{
		runtime:   runtime,
		worktrees: worktrees,
		snapshots: snapshots,
		recorder:  recorder,
		urls:      urls,
		events:    events,
		cfg:       cfg,
		retry:     apperr.DefaultRetryConfig(),
	}
}

// Events exposes the lifecycle event hub.
func (m *Manager) Events() *Hub {
	return m.events
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// sessionURL resolves the user-visible URL for a session tuple. The
// registered route stays authoritative.
func (m *Manager) sessionURL(userID, repoID int64, branch string) string {
	return m.urls.RouteURL(proxy.Subdomain(userID, repoID, branch))
}

func sessionInfo(c container.Managed, url string) *domain.SessionInfo {
	status := domain.SessionRunning
	if !strings.EqualFold(c.State, "running") {
		status = domain.SessionStopped
	}
	return &domain.SessionInfo{
		SessionID:      c.ID,
		UserID:         c.Identity.UserID,
		RepositoryID:   c.Identity.RepositoryID,
		BranchName:     c.Identity.Branch,
		ContainerName:  c.Name,
		URL:            url,
		Status:         status,
		CreatedAt:      c.CreatedAt,
		LastAccessedAt: c.LastAccessedAt,
	}
}

// Create provisions a session for (user, repo, branch): worktree, hardened
// container, and route. Calling it again for a running session returns the
// existing session. Transient runtime faults are retried.
func (m *Manager) Create(ctx context.Context, userID, repoID int64, branch string, perms domain.Permission) (*domain.SessionInfo, error) {
	name := container.ContainerName(userID, repoID, branch)
	timer := logging.StartTimer("create_session",
		"user_id", userID,
		"repository_id", repoID,
		"branch", branch)

	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	var info *domain.SessionInfo
	err := apperr.Retry(ctx, m.retry, "create_session", func(ctx context.Context) error {
		var err error
		info, err = m.createOnce(ctx, userID, repoID, branch, perms)
		return err
	})
	timer.Stop(err)

	if err != nil {
		m.recorder.RecordFailure("session:"+name, err)
		m.events.Publish(Event{Type: EventFailed, SessionID: name, UserID: userID, Branch: branch, Message: apperr.UserMessage(err)})
		return nil, err
	}
	return info, nil
}

func (m *Manager) createOnce(ctx context.Context, userID, repoID int64, branch string, perms domain.Permission) (*domain.SessionInfo, error) {
	running, err := m.runtime.RunningSessions(ctx)
	if err != nil {
		return nil, err
	}

	owned := 0
	for _, c := range running {
		if c.Identity.UserID != userID {
			continue
		}
		if c.Identity.RepositoryID == repoID && c.Identity.Branch == branch {
			slog.Info("Reusing running session", "session_id", c.ID, "user_id", userID)
			m.runtime.Touch(c.ID)
			return sessionInfo(c, m.sessionURL(userID, repoID, branch)), nil
		}
		owned++
	}
	if owned >= m.cfg.MaxSessionsPerUser {
		return nil, apperr.Newf(apperr.ResourceLimitExceeded,
			"user %d already has %d concurrent sessions (limit %d)", userID, owned, m.cfg.MaxSessionsPerUser)
	}

	worktreePath, err := m.worktrees.CreateWorktree(ctx, repoID, branch, userID)
	if err != nil {
		if apperr.KindOf(err) == apperr.InvalidBranchName {
			return nil, err
		}
		return nil, apperr.Wrap(err, apperr.GitWorktreeCreationFailed, "provision worktree")
	}

	created, err := m.runtime.CreateIDEContainer(ctx, userID, repoID, branch, worktreePath, m.cfg.ExtensionsPath, perms)
	if err != nil {
		m.cleanupFailedSession(ctx, userID, repoID, branch)
		switch apperr.KindOf(err) {
		case apperr.ContainerLimitExceeded, apperr.ContainerStartFailed, apperr.DockerConnectionFailed,
			apperr.SecurityViolation, apperr.TimeoutError, apperr.ContainerCreationFailed:
			return nil, err
		default:
			return nil, apperr.Wrap(err, apperr.ContainerCreationFailed, "provision container")
		}
	}

	if err := m.snapshots.UpsertPermission(ctx, &perms); err != nil {
		slog.Warn("Failed to persist permission snapshot",
			"user_id", userID, "repository_id", repoID, "error", err)
	}

	now := time.Now()
	info := &domain.SessionInfo{
		SessionID:      created.ID,
		UserID:         userID,
		RepositoryID:   repoID,
		BranchName:     branch,
		ContainerName:  created.Name,
		URL:            created.Route.URL,
		Status:         domain.SessionRunning,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	m.events.Publish(Event{Type: EventCreated, SessionID: created.ID, UserID: userID, Branch: branch})
	m.events.Publish(Event{Type: EventStarted, SessionID: created.ID, UserID: userID, Branch: branch, Message: info.URL})

	slog.Info("Session created",
		"session_id", created.ID,
		"user_id", userID,
		"repository_id", repoID,
		"branch", branch,
		"url", info.URL)
	return info, nil
}

// Recreate rebuilds a session from its persisted permission snapshot. It
// backs the recreate recovery strategy, where the original caller and its
// permission set are long gone.
func (m *Manager) Recreate(ctx context.Context, userID, repoID int64, branch string) error {
	perm, err := m.snapshots.GetPermission(ctx, userID, repoID)
	if err != nil {
		return apperr.Wrap(err, apperr.DatabaseError, "load permission snapshot")
	}
	if perm == nil {
		return apperr.Newf(apperr.NotFound, "no permission snapshot for user %d repo %d", userID, repoID)
	}
	_, err = m.Create(ctx, userID, repoID, branch, *perm)
	return err
}

// cleanupFailedSession tears down partial state after a failed create.
// Everything here is best-effort; the original error is what the caller
// sees.
func (m *Manager) cleanupFailedSession(ctx context.Context, userID, repoID int64, branch string) {
	if err := m.worktrees.RemoveWorktree(ctx, repoID, branch, userID); err != nil {
		slog.Warn("Failed session cleanup could not remove worktree",
			"user_id", userID, "repository_id", repoID, "branch", branch, "error", err)
	}
}

// Stop tears a session down: container removal is fatal on failure,
// worktree removal downgrades to a warning.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		return err
	}

	var target *container.Managed
	for i := range sessions {
		if sessions[i].ID == sessionID {
			target = &sessions[i]
			break
		}
	}
	if target == nil {
		return apperr.Newf(apperr.NotFound, "session %s not found", sessionID)
	}

	mu := m.lockFor(target.Name)
	mu.Lock()
	defer mu.Unlock()

	if err := m.runtime.RemoveContainer(ctx, sessionID); err != nil {
		m.recorder.RecordFailure("session:"+sessionID, err)
		return err
	}

	id := target.Identity
	if err := m.worktrees.RemoveWorktree(ctx, id.RepositoryID, id.Branch, id.UserID); err != nil {
		slog.Warn("Worktree removal failed during session stop",
			"session_id", sessionID, "error", err)
	}

	m.events.Publish(Event{Type: EventStopped, SessionID: sessionID, UserID: id.UserID, Branch: id.Branch})
	slog.Info("Session stopped", "session_id", sessionID, "user_id", id.UserID)
	return nil
}

// UserSessions lists the running sessions owned by a user.
func (m *Manager) UserSessions(ctx context.Context, userID int64) ([]*domain.SessionInfo, error) {
	running, err := m.runtime.RunningSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.SessionInfo, 0)
	for _, c := range running {
		if c.Identity.UserID == userID {
			id := c.Identity
			out = append(out, sessionInfo(c, m.sessionURL(id.UserID, id.RepositoryID, id.Branch)))
		}
	}
	return out, nil
}

// Status returns the state of one session.
func (m *Manager) Status(ctx context.Context, sessionID string) (*domain.SessionInfo, error) {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range sessions {
		if c.ID == sessionID {
			return sessionInfo(c, ""), nil
		}
	}
	return nil, apperr.Newf(apperr.NotFound, "session %s not found", sessionID)
}

// HealthReport is the per-session outcome of a health sweep.
type HealthReport struct {
	SessionID          string               `json:"session_id"`
	Healthy            bool                 `json:"healthy"`
	Usage              *container.Stats     `json:"resource_usage,omitempty"`
	SecurityCompliant  *bool                `json:"security_compliant,omitempty"`
	SecurityViolations []string             `json:"security_violations,omitempty"`
}

// PerformHealthChecks sweeps every managed container concurrently.
func (m *Manager) PerformHealthChecks(ctx context.Context) ([]HealthReport, error) {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]HealthReport, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckWorkers)

	for i, c := range sessions {
		i, c := i, c
		g.Go(func() error {
			report := HealthReport{SessionID: c.ID}

			healthy, err := m.runtime.HealthCheck(gctx, c.ID)
			if err != nil {
				slog.Warn("Health check failed", "session_id", c.ID, "error", err)
			}
			report.Healthy = healthy

			if healthy {
				if stats, err := m.runtime.ContainerStats(gctx, c.ID); err == nil {
					report.Usage = stats
				}
				if sec, err := m.runtime.MonitorContainerSecurity(gctx, c.ID); err == nil {
					report.SecurityCompliant = &sec.Compliant
					for _, v := range sec.Violations {
						report.SecurityViolations = append(report.SecurityViolations, string(v.Type))
					}
				}
			}

			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// CleanupInactiveSessions stops sessions idle for over an hour and prunes
// worktrees for every repository it touched. Per-session failures are
// aggregated, not fatal.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-inactivityCutoff)
	repos := make(map[int64]bool)
	stopped := 0
	var errs []string

	for _, c := range sessions {
		if strings.EqualFold(c.State, "exited") {
			continue
		}
		if c.LastAccessedAt.IsZero() || !c.LastAccessedAt.Before(cutoff) {
			continue
		}
		if err := m.Stop(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		}
		repos[c.Identity.RepositoryID] = true
		stopped++
	}

	for repoID := range repos {
		if err := m.worktrees.CleanupWorktrees(ctx, repoID); err != nil {
			slog.Warn("Worktree pruning failed", "repository_id", repoID, "error", err)
		}
	}

	if len(errs) > 0 {
		return stopped, apperr.Newf(apperr.InternalError,
			"inactive session cleanup had %d failures: %s", len(errs), strings.Join(errs, "; "))
	}
	return stopped, nil
}

// SessionAudit pairs a session identity with its audit outcome.
type SessionAudit struct {
	SessionID    string                 `json:"session_id"`
	UserID       int64                  `json:"user_id"`
	RepositoryID int64                  `json:"repository_id"`
	Branch       string                 `json:"branch"`
	Audit        *container.AuditReport `json:"audit"`
}

// PerformSecurityAudit audits every managed container.
func (m *Manager) PerformSecurityAudit(ctx context.Context) ([]SessionAudit, error) {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SessionAudit, 0, len(sessions))
	for _, c := range sessions {
		audit, err := m.runtime.PerformSecurityAudit(ctx, c.ID)
		if err != nil {
			slog.Warn("Container audit failed", "session_id", c.ID, "error", err)
			continue
		}
		out = append(out, SessionAudit{
			SessionID:    c.ID,
			UserID:       c.Identity.UserID,
			RepositoryID: c.Identity.RepositoryID,
			Branch:       c.Identity.Branch,
			Audit:        audit,
		})
	}
	return out, nil
}

// Shutdown stops every managed session sequentially, logging per-session
// failures.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions, err := m.runtime.Sessions(ctx)
	if err != nil {
		slog.Error("Shutdown could not list sessions", "error", err)
		return
	}
	for _, c := range sessions {
		if err := m.Stop(ctx, c.ID); err != nil {
			slog.Error("Shutdown failed to stop session", "session_id", c.ID, "error", err)
		}
	}
	slog.Info("Session manager shut down", "sessions", len(sessions))
}
