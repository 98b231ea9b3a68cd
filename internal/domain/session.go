package domain

import "time"

// SessionStatus is the lifecycle state of an IDE session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// SessionInfo describes a live IDE session. The session ID is the backing
// container's ID; at most one running session exists per
// (user, repository, branch) triple.
type SessionInfo struct {
	SessionID      string        `json:"session_id"`
	UserID         int64         `json:"user_id"`
	RepositoryID   int64         `json:"repository_id"`
	BranchName     string        `json:"branch_name"`
	ContainerName  string        `json:"container_name"`
	URL            string        `json:"url"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
}

// IdleFor returns how long the session has been idle relative to now.
func (s *SessionInfo) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccessedAt)
}
