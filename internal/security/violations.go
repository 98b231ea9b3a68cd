package security

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

// Severity grades how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ViolationType identifies the policy a violation breached.
type ViolationType string

const (
	ViolationDangerousCommand     ViolationType = "DANGEROUS_COMMAND"
	ViolationBlockedCommand       ViolationType = "BLOCKED_COMMAND"
	ViolationCommandNotAllowed    ViolationType = "COMMAND_NOT_WHITELISTED"
	ViolationPathTraversal        ViolationType = "PATH_TRAVERSAL"
	ViolationSensitivePathAccess  ViolationType = "SENSITIVE_PATH_ACCESS"
	ViolationTerminalAccessDenied ViolationType = "TERMINAL_ACCESS_DENIED"
	ViolationMountDenied          ViolationType = "MOUNT_DENIED"
	ViolationFileAccessDenied     ViolationType = "FILE_ACCESS_DENIED"
	ViolationNetworkAccessDenied  ViolationType = "NETWORK_ACCESS_DENIED"
	ViolationResourceLimit        ViolationType = "RESOURCE_LIMIT"
	ViolationEscapeAttempt        ViolationType = "ESCAPE_ATTEMPT"
)

// Violation is a recorded security policy decision.
type Violation struct {
	ID        string         `json:"id"`
	Type      ViolationType  `json:"type"`
	UserID    int64          `json:"user_id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Blocked   bool           `json:"blocked"`
	Severity  Severity       `json:"severity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EscalationFunc observes a user crossing the violation threshold. The core
// records and reports; enforcement lives outside.
type EscalationFunc func(userID int64, count int)

// EngineConfig tunes the security engine.
type EngineConfig struct {
	Limits               Limits
	MaxViolationsPerUser int
	OnEscalation         EscalationFunc
}

// Engine owns the violation log and runs all policy validations.
type Engine struct {
	mu         sync.RWMutex
	violations []Violation
	perUser    map[int64]int

	limits       Limits
	maxPerUser   int
	onEscalation EscalationFunc

	now func() time.Time
}

// NewEngine creates a security engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxViolationsPerUser <= 0 {
		cfg.MaxViolationsPerUser = 10
	}
	return &Engine{
		perUser:      make(map[int64]int),
		limits:       cfg.Limits,
		maxPerUser:   cfg.MaxViolationsPerUser,
		onEscalation: cfg.OnEscalation,
		now:          time.Now,
	}
}

// Derive computes the profile for a session using the engine's configured
// resource ceilings.
func (e *Engine) Derive(userID int64, perms domain.Permission, repoID int64) *Profile {
	return DeriveProfile(userID, perms, repoID, e.limits)
}

// record appends a violation with a unique id and bumps the per-user
// counter, escalating when the user crosses the threshold.
func (e *Engine) record(v Violation) Violation {
	v.ID = uuid.NewString()
	v.Timestamp = e.now()

	e.mu.Lock()
	e.violations = append(e.violations, v)
	e.perUser[v.UserID]++
	count := e.perUser[v.UserID]
	e.mu.Unlock()

	slog.Warn("Security violation recorded",
		"violation_id", v.ID,
		"type", string(v.Type),
		"user_id", v.UserID,
		"session_id", v.SessionID,
		"severity", string(v.Severity),
		"blocked", v.Blocked,
		"resource", v.Resource)

	if count == e.maxPerUser && e.onEscalation != nil {
		e.onEscalation(v.UserID, count)
	}
	return v
}

// Violations returns a snapshot of the violation log.
func (e *Engine) Violations() []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Violation, len(e.violations))
	copy(out, e.violations)
	return out
}

// UserViolationCount returns how many violations a user has accumulated.
func (e *Engine) UserViolationCount(userID int64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.perUser[userID]
}

// ClearOldViolations drops entries older than the given number of days and
// returns how many were removed. Pruning holds the write lock; per-user
// counters are left intact so escalation history survives pruning.
func (e *Engine) ClearOldViolations(days int) int {
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.violations[:0]
	removed := 0
	for _, v := range e.violations {
		if v.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	e.violations = kept
	return removed
}
