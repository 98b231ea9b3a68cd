// Package recovery turns lifecycle failures into bounded, prioritized
// repair actions: restart, recreate, cleanup, failover, or manual.
package recovery

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/container"
)

const (
	processInterval = 30 * time.Second
	maxConcurrent   = 3

	// Failures at or above these priorities are acted on immediately
	// instead of waiting for the next processor tick.
	containerImmediatePriority = 7
	sessionImmediatePriority   = 8
)

// Strategy names a repair approach.
type Strategy string

const (
	StrategyRestart  Strategy = "restart"
	StrategyRecreate Strategy = "recreate"
	StrategyFailover Strategy = "failover"
	StrategyCleanup  Strategy = "cleanup"
	StrategyManual   Strategy = "manual"
)

// Status is the lifecycle state of a recovery action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Action is one queued repair attempt against a container or session.
type Action struct {
	ID          string     `json:"id"`
	Strategy    Strategy   `json:"strategy"`
	Target      string     `json:"target"`
	Reason      string     `json:"reason"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	delay     time.Duration
	notBefore time.Time
}

// Rule maps error kinds to a strategy with a retry budget.
type Rule struct {
	Priority    int
	Kinds       []apperr.Kind
	Strategy    Strategy
	MaxAttempts int
	Delay       time.Duration
	Enabled     bool
}

func (r Rule) matches(kind apperr.Kind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultRules is the built-in rule table, highest priority first.
func DefaultRules() []Rule {
	return []Rule{
		{Priority: 10, Kinds: []apperr.Kind{apperr.SecurityViolation}, Strategy: StrategyManual, MaxAttempts: 1, Delay: 0, Enabled: true},
		{Priority: 9, Kinds: []apperr.Kind{apperr.DockerConnectionFailed}, Strategy: StrategyCleanup, MaxAttempts: 1, Delay: time.Second, Enabled: true},
		{Priority: 8, Kinds: []apperr.Kind{apperr.ContainerCreationFailed}, Strategy: StrategyRecreate, MaxAttempts: 3, Delay: 5 * time.Second, Enabled: true},
		{Priority: 8, Kinds: []apperr.Kind{apperr.SystemOverloaded}, Strategy: StrategyCleanup, MaxAttempts: 1, Delay: 5 * time.Second, Enabled: true},
		{Priority: 7, Kinds: []apperr.Kind{apperr.ContainerStartFailed}, Strategy: StrategyRestart, MaxAttempts: 2, Delay: 3 * time.Second, Enabled: true},
		{Priority: 6, Kinds: []apperr.Kind{apperr.ResourceLimitExceeded}, Strategy: StrategyCleanup, MaxAttempts: 1, Delay: 2 * time.Second, Enabled: true},
		{Priority: 5, Kinds: []apperr.Kind{apperr.GitCloneFailed, apperr.GitWorktreeCreationFailed, apperr.GitOperationFailed}, Strategy: StrategyRecreate, MaxAttempts: 2, Delay: 3 * time.Second, Enabled: true},
	}
}

// Runtime is the container surface recovery strategies act on.
type Runtime interface {
	RestartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	Sessions(ctx context.Context) ([]container.Managed, error)
}

// Sessions rebuilds sessions from persisted metadata.
type Sessions interface {
	Recreate(ctx context.Context, userID, repositoryID int64, branch string) error
}

// Worktrees prunes worktree state during cleanup.
type Worktrees interface {
	CleanupWorktrees(ctx context.Context, repositoryID int64) error
}

// Service owns the recovery action map and the processor loop. One action
// per target may be open at a time; at most three actions execute
// concurrently.
type Service struct {
	runtime   Runtime
	sessions  Sessions
	worktrees Worktrees
	rules     []Rule
	now       func() time.Time

	mu      sync.Mutex
	actions map[string]*Action

	sem chan struct{}
}

// NewService creates a recovery service with the default rule table.
func NewService(runtime Runtime, sessions Sessions, worktrees Worktrees) *Service {
	rules := DefaultRules()
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Service{
		runtime:   runtime,
		sessions:  sessions,
		worktrees: worktrees,
		rules:     rules,
		now:       time.Now,
		actions:   make(map[string]*Action),
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// HandleFailure is the monitoring fan-out entry point. Targets arrive
// prefixed with "container:" or "session:".
func (s *Service) HandleFailure(target string, err error) {
	switch {
	case strings.HasPrefix(target, "container:"):
		s.HandleContainerFailure(strings.TrimPrefix(target, "container:"), err)
	case strings.HasPrefix(target, "session:"):
		s.HandleSessionFailure(strings.TrimPrefix(target, "session:"), err)
	}
}

// HandleContainerFailure opens a recovery action for a failed container.
func (s *Service) HandleContainerFailure(containerID string, cause error) *Action {
	return s.handle(containerID, cause, containerImmediatePriority)
}

// HandleSessionFailure opens a recovery action for a failed session.
func (s *Service) HandleSessionFailure(name string, cause error) *Action {
	return s.handle(name, cause, sessionImmediatePriority)
}

func (s *Service) handle(target string, cause error, immediateAt int) *Action {
	kind := apperr.KindOf(cause)
	rule, ok := s.matchRule(kind)
	if !ok {
		slog.Debug("No recovery rule for failure", "target", target, "kind", kind)
		return nil
	}

	s.mu.Lock()
	if existing, ok := s.actions[target]; ok &&
		(existing.Status == StatusPending || existing.Status == StatusInProgress) {
		s.mu.Unlock()
		return existing
	}

	action := &Action{
		ID:          uuid.NewString(),
		Strategy:    rule.Strategy,
		Target:      target,
		Reason:      cause.Error(),
		Status:      StatusPending,
		Priority:    rule.Priority,
		MaxAttempts: rule.MaxAttempts,
		CreatedAt:   s.now(),
		delay:       rule.Delay,
	}
	s.actions[target] = action
	s.mu.Unlock()

	slog.Info("Recovery action opened",
		"action_id", action.ID,
		"target", target,
		"strategy", action.Strategy,
		"priority", action.Priority,
		"kind", kind)

	if rule.Priority >= immediateAt && rule.Strategy != StrategyManual {
		go s.execute(context.Background(), action)
	}
	return action
}

func (s *Service) matchRule(kind apperr.Kind) (Rule, bool) {
	for _, rule := range s.rules {
		if rule.Enabled && rule.matches(kind) {
			return rule, true
		}
	}
	return Rule{}, false
}

// execute runs one attempt of an action, respecting the concurrency cap
// and the attempt budget. Manual actions are never executed.
func (s *Service) execute(ctx context.Context, action *Action) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.mu.Lock()
	if action.Status != StatusPending || action.Strategy == StrategyManual {
		s.mu.Unlock()
		return
	}
	action.Status = StatusInProgress
	action.Attempts++
	attempt := action.Attempts
	s.mu.Unlock()

	err := s.runStrategy(ctx, action)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		now := s.now()
		action.Status = StatusCompleted
		action.CompletedAt = &now
		slog.Info("Recovery action completed",
			"action_id", action.ID, "target", action.Target, "strategy", action.Strategy, "attempts", attempt)
		return
	}

	if attempt >= action.MaxAttempts {
		action.Status = StatusFailed
		slog.Error("Recovery action exhausted",
			"action_id", action.ID, "target", action.Target, "strategy", action.Strategy,
			"attempts", attempt, "error", err)
		return
	}

	action.Status = StatusPending
	action.notBefore = s.now().Add(action.delay)
	slog.Warn("Recovery attempt failed, will retry",
		"action_id", action.ID, "target", action.Target, "attempt", attempt, "error", err)
}

func (s *Service) runStrategy(ctx context.Context, action *Action) error {
	switch action.Strategy {
	case StrategyRestart:
		return s.runtime.RestartContainer(ctx, action.Target)
	case StrategyRecreate:
		id, err := s.resolveIdentity(ctx, action.Target)
		if err != nil {
			return err
		}
		return s.sessions.Recreate(ctx, id.UserID, id.RepositoryID, id.Branch)
	case StrategyCleanup:
		if err := s.runtime.RemoveContainer(ctx, action.Target); err != nil {
			return err
		}
		if id, err := s.resolveIdentity(ctx, action.Target); err == nil {
			if err := s.worktrees.CleanupWorktrees(ctx, id.RepositoryID); err != nil {
				slog.Warn("Worktree pruning failed during cleanup recovery",
					"target", action.Target, "error", err)
			}
		}
		return nil
	case StrategyFailover:
		// Single-node deployment: there is no backup target to fail over
		// to, so this records the intent and completes.
		slog.Info("Failover requested on single-node deployment, no-op",
			"target", action.Target)
		return nil
	default:
		return apperr.Newf(apperr.InternalError, "unknown recovery strategy %q", action.Strategy)
	}
}

// resolveIdentity finds the session tuple for a target, preferring live
// container labels over name parsing.
func (s *Service) resolveIdentity(ctx context.Context, target string) (container.SessionIdentity, error) {
	if sessions, err := s.runtime.Sessions(ctx); err == nil {
		for _, c := range sessions {
			if c.ID == target || c.Name == target {
				return c.Identity, nil
			}
		}
	}
	return container.ParseContainerName(target)
}

// ProcessPending executes every due pending action, bounded by the
// concurrency cap, and returns how many were started.
func (s *Service) ProcessPending(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Action
	for _, action := range s.actions {
		if action.Status != StatusPending || action.Strategy == StrategyManual {
			continue
		}
		if action.notBefore.After(now) {
			continue
		}
		due = append(due, action)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Priority > due[j].Priority })

	var wg sync.WaitGroup
	for _, action := range due {
		wg.Add(1)
		go func(a *Action) {
			defer wg.Done()
			s.execute(ctx, a)
		}(action)
	}
	wg.Wait()
	return len(due)
}

// Run drives the processor loop until the context ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()

	slog.Info("Recovery processor started", "interval", processInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Recovery processor stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// Actions returns a snapshot of all actions, newest first.
func (s *Service) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Action, 0, len(s.actions))
	for _, action := range s.actions {
		out = append(out, *action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CompleteManual marks a manual action resolved by an operator.
func (s *Service) CompleteManual(actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, action := range s.actions {
		if action.ID != actionID {
			continue
		}
		if action.Strategy != StrategyManual {
			return apperr.Newf(apperr.ValidationFailed, "action %s is not manual", actionID)
		}
		now := s.now()
		action.Status = StatusCompleted
		action.CompletedAt = &now
		return nil
	}
	return apperr.Newf(apperr.NotFound, "recovery action %s not found", actionID)
}
