package container

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
)

const (
	auditMemoryWarnPercent = 90.0
	auditCPUWarnPercent    = 90.0
	auditMaxAge            = 24 * time.Hour
	auditEgressWarnBytes   = 100 * 1024 * 1024
)

// SecurityReport is the outcome of a per-container security check.
type SecurityReport struct {
	Compliant  bool                 `json:"compliant"`
	Violations []security.Violation `json:"violations"`
	Usage      *Stats               `json:"resource_usage,omitempty"`
}

// RiskLevel grades an audit outcome.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditReport is the outcome of a full container audit.
type AuditReport struct {
	Compliant       bool      `json:"compliant"`
	Violations      []string  `json:"violations"`
	Recommendations []string  `json:"recommendations"`
	RiskLevel       RiskLevel `json:"risk_level"`
}

// MonitorContainerSecurity re-derives the container's security profile from
// its labels and the persisted permission snapshot, then audits its
// resource usage against it.
func (m *Manager) MonitorContainerSecurity(ctx context.Context, containerID string) (*SecurityReport, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.Newf(apperr.NotFound, "container %s not found", containerID)
		}
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "inspect container")
	}

	identity, err := ParseSessionLabels(inspect.Config.Labels)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ValidationFailed, "container is missing session labels")
	}

	perms, err := m.perms.GetPermission(ctx, identity.UserID, identity.RepositoryID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.DatabaseError, "load permission snapshot")
	}
	if perms == nil {
		return nil, apperr.Newf(apperr.NotFound,
			"no permission snapshot for user %d repo %d", identity.UserID, identity.RepositoryID)
	}

	profile := m.engine.Derive(identity.UserID, *perms, identity.RepositoryID)

	stats, err := m.ContainerStats(ctx, containerID)
	if err != nil {
		return nil, err
	}

	violations := m.engine.AuditResourceUsage(identity.UserID, containerID, profile, stats.usage())
	return &SecurityReport{
		Compliant:  len(violations) == 0,
		Violations: violations,
		Usage:      stats,
	}, nil
}

// PerformSecurityAudit runs the label, state, resource, age, and egress
// checks for one container and grades the overall risk.
func (m *Manager) PerformSecurityAudit(ctx context.Context, containerID string) (*AuditReport, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.Newf(apperr.NotFound, "container %s not found", containerID)
		}
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "inspect container")
	}

	report := &AuditReport{Compliant: true, RiskLevel: RiskLow}

	labels := inspect.Config.Labels
	if missing := MissingLabels(labels); len(missing) > 0 {
		report.Compliant = false
		report.RiskLevel = RiskCritical
		for _, key := range missing {
			report.Violations = append(report.Violations, fmt.Sprintf("required label %s is missing", key))
		}
	}

	running := inspect.State != nil && inspect.State.Running
	if !running {
		report.Compliant = false
		report.Violations = append(report.Violations, "container is not running")
		report.RiskLevel = maxRisk(report.RiskLevel, RiskHigh)
	}

	if running {
		stats, err := m.ContainerStats(ctx, containerID)
		if err != nil {
			report.Recommendations = append(report.Recommendations, "stats unavailable, re-run the audit")
		} else {
			if stats.MemoryLimit > 0 {
				memPct := 100 * float64(stats.MemoryBytes) / float64(stats.MemoryLimit)
				if memPct > auditMemoryWarnPercent {
					report.Violations = append(report.Violations,
						fmt.Sprintf("memory at %.1f%% of limit", memPct))
					report.Compliant = false
					report.RiskLevel = maxRisk(report.RiskLevel, RiskMedium)
				}
			}
			if stats.CPUPercent > auditCPUWarnPercent {
				report.Violations = append(report.Violations,
					fmt.Sprintf("cpu at %.1f%%", stats.CPUPercent))
				report.Compliant = false
				report.RiskLevel = maxRisk(report.RiskLevel, RiskMedium)
			}
			if stats.NetworkTxBytes+stats.NetworkRxBytes > auditEgressWarnBytes {
				report.Recommendations = append(report.Recommendations,
					"network traffic exceeds 100 MiB, review session activity")
			}
		}
	}

	if created := labelCreatedAt(labels); !created.IsZero() && time.Since(created) > auditMaxAge {
		report.Recommendations = append(report.Recommendations,
			"container is older than 24h, consider recycling it")
	}

	return report, nil
}

// maxRisk returns the more severe of two risk levels.
func maxRisk(a, b RiskLevel) RiskLevel {
	order := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}
	if order[b] > order[a] {
		return b
	}
	return a
}

// PermissionFor resolves the persisted permission snapshot for a session
// identity.
func (m *Manager) PermissionFor(ctx context.Context, identity SessionIdentity) (*domain.Permission, error) {
	return m.perms.GetPermission(ctx, identity.UserID, identity.RepositoryID)
}
