package security

import (
	"strconv"
	"strings"

	units "github.com/docker/go-units"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

// ResourceUsage is an observed resource sample for a running container.
type ResourceUsage struct {
	MemoryBytes    int64
	CPUPercent     float64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// escapeTokens in a session's activity log indicate an attempt to break out
// of the container.
var escapeTokens = []string{
	"proc/self/root",
	"docker.sock",
	"runc",
	"cgroup",
	"namespace",
	"capabilities",
	"seccomp",
	"apparmor",
	"selinux",
}

// AuditResourceUsage checks an observed sample against the profile's limits
// and records a violation for each breach. The returned violations are
// empty when the session is compliant.
func (e *Engine) AuditResourceUsage(userID int64, sessionID string, profile *Profile, usage ResourceUsage) []Violation {
	var out []Violation

	memLimit, err := units.RAMInBytes(profile.Resources.MemoryLimit)
	if err == nil && usage.MemoryBytes > memLimit {
		out = append(out, e.record(Violation{
			Type:      ViolationResourceLimit,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "memory",
			Resource:  profile.Resources.MemoryLimit,
			Blocked:   false,
			Severity:  SeverityMedium,
			Metadata:  map[string]any{"observed_bytes": usage.MemoryBytes, "limit_bytes": memLimit},
		}))
	}

	if maxCPU := 100 * profile.Resources.CPULimit; usage.CPUPercent > maxCPU {
		out = append(out, e.record(Violation{
			Type:      ViolationResourceLimit,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "cpu",
			Resource:  strconv.FormatFloat(profile.Resources.CPULimit, 'f', -1, 64),
			Blocked:   false,
			Severity:  SeverityMedium,
			Metadata:  map[string]any{"observed_percent": usage.CPUPercent, "limit_percent": maxCPU},
		}))
	}

	return out
}

// DetectEscapeAttempt scans session activity for container-escape tokens.
// A hit records a critical violation and returns an error carrying the
// terminate signal for the session.
func (e *Engine) DetectEscapeAttempt(userID int64, sessionID string, activity []string) error {
	for _, line := range activity {
		lower := strings.ToLower(line)
		for _, token := range escapeTokens {
			if strings.Contains(lower, token) {
				e.record(Violation{
					Type:      ViolationEscapeAttempt,
					UserID:    userID,
					SessionID: sessionID,
					Action:    "escape",
					Resource:  line,
					Blocked:   true,
					Severity:  SeverityCritical,
					Metadata:  map[string]any{"token": token},
				})
				return apperr.Newf(apperr.SecurityViolation, "container escape attempt detected (%s)", token).
					WithMeta("terminate", true).
					WithMeta("session_id", sessionID)
			}
		}
	}
	return nil
}
