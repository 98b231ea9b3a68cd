package security

import (
	"strings"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

// Mount is a host-path binding requested for a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// sensitiveFilePatterns match credentials and system account files that no
// session may ever touch, regardless of allowed paths.
var sensitiveFilePatterns = []string{
	".ssh/", ".aws/", ".docker/", ".kube/",
	"passwd", "shadow", "sudoers", "authorized_keys", "id_rsa",
	".pem", ".key", ".crt",
}

// ValidateMount checks that the mount target sits under an allowed path and
// forces it read-only when the target falls under a read-only prefix. The
// possibly adjusted mount is returned.
func (e *Engine) ValidateMount(userID int64, sessionID string, profile *Profile, m Mount) (Mount, error) {
	allowed := false
	for _, prefix := range profile.FileSystem.AllowedPaths {
		if strings.HasPrefix(m.Target, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		e.record(Violation{
			Type:      ViolationMountDenied,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "mount",
			Resource:  m.Target,
			Blocked:   true,
			Severity:  SeverityHigh,
			Metadata:  map[string]any{"source": m.Source},
		})
		return m, apperr.Newf(apperr.SecurityViolation, "mount target %s is outside allowed paths", m.Target)
	}

	for _, prefix := range profile.FileSystem.ReadOnlyPaths {
		if strings.HasPrefix(m.Target, prefix) {
			m.ReadOnly = true
			break
		}
	}
	return m, nil
}

// ValidateFileAccess checks a file operation against the profile: the path
// must sit under an allowed prefix, writes to read-only prefixes are denied,
// and sensitive credential files are denied outright.
func (e *Engine) ValidateFileAccess(userID int64, sessionID string, profile *Profile, path string, write bool) error {
	lower := strings.ToLower(path)
	for _, pattern := range sensitiveFilePatterns {
		if strings.Contains(lower, pattern) {
			e.record(Violation{
				Type:      ViolationFileAccessDenied,
				UserID:    userID,
				SessionID: sessionID,
				Action:    accessAction(write),
				Resource:  path,
				Blocked:   true,
				Severity:  SeverityCritical,
				Metadata:  map[string]any{"pattern": pattern},
			})
			return apperr.Newf(apperr.SecurityViolation, "access to sensitive file %s denied", path)
		}
	}

	allowed := false
	for _, prefix := range profile.FileSystem.AllowedPaths {
		if strings.HasPrefix(path, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		// Reads of read-only system paths are fine; everything else
		// outside the allow list is rejected.
		readOnly := false
		for _, prefix := range profile.FileSystem.ReadOnlyPaths {
			if strings.HasPrefix(path, prefix) {
				readOnly = true
				break
			}
		}
		if !readOnly || write {
			e.record(Violation{
				Type:      ViolationFileAccessDenied,
				UserID:    userID,
				SessionID: sessionID,
				Action:    accessAction(write),
				Resource:  path,
				Blocked:   true,
				Severity:  SeverityHigh,
			})
			return apperr.Newf(apperr.SecurityViolation, "path %s is not accessible", path)
		}
		return nil
	}

	if write {
		for _, prefix := range profile.FileSystem.ReadOnlyPaths {
			if strings.HasPrefix(path, prefix) {
				e.record(Violation{
					Type:      ViolationFileAccessDenied,
					UserID:    userID,
					SessionID: sessionID,
					Action:    "write",
					Resource:  path,
					Blocked:   true,
					Severity:  SeverityHigh,
				})
				return apperr.Newf(apperr.SecurityViolation, "path %s is read-only", path)
			}
		}
	}
	return nil
}

func accessAction(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
