package security

import (
	"regexp"
	"strings"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

// dangerousPattern pairs a compiled regex with the severity assigned when a
// command matches it.
type dangerousPattern struct {
	re       *regexp.Regexp
	severity Severity
	label    string
}

var dangerousPatterns = []dangerousPattern{
	{regexp.MustCompile(`\.\./|\.\.\\`), SeverityHigh, "path traversal"},
	{regexp.MustCompile(`(^|[\s;|&>])(/proc/|/sys/|/dev/)`), SeverityHigh, "kernel filesystem access"},
	{regexp.MustCompile(`(^|[\s;|&])sudo(\s|$)`), SeverityCritical, "privilege escalation"},
	{regexp.MustCompile(`(^|[\s;|&])su(\s+-|\s*$)`), SeverityCritical, "privilege escalation"},
	{regexp.MustCompile(`\$\([^)]*\)`), SeverityHigh, "command substitution"},
	{regexp.MustCompile("`[^`]*`"), SeverityHigh, "command substitution"},
	{regexp.MustCompile(`\b(eval|exec|system)\s*[\s(]`), SeverityHigh, "dynamic execution"},
	{regexp.MustCompile(`(^|[\s;|&])(nc|ncat|netcat|telnet)(\s|$)`), SeverityCritical, "reverse shell tooling"},
	{regexp.MustCompile(`(^|[\s;|&])(ssh|scp|rsync)(\s|$)`), SeverityHigh, "remote copy tooling"},
	{regexp.MustCompile(`(^|[\s;|&])(curl|wget)\s.*(\s-o\s|\s-O(\s|$)|--output)`), SeverityHigh, "downloader with write flag"},
	{regexp.MustCompile(`(^|[\s;|&])(python3?|perl|ruby|node|php)\s+.*-[ce]\b`), SeverityHigh, "interpreter one-liner"},
	{regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-?rf?\s+/(\s|$)`), SeverityCritical, "recursive root delete"},
	{regexp.MustCompile(`dd\s+if=`), SeverityCritical, "raw device write"},
	{regexp.MustCompile(`(^|[\s;|&])mkfs(\.|\s|$)`), SeverityCritical, "filesystem format"},
}

// sensitivePathPrefixes are host locations a command must never reference.
var sensitivePathPrefixes = []string{
	"/etc/", "/proc/", "/sys/", "/dev/", "/root/", "/var/run/", "/run/",
}

// ValidateCommand checks a terminal command against the session's profile.
// The first rule to fail records a violation and rejects the command.
func (e *Engine) ValidateCommand(userID int64, sessionID string, profile *Profile, command string) error {
	trimmed := strings.TrimSpace(command)

	if !profile.Terminal.Enabled {
		e.record(Violation{
			Type:      ViolationTerminalAccessDenied,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "execute",
			Resource:  trimmed,
			Blocked:   true,
			Severity:  SeverityMedium,
		})
		return apperr.New(apperr.SecurityViolation, "Terminal access disabled")
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(trimmed) {
			e.record(Violation{
				Type:      ViolationDangerousCommand,
				UserID:    userID,
				SessionID: sessionID,
				Action:    "execute",
				Resource:  trimmed,
				Blocked:   true,
				Severity:  p.severity,
				Metadata:  map[string]any{"pattern": p.label},
			})
			return apperr.Newf(apperr.SecurityViolation, "command rejected: %s", p.label)
		}
	}

	lower := strings.ToLower(trimmed)
	for _, blocked := range profile.Terminal.BlockedCommands {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			e.record(Violation{
				Type:      ViolationBlockedCommand,
				UserID:    userID,
				SessionID: sessionID,
				Action:    "execute",
				Resource:  trimmed,
				Blocked:   true,
				Severity:  SeverityHigh,
				Metadata:  map[string]any{"blocked": blocked},
			})
			return apperr.Newf(apperr.SecurityViolation, "command contains blocked term %q", blocked)
		}
	}

	if len(profile.Terminal.AllowedCommands) > 0 {
		allowed := false
		for _, prefix := range profile.Terminal.AllowedCommands {
			if strings.HasPrefix(trimmed, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			e.record(Violation{
				Type:      ViolationCommandNotAllowed,
				UserID:    userID,
				SessionID: sessionID,
				Action:    "execute",
				Resource:  trimmed,
				Blocked:   true,
				Severity:  SeverityMedium,
			})
			return apperr.New(apperr.SecurityViolation, "command not on the allowed list")
		}
	}

	if strings.Contains(trimmed, "../") || strings.Contains(trimmed, `..\`) {
		e.record(Violation{
			Type:      ViolationPathTraversal,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "execute",
			Resource:  trimmed,
			Blocked:   true,
			Severity:  SeverityHigh,
		})
		return apperr.New(apperr.SecurityViolation, "command contains path traversal")
	}

	for _, prefix := range sensitivePathPrefixes {
		if strings.Contains(trimmed, prefix) {
			e.record(Violation{
				Type:      ViolationSensitivePathAccess,
				UserID:    userID,
				SessionID: sessionID,
				Action:    "execute",
				Resource:  trimmed,
				Blocked:   true,
				Severity:  SeverityHigh,
				Metadata:  map[string]any{"path": prefix},
			})
			return apperr.Newf(apperr.SecurityViolation, "command touches protected path %s", prefix)
		}
	}

	return nil
}
