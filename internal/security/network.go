package security

import (
	"log/slog"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

// suspiciousPorts are logged when contacted but not blocked: they indicate
// scanning or lateral movement worth auditing.
var suspiciousPorts = map[int]bool{
	22: true, 23: true, 25: true, 53: true,
	135: true, 139: true, 445: true,
	993: true, 995: true,
	1433: true, 3306: true, 3389: true, 5432: true, 6379: true, 27017: true,
}

// ValidateNetworkAccess checks an outbound connection attempt against the
// profile. With internet disabled only loopback hosts pass; otherwise
// blocked ports are denied and suspicious ports are logged but allowed.
func (e *Engine) ValidateNetworkAccess(userID int64, sessionID string, profile *Profile, host string, port int) error {
	if !profile.Network.EnableInternet {
		for _, allowed := range profile.Network.AllowedHosts {
			if host == allowed {
				return nil
			}
		}
		e.record(Violation{
			Type:      ViolationNetworkAccessDenied,
			UserID:    userID,
			SessionID: sessionID,
			Action:    "connect",
			Resource:  host,
			Blocked:   true,
			Severity:  SeverityHigh,
			Metadata:  map[string]any{"port": port},
		})
		return apperr.Newf(apperr.SecurityViolation, "network access to %s denied", host)
	}

	for _, blocked := range profile.Network.BlockedPorts {
		if port == blocked {
			e.record(Violation{
				Type:      ViolationNetworkAccessDenied,
				UserID:    userID,
				SessionID: sessionID,
				Action:    "connect",
				Resource:  host,
				Blocked:   true,
				Severity:  SeverityMedium,
				Metadata:  map[string]any{"port": port},
			})
			return apperr.Newf(apperr.SecurityViolation, "port %d is blocked", port)
		}
	}

	if suspiciousPorts[port] {
		slog.Warn("Connection to suspicious port permitted",
			"user_id", userID,
			"session_id", sessionID,
			"host", host,
			"port", port)
	}
	return nil
}
