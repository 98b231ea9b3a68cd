package security

import (
	"errors"
	"testing"
	"time"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

func testLimits() Limits {
	return Limits{MemoryLimit: "2g", CPULimit: 1.0, DiskQuota: "5g"}
}

func testPerms(terminal bool) domain.Permission {
	return domain.Permission{
		UserID:              1,
		RepositoryID:        1,
		CanCreateBranches:   true,
		BranchLimit:         5,
		AllowedBaseBranches: []string{"main", "develop"},
		AllowTerminalAccess: terminal,
	}
}

func TestDeriveProfileIsDeterministic(t *testing.T) {
	a := DeriveProfile(1, testPerms(true), 2, testLimits())
	b := DeriveProfile(1, testPerms(true), 2, testLimits())

	if a.UserID != b.UserID || a.RepositoryID != b.RepositoryID {
		t.Error("profile identity differs between derivations")
	}
	if len(a.Network.BlockedPorts) != len(b.Network.BlockedPorts) {
		t.Error("blocked ports differ between derivations")
	}
	if a.Terminal.TimeoutSeconds != 3600 {
		t.Errorf("unexpected shell timeout %d", a.Terminal.TimeoutSeconds)
	}
}

func TestDeriveProfileDefaults(t *testing.T) {
	p := DeriveProfile(1, testPerms(true), 2, testLimits())

	if p.Network.EnableInternet {
		t.Error("internet must be disabled by default")
	}
	if len(p.Hardening.CapDrop) != 1 || p.Hardening.CapDrop[0] != "ALL" {
		t.Errorf("expected cap-drop ALL, got %v", p.Hardening.CapDrop)
	}
	if len(p.Hardening.CapAdd) != 0 {
		t.Errorf("expected no added capabilities, got %v", p.Hardening.CapAdd)
	}
	if !p.Hardening.ReadOnlyRootfs {
		t.Error("rootfs must be read-only")
	}
	if _, ok := p.Hardening.Tmpfs["/tmp"]; !ok {
		t.Error("expected /tmp tmpfs")
	}
	if p.FileSystem.MaxFileSizeBytes != 100*1024*1024 {
		t.Errorf("unexpected max file size %d", p.FileSystem.MaxFileSizeBytes)
	}
	if p.Hardening.RunAsUser != "coder:coder" {
		t.Errorf("unexpected container user %q", p.Hardening.RunAsUser)
	}
}

func TestTerminalDisabledEmptiesWhitelist(t *testing.T) {
	p := DeriveProfile(1, testPerms(false), 2, testLimits())
	if p.Terminal.Enabled {
		t.Error("terminal should be disabled")
	}
	if len(p.Terminal.AllowedCommands) != 0 {
		t.Errorf("expected empty allowed commands, got %v", p.Terminal.AllowedCommands)
	}
}

func TestValidateCommandTerminalDisabled(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(false), 1)

	err := e.ValidateCommand(1, "sess", p, "ls")
	if err == nil {
		t.Fatal("expected rejection")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Message != "Terminal access disabled" {
		t.Errorf("unexpected error %v", err)
	}

	violations := e.Violations()
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].Type != ViolationTerminalAccessDenied {
		t.Errorf("unexpected type %s", violations[0].Type)
	}
}

func TestValidateCommandDangerousPatterns(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	rejected := []string{
		"cat ../../etc/passwd",
		"cat /proc/self/environ",
		"ls /sys/kernel",
		"echo test > /dev/sda",
		"sudo whoami",
		"su - root",
		"echo $(whoami)",
		"echo `id`",
		"eval (dangerous)",
		"nc -l 4444",
		"telnet host 23",
		"ssh user@host",
		"scp file user@host:",
		"rsync -a . host:",
		"curl http://x -o /tmp/payload",
		"wget http://x -O /tmp/payload",
		"python -c 'import os'",
		"perl -e 'print 1'",
		"rm -rf /",
		"dd if=/dev/zero",
		"mkfs.ext4 /dev/sda1",
	}
	for _, cmd := range rejected {
		if err := e.ValidateCommand(1, "sess", p, cmd); err == nil {
			t.Errorf("expected %q to be rejected", cmd)
		}
	}
}

func TestValidateCommandBlockedSubstrings(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	for _, cmd := range []string{"docker ps", "KUBECTL get pods", "systemctl restart x", "iptables -L", "chmod 777 file"} {
		if err := e.ValidateCommand(1, "sess", p, cmd); err == nil {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}

func TestValidateCommandWhitelist(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)
	p.Terminal.AllowedCommands = []string{"git ", "ls"}

	if err := e.ValidateCommand(1, "sess", p, "git status"); err != nil {
		t.Errorf("expected git status to pass, got %v", err)
	}
	if err := e.ValidateCommand(1, "sess", p, "make build"); err == nil {
		t.Error("expected non-whitelisted command to be rejected")
	}
}

func TestValidateMount(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	if _, err := e.ValidateMount(1, "sess", p, Mount{Source: "/host", Target: "/opt/other"}); err == nil {
		t.Error("expected mount outside allowed paths to be rejected")
	}
	m, err := e.ValidateMount(1, "sess", p, Mount{Source: "/srv/ext", Target: WorkspacePath + "/data"})
	if err != nil {
		t.Fatalf("expected workspace mount to pass, got %v", err)
	}
	if m.ReadOnly {
		t.Error("workspace mount should stay writable")
	}
}

func TestValidateFileAccess(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	if err := e.ValidateFileAccess(1, "sess", p, WorkspacePath+"/main.go", true); err != nil {
		t.Errorf("workspace write should pass, got %v", err)
	}
	if err := e.ValidateFileAccess(1, "sess", p, "/etc/hosts", true); err == nil {
		t.Error("write to read-only path should be rejected")
	}
	if err := e.ValidateFileAccess(1, "sess", p, "/opt/random", false); err == nil {
		t.Error("read outside allowed paths should be rejected")
	}
	for _, path := range []string{
		"/home/coder/.ssh/id_rsa",
		"/tmp/.aws/credentials",
		"/tmp/server.pem",
		"/tmp/authorized_keys",
	} {
		if err := e.ValidateFileAccess(1, "sess", p, path, false); err == nil {
			t.Errorf("expected sensitive file %q to be rejected", path)
		}
	}
}

func TestValidateNetworkAccess(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	if err := e.ValidateNetworkAccess(1, "sess", p, "localhost", 8080); err != nil {
		t.Errorf("loopback should pass, got %v", err)
	}
	if err := e.ValidateNetworkAccess(1, "sess", p, "example.com", 8080); err == nil {
		t.Error("non-loopback with internet disabled should be rejected")
	}

	p.Network.EnableInternet = true
	if err := e.ValidateNetworkAccess(1, "sess", p, "example.com", 443); err == nil {
		t.Error("blocked port should be rejected even with internet on")
	}
	if err := e.ValidateNetworkAccess(1, "sess", p, "example.com", 8443); err != nil {
		t.Errorf("unblocked port should pass, got %v", err)
	}
	// Suspicious but unblocked ports are logged, not blocked.
	if err := e.ValidateNetworkAccess(1, "sess", p, "example.com", 3389); err != nil {
		t.Errorf("suspicious port should pass, got %v", err)
	}
}

func TestAuditResourceUsage(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(true), 1)

	if v := e.AuditResourceUsage(1, "sess", p, ResourceUsage{MemoryBytes: 1 << 30, CPUPercent: 50}); len(v) != 0 {
		t.Errorf("compliant usage produced violations: %v", v)
	}
	v := e.AuditResourceUsage(1, "sess", p, ResourceUsage{MemoryBytes: 3 << 30, CPUPercent: 150})
	if len(v) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(v))
	}
	for _, violation := range v {
		if violation.Type != ViolationResourceLimit || violation.Severity != SeverityMedium {
			t.Errorf("unexpected violation %+v", violation)
		}
	}
}

func TestDetectEscapeAttempt(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})

	if err := e.DetectEscapeAttempt(1, "sess", []string{"git status", "ls -la"}); err != nil {
		t.Errorf("benign activity flagged: %v", err)
	}

	for _, line := range []string{
		"cat /proc/self/root/etc/passwd",
		"curl --unix-socket /var/run/docker.sock http://x",
		"runc exec",
		"cat /sys/fs/cgroup/memory",
	} {
		err := e.DetectEscapeAttempt(1, "sess", []string{line})
		if err == nil {
			t.Errorf("expected %q to be flagged", line)
			continue
		}
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Metadata["terminate"] != true {
			t.Errorf("expected terminate signal for %q, got %v", line, err)
		}
	}
}

func TestEscalationFiresAtThreshold(t *testing.T) {
	var escalatedUser int64
	var escalatedCount int
	e := NewEngine(EngineConfig{
		Limits:               testLimits(),
		MaxViolationsPerUser: 3,
		OnEscalation: func(userID int64, count int) {
			escalatedUser = userID
			escalatedCount = count
		},
	})
	p := e.Derive(7, testPerms(false), 1)

	for i := 0; i < 3; i++ {
		_ = e.ValidateCommand(7, "sess", p, "ls")
	}
	if escalatedUser != 7 || escalatedCount != 3 {
		t.Errorf("expected escalation for user 7 at 3, got user %d count %d", escalatedUser, escalatedCount)
	}
}

func TestClearOldViolations(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(false), 1)

	base := time.Now()
	e.now = func() time.Time { return base.Add(-10 * 24 * time.Hour) }
	_ = e.ValidateCommand(1, "old", p, "ls")
	_ = e.ValidateCommand(1, "old", p, "ls")

	e.now = func() time.Time { return base }
	_ = e.ValidateCommand(1, "new", p, "ls")

	removed := e.ClearOldViolations(7)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	remaining := e.Violations()
	if len(remaining) != 1 || remaining[0].SessionID != "new" {
		t.Errorf("unexpected remaining violations: %+v", remaining)
	}
}

func TestViolationIDsAreUnique(t *testing.T) {
	e := NewEngine(EngineConfig{Limits: testLimits()})
	p := e.Derive(1, testPerms(false), 1)

	for i := 0; i < 10; i++ {
		_ = e.ValidateCommand(1, "sess", p, "ls")
	}
	seen := make(map[string]bool)
	for _, v := range e.Violations() {
		if seen[v.ID] {
			t.Fatalf("duplicate violation id %s", v.ID)
		}
		seen[v.ID] = true
	}
}
