// Package security derives per-session security profiles and validates
// commands, file access, network targets, and mounts against them.
package security

import (
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
)

// Workspace paths inside the IDE container.
const (
	WorkspacePath  = "/home/coder/workspace"
	ExtensionsPath = "/home/coder/.local/share/code-server/extensions"
)

const (
	defaultMaxFileSize    = 100 * 1024 * 1024 // 100 MiB
	defaultShellTimeout   = 3600              // seconds
	defaultCacheTmpfsSize = "200m"
)

// Profile is the full, deterministic set of restrictions applied to a
// session. It is never persisted; equal inputs always derive equal profiles.
type Profile struct {
	UserID       int64
	RepositoryID int64
	Network      NetworkRestrictions
	FileSystem   FileSystemRestrictions
	Resources    ResourceLimits
	Terminal     TerminalRestrictions
	Hardening    Hardening
}

// NetworkRestrictions limits where a session may connect.
type NetworkRestrictions struct {
	AllowedHosts   []string
	BlockedPorts   []int
	EnableInternet bool
	DNS            []string
}

// FileSystemRestrictions limits what a session may read and write.
type FileSystemRestrictions struct {
	AllowedPaths     []string
	ReadOnlyPaths    []string
	MaxFileSizeBytes int64
}

// ResourceLimits caps a session's resource consumption.
type ResourceLimits struct {
	MemoryLimit string
	CPULimit    float64
	DiskQuota   string
}

// TerminalRestrictions controls shell access inside the container.
type TerminalRestrictions struct {
	Enabled         bool
	AllowedCommands []string
	BlockedCommands []string
	TimeoutSeconds  int
}

// Ulimit is a container resource limit entry.
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// Hardening holds the capability and kernel-level settings applied to the
// container runtime.
type Hardening struct {
	SecurityOpt    []string
	CapDrop        []string
	CapAdd         []string
	ReadOnlyRootfs bool
	Tmpfs          map[string]string
	Ulimits        []Ulimit
	RunAsUser      string
}

// Limits are the configured ceilings merged into every derived profile.
type Limits struct {
	MemoryLimit string
	CPULimit    float64
	DiskQuota   string
}

// blockedCommands are always denied regardless of permissions.
var blockedCommands = []string{
	"docker", "kubectl", "systemctl", "service",
	"mount", "umount", "fdisk", "mkfs",
	"iptables", "netstat", "ss", "lsof",
	"ps aux", "kill -9", "killall",
	"chmod 777", "chown root",
	"sudo su", "su -", "rm -rf /", "dd if=",
}

// DeriveProfile computes the security profile for a session as a pure
// function of the user, their permissions, and the repository.
func DeriveProfile(userID int64, perms domain.Permission, repoID int64, limits Limits) *Profile {
	terminal := TerminalRestrictions{
		Enabled:         perms.AllowTerminalAccess,
		BlockedCommands: append([]string(nil), blockedCommands...),
		TimeoutSeconds:  defaultShellTimeout,
	}
	// A disabled terminal carries an empty whitelist: nothing executes.
	if !terminal.Enabled {
		terminal.AllowedCommands = nil
	}

	return &Profile{
		UserID:       userID,
		RepositoryID: repoID,
		Network: NetworkRestrictions{
			AllowedHosts:   []string{"127.0.0.1", "localhost", "::1"},
			BlockedPorts:   []int{22, 23, 25, 53, 80, 443, 993, 995},
			EnableInternet: false,
			DNS:            []string{"8.8.8.8", "8.8.4.4"},
		},
		FileSystem: FileSystemRestrictions{
			AllowedPaths: []string{
				WorkspacePath,
				"/tmp",
				"/home/coder/.local/share/code-server",
			},
			ReadOnlyPaths:    []string{"/etc", "/usr", "/bin", "/sbin", "/lib", "/lib64"},
			MaxFileSizeBytes: defaultMaxFileSize,
		},
		Resources: ResourceLimits{
			MemoryLimit: limits.MemoryLimit,
			CPULimit:    limits.CPULimit,
			DiskQuota:   limits.DiskQuota,
		},
		Terminal: terminal,
		Hardening: Hardening{
			SecurityOpt: []string{
				"no-new-privileges:true",
				"apparmor=docker-default",
				"seccomp=default",
			},
			CapDrop:        []string{"ALL"},
			CapAdd:         nil,
			ReadOnlyRootfs: true,
			Tmpfs: map[string]string{
				"/tmp":               "rw,noexec,nosuid,size=100m",
				"/var/tmp":           "rw,noexec,nosuid,size=50m",
				"/home/coder/.cache": "rw,noexec,nosuid,size=" + defaultCacheTmpfsSize,
			},
			Ulimits: []Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
				{Name: "nproc", Soft: 512, Hard: 1024},
				{Name: "fsize", Soft: defaultMaxFileSize, Hard: defaultMaxFileSize},
			},
			RunAsUser: "coder:coder",
		},
	}
}
