// Package container drives the Docker engine for IDE session containers:
// creation with hardened host configs, lifecycle, stats, and audits.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/logging"
	"github.com/Nu11ified/code-spectre-sub000/internal/proxy"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
)

const (
	stopTimeoutSecs = 10

	readyPollInterval = 1 * time.Second
	readyTimeout      = 30 * time.Second

	cpuPeriod = 100000

	isolatedSubnet = "172.20.0.0/16"
	isolatedMTU    = "1500"

	cleanupInterval = 5 * time.Minute
)

// dockerAPI is the subset of the Docker client this package uses.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// Settings configures the manager.
type Settings struct {
	Image           string
	NetworkName     string
	IsolatedNetwork string
	MaxContainers   int
	MemoryLimit     string
	CPULimit        float64
	SessionTimeout  time.Duration
}

// PermissionSource supplies the persisted permission snapshot for audits.
type PermissionSource interface {
	GetPermission(ctx context.Context, userID, repoID int64) (*domain.Permission, error)
}

// Created is the result of a successful container creation.
type Created struct {
	ID    string
	Name  string
	Route proxy.Route
}

// Manager owns IDE container lifecycle against the Docker engine.
type Manager struct {
	cli       dockerAPI
	settings  Settings
	engine    *security.Engine
	registrar *proxy.Registrar
	perms     PermissionSource

	// lastAccess overrides the immutable last-accessed label for
	// containers touched since this process started.
	lastAccess sync.Map // container id -> time.Time
}

// NewManager connects to the Docker daemon at socketPath.
func NewManager(socketPath string, settings Settings, engine *security.Engine, registrar *proxy.Registrar, perms PermissionSource) (*Manager, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "create docker client")
	}
	slog.Info("Docker client initialized", "socket", socketPath)
	return newManager(cli, settings, engine, registrar, perms), nil
}

func newManager(cli dockerAPI, settings Settings, engine *security.Engine, registrar *proxy.Registrar, perms PermissionSource) *Manager {
	return &Manager{
		cli:       cli,
		settings:  settings,
		engine:    engine,
		registrar: registrar,
		perms:     perms,
	}
}

// EnsureNetworks creates the main bridge network and the isolated session
// network if they do not exist.
func (m *Manager) EnsureNetworks(ctx context.Context) error {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return apperr.Wrap(err, apperr.DockerConnectionFailed, "list networks")
	}

	exists := make(map[string]bool, len(networks))
	for _, nw := range networks {
		exists[nw.Name] = true
	}

	if !exists[m.settings.NetworkName] {
		if _, err := m.cli.NetworkCreate(ctx, m.settings.NetworkName, network.CreateOptions{
			Driver: "bridge",
		}); err != nil {
			return apperr.Wrap(err, apperr.DockerConnectionFailed, "create main network")
		}
		slog.Info("Main network created", "network", m.settings.NetworkName)
	}

	if !exists[m.settings.IsolatedNetwork] {
		if _, err := m.cli.NetworkCreate(ctx, m.settings.IsolatedNetwork, network.CreateOptions{
			Driver:   "bridge",
			Internal: true,
			IPAM: &network.IPAM{
				Config: []network.IPAMConfig{{Subnet: isolatedSubnet}},
			},
			Options: map[string]string{
				"com.docker.network.bridge.enable_icc":           "false",
				"com.docker.network.bridge.enable_ip_masquerade": "false",
				"com.docker.network.driver.mtu":                  isolatedMTU,
			},
		}); err != nil {
			return apperr.Wrap(err, apperr.DockerConnectionFailed, "create isolated network")
		}
		slog.Info("Isolated network created", "network", m.settings.IsolatedNetwork, "subnet", isolatedSubnet)
	}

	return nil
}

// listManaged lists containers carrying the managed marker.
func (m *Manager) listManaged(ctx context.Context, all bool) ([]container.Summary, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManaged+"=true")
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: all, Filters: f})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "list containers")
	}
	return list, nil
}

// ListManaged returns all managed containers, including stopped ones.
func (m *Manager) ListManaged(ctx context.Context) ([]container.Summary, error) {
	return m.listManaged(ctx, true)
}

// ListRunning returns the running managed containers.
func (m *Manager) ListRunning(ctx context.Context) ([]container.Summary, error) {
	return m.listManaged(ctx, false)
}

// Managed is the session-level view of a managed container.
type Managed struct {
	ID             string
	Name           string
	Identity       SessionIdentity
	State          string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func (m *Manager) toManaged(c container.Summary) Managed {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	identity, err := ParseSessionLabels(c.Labels)
	if err != nil {
		slog.Warn("Managed container with unparsable labels", "container_id", c.ID, "error", err)
	}
	return Managed{
		ID:             c.ID,
		Name:           name,
		Identity:       identity,
		State:          string(c.State),
		CreatedAt:      labelCreatedAt(c.Labels),
		LastAccessedAt: m.lastAccessedAt(c.ID, c.Labels),
	}
}

// Sessions lists all managed containers as session views.
func (m *Manager) Sessions(ctx context.Context) ([]Managed, error) {
	list, err := m.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Managed, 0, len(list))
	for _, c := range list {
		out = append(out, m.toManaged(c))
	}
	return out, nil
}

// RunningSessions lists the running managed containers as session views.
func (m *Manager) RunningSessions(ctx context.Context) ([]Managed, error) {
	list, err := m.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Managed, 0, len(list))
	for _, c := range list {
		out = append(out, m.toManaged(c))
	}
	return out, nil
}

// CreateIDEContainer creates, hardens, starts, and routes an IDE container
// for a session. Creating an already existing session returns the existing
// container.
func (m *Manager) CreateIDEContainer(ctx context.Context, userID, repoID int64, branch, worktreePath, extensionsPath string, perms domain.Permission) (*Created, error) {
	name := ContainerName(userID, repoID, branch)
	timer := logging.StartTimer("create_ide_container", "container_name", name)

	created, err := m.createIDEContainer(ctx, name, userID, repoID, branch, worktreePath, extensionsPath, perms)
	timer.Stop(err)
	return created, err
}

func (m *Manager) createIDEContainer(ctx context.Context, name string, userID, repoID int64, branch, worktreePath, extensionsPath string, perms domain.Permission) (*Created, error) {
	// Reuse an existing container with the session's name.
	if inspect, err := m.cli.ContainerInspect(ctx, name); err == nil {
		slog.Info("Reusing existing container", "container_id", inspect.ID, "container_name", name)
		route := m.registrar.Register(inspect.ID, userID, repoID, branch)
		return &Created{ID: inspect.ID, Name: name, Route: route}, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, apperr.Wrap(err, apperr.DockerConnectionFailed, "inspect container")
	}

	running, err := m.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	if len(running) >= m.settings.MaxContainers {
		return nil, apperr.Newf(apperr.ContainerLimitExceeded,
			"running containers at capacity (%d/%d)", len(running), m.settings.MaxContainers)
	}

	profile := m.engine.Derive(userID, perms, repoID)

	mounts, err := m.validatedMounts(userID, name, profile, worktreePath, extensionsPath)
	if err != nil {
		return nil, err
	}

	memBytes, err := units.RAMInBytes(profile.Resources.MemoryLimit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ValidationFailed, "parse memory limit")
	}

	env := []string{
		"DISABLE_TELEMETRY=true",
		"DISABLE_UPDATE_CHECK=true",
		"DISABLE_GETTING_STARTED_OVERRIDE=true",
		"AUTH=none",
	}
	if profile.Terminal.Enabled {
		env = append(env, fmt.Sprintf("SHELL_TIMEOUT=%d", profile.Terminal.TimeoutSeconds))
	} else {
		env = append(env, "DISABLE_TERMINAL=true")
	}

	labels := SessionLabels(userID, repoID, branch, time.Now())
	for k, v := range m.registrar.BuildLabels(userID, repoID, branch) {
		labels[k] = v
	}

	tmpfs := make(map[string]string, len(profile.Hardening.Tmpfs))
	for path, opts := range profile.Hardening.Tmpfs {
		tmpfs[path] = opts
	}
	ulimits := make([]*container.Ulimit, 0, len(profile.Hardening.Ulimits))
	for _, u := range profile.Hardening.Ulimits {
		ulimits = append(ulimits, &container.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	config := &container.Config{
		Image:        m.settings.Image,
		User:         profile.Hardening.RunAsUser,
		WorkingDir:   security.WorkspacePath,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{"8080/tcp": {}},
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(m.settings.IsolatedNetwork),
		Mounts:         mounts,
		SecurityOpt:    profile.Hardening.SecurityOpt,
		CapDrop:        profile.Hardening.CapDrop,
		CapAdd:         profile.Hardening.CapAdd,
		ReadonlyRootfs: profile.Hardening.ReadOnlyRootfs,
		Privileged:     false,
		Tmpfs:          tmpfs,
		DNS:            profile.Network.DNS,
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:    memBytes,
			CPUQuota:  int64(math.Floor(profile.Resources.CPULimit * cpuPeriod)),
			CPUPeriod: cpuPeriod,
			Ulimits:   ulimits,
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ContainerCreationFailed, "create container")
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, apperr.Wrap(err, apperr.ContainerStartFailed, "start container")
	}

	if err := m.waitRunning(ctx, resp.ID); err != nil {
		return nil, err
	}

	route := m.registrar.Register(resp.ID, userID, repoID, branch)
	m.lastAccess.Store(resp.ID, time.Now())

	slog.Info("IDE container created",
		"container_id", resp.ID,
		"container_name", name,
		"user_id", userID,
		"repository_id", repoID,
		"branch", branch,
		"url", route.URL)
	return &Created{ID: resp.ID, Name: name, Route: route}, nil
}

// validatedMounts builds the worktree and extensions mounts and runs them
// through the security engine.
func (m *Manager) validatedMounts(userID int64, sessionID string, profile *security.Profile, worktreePath, extensionsPath string) ([]mount.Mount, error) {
	requested := []security.Mount{
		{Source: worktreePath, Target: security.WorkspacePath, ReadOnly: false},
		{Source: extensionsPath, Target: security.ExtensionsPath, ReadOnly: true},
	}

	out := make([]mount.Mount, 0, len(requested))
	for _, req := range requested {
		validated, err := m.engine.ValidateMount(userID, sessionID, profile, req)
		if err != nil {
			return nil, err
		}
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   validated.Source,
			Target:   validated.Target,
			ReadOnly: validated.ReadOnly,
		})
	}
	return out, nil
}

// waitRunning polls until the container reports running.
func (m *Manager) waitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		inspect, err := m.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return apperr.Wrap(err, apperr.ContainerStartFailed, "inspect during readiness wait")
		}
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Newf(apperr.ContainerStartFailed, "container %s not running after %s", containerID, readyTimeout)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(ctx.Err(), apperr.TimeoutError, "readiness wait cancelled")
		case <-time.After(readyPollInterval):
		}
	}
}

// StopContainer gracefully stops a running container.
func (m *Manager) StopContainer(ctx context.Context, containerID string) error {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return apperr.Wrap(err, apperr.DockerConnectionFailed, "inspect container")
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return apperr.Wrap(err, apperr.ContainerStopFailed, "stop container")
	}
	slog.Info("Container stopped", "container_id", containerID)
	return nil
}

// RemoveContainer stops, unregisters, and force-removes a container. Stop
// and route teardown are best-effort; removal failure is fatal.
func (m *Manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.StopContainer(ctx, containerID); err != nil {
		slog.Warn("Stop before removal failed", "container_id", containerID, "error", err)
	}
	m.registrar.Unregister(containerID)

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			m.lastAccess.Delete(containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		return apperr.Wrap(err, apperr.ContainerStopFailed, "remove container")
	}

	m.lastAccess.Delete(containerID)
	slog.Info("Container removed", "container_id", containerID)
	return nil
}

// RestartContainer restarts a container with the standard grace period.
func (m *Manager) RestartContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := m.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return apperr.Wrap(err, apperr.ContainerStartFailed, "restart container")
	}
	slog.Info("Container restarted", "container_id", containerID)
	return nil
}

// Touch records activity on a container for inactivity accounting.
func (m *Manager) Touch(containerID string) {
	m.lastAccess.Store(containerID, time.Now())
}

// lastAccessedAt resolves the effective last access time: the in-memory
// record when present, the immutable label otherwise.
func (m *Manager) lastAccessedAt(containerID string, labels map[string]string) time.Time {
	if v, ok := m.lastAccess.Load(containerID); ok {
		return v.(time.Time)
	}
	return labelLastAccessed(labels)
}

// HealthCheck reports whether a container is running and not failing its
// health probe.
func (m *Manager) HealthCheck(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, apperr.Wrap(err, apperr.DockerConnectionFailed, "inspect container")
	}
	if inspect.State == nil || !inspect.State.Running {
		return false, nil
	}
	if inspect.State.Health != nil && inspect.State.Health.Status == container.Unhealthy {
		return false, nil
	}
	return true, nil
}

// CleanupInactiveContainers removes managed containers idle past the
// session timeout. Exited containers are left for explicit removal.
func (m *Manager) CleanupInactiveContainers(ctx context.Context) (int, error) {
	list, err := m.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-m.settings.SessionTimeout)
	removed := 0
	for _, c := range list {
		if strings.EqualFold(string(c.State), "exited") {
			continue
		}
		last := m.lastAccessedAt(c.ID, c.Labels)
		if last.IsZero() || !last.Before(cutoff) {
			continue
		}
		slog.Info("Removing inactive container", "container_id", c.ID, "last_accessed", last)
		if err := m.RemoveContainer(ctx, c.ID); err != nil {
			slog.Error("Failed to remove inactive container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RunCleanupLoop sweeps for inactive containers every five minutes.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	slog.Info("Container cleanup loop started", "interval", cleanupInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Container cleanup loop stopped")
			return
		case <-ticker.C:
			if n, err := m.CleanupInactiveContainers(ctx); err != nil {
				slog.Error("Inactive container cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("Inactive containers removed", "count", n)
			}
		}
	}
}
