package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/proxy"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
)

type createCall struct {
	name   string
	config *container.Config
	host   *container.HostConfig
}

type fakeDocker struct {
	inspects map[string]container.InspectResponse
	list     []container.Summary
	stats    *container.StatsResponse
	networks []network.Summary

	creates       []createCall
	started       []string
	stopped       []string
	removed       []string
	restarted     []string
	netCreated    []string
	createErr     error
	startErr      error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{inspects: make(map[string]container.InspectResponse)}
}

func runningInspect(id string, labels map[string]string) container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: true},
		},
		Config: &container.Config{Labels: labels},
	}
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if resp, ok := f.inspects[id]; ok {
		return resp, nil
	}
	return container.InspectResponse{}, errdefs.ErrNotFound
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.creates = append(f.creates, createCall{name: name, config: config, host: host})
	id := fmt.Sprintf("cid-%d", len(f.creates))
	f.inspects[id] = runningInspect(id, config.Labels)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRestart(_ context.Context, id string, _ container.StopOptions) error {
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	delete(f.inspects, id)
	return nil
}

func (f *fakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	if options.All {
		return f.list, nil
	}
	var running []container.Summary
	for _, c := range f.list {
		if string(c.State) == "running" {
			running = append(running, c)
		}
	}
	return running, nil
}

func (f *fakeDocker) ContainerStatsOneShot(_ context.Context, _ string) (container.StatsResponseReader, error) {
	raw, _ := json.Marshal(f.stats)
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func (f *fakeDocker) NetworkList(_ context.Context, _ network.ListOptions) ([]network.Summary, error) {
	return f.networks, nil
}

func (f *fakeDocker) NetworkCreate(_ context.Context, name string, _ network.CreateOptions) (network.CreateResponse, error) {
	f.netCreated = append(f.netCreated, name)
	return network.CreateResponse{ID: "net-" + name}, nil
}

type fakePerms struct {
	perm *domain.Permission
}

func (f *fakePerms) GetPermission(context.Context, int64, int64) (*domain.Permission, error) {
	return f.perm, nil
}

func testSettings() Settings {
	return Settings{
		Image:           "codercom/code-server:latest",
		NetworkName:     "cloud-ide-network",
		IsolatedNetwork: "cloud-ide-isolated",
		MaxContainers:   50,
		MemoryLimit:     "2g",
		CPULimit:        1.0,
		SessionTimeout:  time.Hour,
	}
}

func newTestManager(fd *fakeDocker, perm *domain.Permission) *Manager {
	engine := security.NewEngine(security.EngineConfig{
		Limits: security.Limits{MemoryLimit: "2g", CPULimit: 1.0, DiskQuota: "5g"},
	})
	registrar := proxy.NewRegistrar(proxy.Config{Domain: "localhost", IsolatedNetwork: "cloud-ide-isolated"})
	return newManager(fd, testSettings(), engine, registrar, &fakePerms{perm: perm})
}

func fullPerms() domain.Permission {
	return domain.Permission{
		UserID:              1,
		RepositoryID:        1,
		CanCreateBranches:   true,
		BranchLimit:         5,
		AllowedBaseBranches: []string{"main"},
		AllowTerminalAccess: true,
	}
}

func TestContainerName(t *testing.T) {
	if got := ContainerName(1, 1, "main"); got != "ide_user_1_repo_1_main" {
		t.Errorf("unexpected name %s", got)
	}
	if got := ContainerName(2, 3, "feature/complex-branch_name@123"); got != "ide_user_2_repo_3_feature_complex-branch_name_123" {
		t.Errorf("unexpected name %s", got)
	}
}

func TestSessionLabelsRoundTrip(t *testing.T) {
	labels := SessionLabels(7, 9, "feature/login", time.Now())
	if labels[LabelManaged] != "true" || labels[LabelSecurityProfile] != "enabled" {
		t.Errorf("unexpected labels %v", labels)
	}
	if missing := MissingLabels(labels); len(missing) != 0 {
		t.Errorf("unexpected missing labels %v", missing)
	}

	identity, err := ParseSessionLabels(labels)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if identity.UserID != 7 || identity.RepositoryID != 9 || identity.Branch != "feature/login" {
		t.Errorf("unexpected identity %+v", identity)
	}

	if _, err := ParseSessionLabels(map[string]string{}); err == nil {
		t.Error("expected error for missing labels")
	}
}

func TestCreateAppliesProfile(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(fd, nil)

	created, err := m.CreateIDEContainer(context.Background(), 1, 1, "main", "/srv/git/worktrees/repo_1/user_1/main", "/srv/extensions", fullPerms())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Name != "ide_user_1_repo_1_main" {
		t.Errorf("unexpected name %s", created.Name)
	}
	if created.Route.URL != "http://ide-u1-r1-main.localhost" {
		t.Errorf("unexpected route URL %s", created.Route.URL)
	}
	if len(fd.creates) != 1 || len(fd.started) != 1 {
		t.Fatalf("expected one create and start, got %d/%d", len(fd.creates), len(fd.started))
	}

	call := fd.creates[0]
	host := call.host
	if !host.ReadonlyRootfs || host.Privileged {
		t.Error("expected read-only non-privileged container")
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Errorf("unexpected cap drop %v", host.CapDrop)
	}
	if host.Resources.CPUQuota != 100000 || host.Resources.CPUPeriod != 100000 {
		t.Errorf("unexpected cpu quota %d/%d", host.Resources.CPUQuota, host.Resources.CPUPeriod)
	}
	if host.Resources.Memory != 2*1024*1024*1024 {
		t.Errorf("unexpected memory %d", host.Resources.Memory)
	}
	if string(host.NetworkMode) != "cloud-ide-isolated" {
		t.Errorf("unexpected network mode %s", host.NetworkMode)
	}
	if len(host.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(host.Mounts))
	}
	if host.Mounts[0].ReadOnly || !host.Mounts[1].ReadOnly {
		t.Error("worktree must be rw, extensions ro")
	}

	labels := call.config.Labels
	if labels[LabelManaged] != "true" {
		t.Error("missing managed label")
	}
	if labels["traefik.enable"] != "true" {
		t.Error("missing routing labels")
	}

	env := strings.Join(call.config.Env, " ")
	if !strings.Contains(env, "SHELL_TIMEOUT=3600") {
		t.Errorf("expected shell timeout env, got %s", env)
	}
	if strings.Contains(env, "DISABLE_TERMINAL") {
		t.Error("terminal should be enabled")
	}
}

func TestCreateDisablesTerminal(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(fd, nil)

	perms := fullPerms()
	perms.AllowTerminalAccess = false
	if _, err := m.CreateIDEContainer(context.Background(), 1, 1, "main", "/srv/wt", "/srv/ext", perms); err != nil {
		t.Fatalf("create: %v", err)
	}
	env := strings.Join(fd.creates[0].config.Env, " ")
	if !strings.Contains(env, "DISABLE_TERMINAL=true") {
		t.Errorf("expected DISABLE_TERMINAL, got %s", env)
	}
}

func TestCreateReusesExistingContainer(t *testing.T) {
	fd := newFakeDocker()
	fd.inspects["ide_user_1_repo_1_main"] = runningInspect("existing-id", nil)
	m := newTestManager(fd, nil)

	created, err := m.CreateIDEContainer(context.Background(), 1, 1, "main", "/srv/wt", "/srv/ext", fullPerms())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "existing-id" {
		t.Errorf("expected existing container, got %s", created.ID)
	}
	if len(fd.creates) != 0 {
		t.Error("no new container should be created")
	}
}

func TestCreateEnforcesCap(t *testing.T) {
	fd := newFakeDocker()
	for i := 0; i < 50; i++ {
		fd.list = append(fd.list, container.Summary{ID: fmt.Sprintf("c%d", i), State: "running"})
	}
	m := newTestManager(fd, nil)

	_, err := m.CreateIDEContainer(context.Background(), 1, 1, "main", "/srv/wt", "/srv/ext", fullPerms())
	if apperr.KindOf(err) != apperr.ContainerLimitExceeded {
		t.Errorf("expected ContainerLimitExceeded, got %v", err)
	}
}

func TestStopContainerIdempotent(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(fd, nil)

	if err := m.StopContainer(context.Background(), "missing"); err != nil {
		t.Errorf("stopping a missing container should be a no-op, got %v", err)
	}
	if len(fd.stopped) != 0 {
		t.Error("no stop call expected")
	}
}

func TestRemoveContainerUnregistersRoute(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(fd, nil)

	created, err := m.CreateIDEContainer(context.Background(), 1, 1, "main", "/srv/wt", "/srv/ext", fullPerms())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(m.registrar.Routes()) != 1 {
		t.Fatal("expected one route after create")
	}
	if err := m.RemoveContainer(context.Background(), created.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(m.registrar.Routes()) != 0 {
		t.Error("route should be gone after removal")
	}
	if len(fd.removed) != 1 {
		t.Error("expected a force remove call")
	}
}

func TestEnsureNetworks(t *testing.T) {
	fd := newFakeDocker()
	fd.networks = []network.Summary{{Name: "cloud-ide-network", ID: "n1"}}
	m := newTestManager(fd, nil)

	if err := m.EnsureNetworks(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(fd.netCreated) != 1 || fd.netCreated[0] != "cloud-ide-isolated" {
		t.Errorf("expected only the isolated network to be created, got %v", fd.netCreated)
	}
}

func TestCleanupInactiveContainers(t *testing.T) {
	fd := newFakeDocker()
	stale := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	fresh := time.Now().UTC().Format(time.RFC3339)

	fd.list = []container.Summary{
		{ID: "stale", State: "running", Labels: map[string]string{LabelManaged: "true", LabelLastAccessed: stale}},
		{ID: "fresh", State: "running", Labels: map[string]string{LabelManaged: "true", LabelLastAccessed: fresh}},
		{ID: "gone", State: "exited", Labels: map[string]string{LabelManaged: "true", LabelLastAccessed: stale}},
	}
	fd.inspects["stale"] = runningInspect("stale", nil)
	m := newTestManager(fd, nil)

	removed, err := m.CleanupInactiveContainers(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if len(fd.removed) != 1 || fd.removed[0] != "stale" {
		t.Errorf("unexpected removals %v", fd.removed)
	}
}

func TestNormalizeStats(t *testing.T) {
	raw := &container.StatsResponse{}
	raw.CPUStats.CPUUsage.TotalUsage = 400
	raw.PreCPUStats.CPUUsage.TotalUsage = 200
	raw.CPUStats.SystemUsage = 2000
	raw.PreCPUStats.SystemUsage = 1000
	raw.CPUStats.OnlineCPUs = 2
	raw.MemoryStats.Usage = 1024
	raw.MemoryStats.Limit = 4096
	raw.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 100, TxBytes: 50},
		"eth1": {RxBytes: 10, TxBytes: 5},
	}

	s := normalizeStats(raw)
	if s.CPUPercent != 40 {
		t.Errorf("cpu percent %f, want 40", s.CPUPercent)
	}
	if s.MemoryBytes != 1024 || s.MemoryLimit != 4096 {
		t.Errorf("unexpected memory %d/%d", s.MemoryBytes, s.MemoryLimit)
	}
	if s.NetworkRxBytes != 110 || s.NetworkTxBytes != 55 {
		t.Errorf("unexpected network %d/%d", s.NetworkRxBytes, s.NetworkTxBytes)
	}
}

func TestMonitorContainerSecurity(t *testing.T) {
	fd := newFakeDocker()
	labels := SessionLabels(1, 1, "main", time.Now())
	fd.inspects["cid"] = runningInspect("cid", labels)
	fd.stats = &container.StatsResponse{}
	fd.stats.MemoryStats.Usage = 1024
	fd.stats.MemoryStats.Limit = 2 * 1024 * 1024 * 1024

	perm := fullPerms()
	m := newTestManager(fd, &perm)

	report, err := m.MonitorContainerSecurity(context.Background(), "cid")
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if !report.Compliant || len(report.Violations) != 0 {
		t.Errorf("expected compliant report, got %+v", report)
	}
	if report.Usage == nil || report.Usage.MemoryBytes != 1024 {
		t.Errorf("unexpected usage %+v", report.Usage)
	}
}

func TestMonitorContainerSecurityNoSnapshot(t *testing.T) {
	fd := newFakeDocker()
	fd.inspects["cid"] = runningInspect("cid", SessionLabels(1, 1, "main", time.Now()))
	m := newTestManager(fd, nil)

	_, err := m.MonitorContainerSecurity(context.Background(), "cid")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("expected NotFound without a snapshot, got %v", err)
	}
}

func TestPerformSecurityAudit(t *testing.T) {
	fd := newFakeDocker()
	fd.inspects["bad"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "bad",
			State: &container.State{Running: false},
		},
		Config: &container.Config{Labels: map[string]string{}},
	}
	m := newTestManager(fd, nil)

	report, err := m.PerformSecurityAudit(context.Background(), "bad")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Compliant {
		t.Error("expected non-compliant report")
	}
	if report.RiskLevel != RiskCritical {
		t.Errorf("expected critical risk for missing labels, got %s", report.RiskLevel)
	}
}

func TestPerformSecurityAuditHealthy(t *testing.T) {
	fd := newFakeDocker()
	labels := SessionLabels(1, 1, "main", time.Now())
	fd.inspects["good"] = runningInspect("good", labels)
	fd.stats = &container.StatsResponse{}
	fd.stats.MemoryStats.Usage = 100
	fd.stats.MemoryStats.Limit = 1000
	m := newTestManager(fd, nil)

	report, err := m.PerformSecurityAudit(context.Background(), "good")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Compliant || report.RiskLevel != RiskLow {
		t.Errorf("expected compliant low-risk report, got %+v", report)
	}
}
