package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/monitoring"
	"github.com/Nu11ified/code-spectre-sub000/internal/recovery"
	"github.com/Nu11ified/code-spectre-sub000/internal/security"
	"github.com/Nu11ified/code-spectre-sub000/internal/session"
	"github.com/Nu11ified/code-spectre-sub000/internal/store"
)

type fakeSessionService struct {
	createErr error
	stopErr   error
	info      *domain.SessionInfo
	audits    []session.SessionAudit
}

func (f *fakeSessionService) Create(_ context.Context, userID, repoID int64, branch string, _ domain.Permission) (*domain.SessionInfo, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.info != nil {
		return f.info, nil
	}
	return &domain.SessionInfo{
		SessionID:    "cid-1",
		UserID:       userID,
		RepositoryID: repoID,
		BranchName:   branch,
		URL:          "http://ide-u1-r1-main.localhost",
		Status:       domain.SessionRunning,
	}, nil
}

func (f *fakeSessionService) Stop(_ context.Context, sessionID string) error {
	return f.stopErr
}

func (f *fakeSessionService) UserSessions(_ context.Context, userID int64) ([]*domain.SessionInfo, error) {
	if f.info != nil && f.info.UserID == userID {
		return []*domain.SessionInfo{f.info}, nil
	}
	return []*domain.SessionInfo{}, nil
}

func (f *fakeSessionService) Status(_ context.Context, sessionID string) (*domain.SessionInfo, error) {
	if f.info != nil && f.info.SessionID == sessionID {
		return f.info, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "session %s not found", sessionID)
}

func (f *fakeSessionService) PerformSecurityAudit(context.Context) ([]session.SessionAudit, error) {
	return f.audits, nil
}

type fakePerms struct {
	perm *domain.Permission
	err  error
}

func (f *fakePerms) GetPermission(context.Context, int64, int64) (*domain.Permission, error) {
	return f.perm, f.err
}

type fakeRecovery struct {
	actions     []recovery.Action
	completeErr error
}

func (f *fakeRecovery) Actions() []recovery.Action { return f.actions }

func (f *fakeRecovery) CompleteManual(_ string) error { return f.completeErr }

type fakeMonitoring struct {
	latest *monitoring.Metrics
	health monitoring.HealthStatus
	alerts []monitoring.Alert
}

func (f *fakeMonitoring) Latest() *monitoring.Metrics { return f.latest }

func (f *fakeMonitoring) History() []monitoring.Metrics { return nil }

func (f *fakeMonitoring) Alerts() []monitoring.Alert { return f.alerts }

func (f *fakeMonitoring) Health() monitoring.HealthStatus {
	if f.health == "" {
		return monitoring.HealthHealthy
	}
	return f.health
}

type fakeRepo struct {
	store.Repository
	pingErr error
	repos   []*domain.Repository
	nextID  int64
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) GetRepositoryByURL(_ context.Context, url string) (*domain.Repository, error) {
	for _, r := range f.repos {
		if r.RemoteURL == url {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) UpsertRepository(_ context.Context, repo *domain.Repository) error {
	if repo.ID == 0 {
		f.nextID++
		repo.ID = f.nextID
		f.repos = append(f.repos, repo)
	}
	return nil
}

func (f *fakeRepo) ListRepositories(context.Context) ([]*domain.Repository, error) {
	return f.repos, nil
}

type fakeGit struct {
	cloned    []string
	keys      []int64
	branches  []string
	created   []string
	synced    []int64
	cloneErr  error
	branchErr error
}

func (f *fakeGit) Clone(_ context.Context, url string, repoID int64, keyPath string) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	f.cloned = append(f.cloned, url)
	return nil
}

func (f *fakeGit) GenerateDeployKey(repoID int64) (string, error) {
	f.keys = append(f.keys, repoID)
	return "/srv/git/ssh-keys/repo_1", nil
}

func (f *fakeGit) ListBranches(context.Context, int64) ([]string, error) {
	return f.branches, nil
}

func (f *fakeGit) CreateBranch(_ context.Context, repoID int64, branch, base string) error {
	if f.branchErr != nil {
		return f.branchErr
	}
	f.created = append(f.created, branch)
	return nil
}

func (f *fakeGit) UpdateRepository(_ context.Context, repoID int64) error {
	f.synced = append(f.synced, repoID)
	return nil
}

type fakeRecorder struct {
	durations []time.Duration
}

func (f *fakeRecorder) RecordResponseTime(d time.Duration) {
	f.durations = append(f.durations, d)
}

func allowAllPerms() *domain.Permission {
	return &domain.Permission{
		UserID:              1,
		RepositoryID:        1,
		CanCreateBranches:   true,
		BranchLimit:         5,
		AllowedBaseBranches: []string{"main"},
		AllowTerminalAccess: true,
	}
}

type fixture struct {
	svc      *fakeSessionService
	perms    *fakePerms
	rec      *fakeRecovery
	mon      *fakeMonitoring
	repo     *fakeRepo
	git      *fakeGit
	recorder *fakeRecorder
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		svc:      &fakeSessionService{},
		perms:    &fakePerms{perm: allowAllPerms()},
		rec:      &fakeRecovery{},
		mon:      &fakeMonitoring{},
		repo:     &fakeRepo{},
		git:      &fakeGit{},
		recorder: &fakeRecorder{},
	}
	engine := security.NewEngine(security.EngineConfig{})
	router := NewRouter(Deps{
		Sessions:     NewSessionHandler(f.svc, f.perms),
		Repositories: NewRepositoryHandler(f.repo, f.git, f.perms),
		Validate:     NewValidateHandler(engine, f.perms),
		Admin:        NewAdminHandler(f.svc, f.rec, f.mon),
		Health:       NewHealthHandler(f.repo, f.mon),
		Events:       NewEventsHandler(session.NewHub()),
		Recorder:     f.recorder,
		Registry:     prometheus.NewRegistry(),
		CORSOrigin:   []string{"*"},
	})
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/sessions",
		`{"user_id":1,"repository_id":1,"branch":"main"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["url"] != "http://ide-u1-r1-main.localhost" {
		t.Errorf("unexpected url %v", body["url"])
	}
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/sessions", `{"user_id":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/sessions", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateSessionWithoutPermission(t *testing.T) {
	f := newFixture(t)
	f.perms.perm = nil

	resp, body := f.do(t, http.MethodPost, "/api/sessions",
		`{"user_id":9,"repository_id":1,"branch":"main"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, body %v", resp.StatusCode, body)
	}
}

func TestCreateSessionMapsLimitErrors(t *testing.T) {
	f := newFixture(t)
	f.svc.createErr = apperr.New(apperr.ContainerLimitExceeded, "at capacity (50/50)")

	resp, body := f.do(t, http.MethodPost, "/api/sessions",
		`{"user_id":1,"repository_id":1,"branch":"main"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["code"] != string(apperr.ContainerLimitExceeded) {
		t.Errorf("unexpected code %v", body["code"])
	}
	if body["suggestion"] == "" || body["suggestion"] == nil {
		t.Error("limit errors should carry a recovery suggestion")
	}
}

func TestListSessionsRequiresUserID(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/sessions", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/api/sessions?user_id=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, body %v", resp.StatusCode, body)
	}
}

func TestSessionStatusNotFound(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/sessions/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStopSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodDelete, "/api/sessions/cid-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "stopped" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestValidateCommandEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/validate/command",
		`{"user_id":1,"repository_id":1,"session_id":"cid-1","command":"ls -la"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["allowed"] != true {
		t.Errorf("ls should be allowed, body %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/validate/command",
		`{"user_id":1,"repository_id":1,"session_id":"cid-1","command":"sudo rm -rf /"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["allowed"] != false || body["reason"] == nil {
		t.Errorf("sudo must be rejected with a reason, body %v", body)
	}
}

func TestRecoveryActionsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.rec.actions = []recovery.Action{{ID: "a1", Strategy: recovery.StrategyRestart, Target: "cid-1"}}

	resp, body := f.do(t, http.MethodGet, "/api/recovery/actions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	actions, ok := body["actions"].([]interface{})
	if !ok || len(actions) != 1 {
		t.Errorf("unexpected actions %v", body["actions"])
	}
}

func TestCompleteRecoveryActionNotFound(t *testing.T) {
	f := newFixture(t)
	f.rec.completeErr = apperr.Newf(apperr.NotFound, "recovery action nope not found")

	resp, _ := f.do(t, http.MethodPost, "/api/recovery/actions/nope/complete", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	f := newFixture(t)
	f.mon.latest = &monitoring.Metrics{}
	f.mon.alerts = []monitoring.Alert{{ID: "al-1", Title: "High memory usage"}}

	resp, body := f.do(t, http.MethodGet, "/api/monitoring/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["health"] != "healthy" {
		t.Errorf("unexpected health %v", body["health"])
	}

	resp, body = f.do(t, http.MethodGet, "/api/monitoring/alerts", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	alerts, ok := body["alerts"].([]interface{})
	if !ok || len(alerts) != 1 {
		t.Errorf("unexpected alerts %v", body["alerts"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	f := newFixture(t)
	f.repo.pingErr = apperr.New(apperr.DatabaseConnectionFailed, "locked out")

	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "degraded" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRegisterRepository(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/repositories",
		`{"name":"demo","remote_url":"git@github.com:acme/demo.git","owner_id":1,"generate_deploy_key":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["id"] != float64(1) {
		t.Errorf("unexpected id %v", body["id"])
	}
	if len(f.git.cloned) != 1 || len(f.git.keys) != 1 {
		t.Errorf("expected clone and deploy key, got %v / %v", f.git.cloned, f.git.keys)
	}

	// Same URL again returns the existing record without a second clone.
	resp, body = f.do(t, http.MethodPost, "/api/repositories",
		`{"name":"demo","remote_url":"git@github.com:acme/demo.git","owner_id":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if len(f.git.cloned) != 1 {
		t.Errorf("re-registration must not clone again, got %v", f.git.cloned)
	}
}

func TestRegisterRepositoryRejectsBadURL(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/repositories",
		`{"name":"demo","remote_url":"http://github.com/acme/demo.git","owner_id":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["code"] != string(apperr.InvalidGitURL) {
		t.Errorf("unexpected code %v", body["code"])
	}
}

func TestListBranchesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.git.branches = []string{"main", "develop"}

	resp, body := f.do(t, http.MethodGet, "/api/repositories/1/branches", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	branches, ok := body["branches"].([]interface{})
	if !ok || len(branches) != 2 {
		t.Errorf("unexpected branches %v", body["branches"])
	}
}

func TestCreateBranchRequiresPermission(t *testing.T) {
	f := newFixture(t)
	f.perms.perm.CanCreateBranches = false

	resp, _ := f.do(t, http.MethodPost, "/api/repositories/1/branches",
		`{"user_id":1,"branch":"feature/x"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.git.created) != 0 {
		t.Errorf("branch must not be created, got %v", f.git.created)
	}
}

func TestCreateBranchChecksBaseBranch(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/repositories/1/branches",
		`{"user_id":1,"branch":"feature/x","base_branch":"release"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/repositories/1/branches",
		`{"user_id":1,"branch":"feature/x"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["base_branch"] != "main" {
		t.Errorf("base branch should default to main, got %v", body["base_branch"])
	}
}

func TestSyncRepositoryEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/repositories/3/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.git.synced) != 1 || f.git.synced[0] != 3 {
		t.Errorf("unexpected sync calls %v", f.git.synced)
	}
}

func TestResponseTimerRecordsDurations(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodGet, "/health", "")
	if len(f.recorder.durations) == 0 {
		t.Error("expected a recorded response time")
	}
}
