package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
	"github.com/pagening/sitebuilder/internal/service/agent"
	"github.com/pagening/sitebuilder/internal/service/auth"
	"github.com/pagening/sitebuilder/internal/service/deploy"
	"github.com/pagening/sitebuilder/internal/service/plan"
	"github.com/pagening/sitebuilder/internal/service/project"
	"github.com/pagening/sitebuilder/pkg/config"
	jwtpkg "github.com/pagening/sitebuilder/pkg/jwt"
)

const testSecret = "test-secret"

type routerFixture struct {
	router   *Router
	token    string
	projects *projectRepoStub
	plans    *transactionRepoStub
	agent    *agentStub
	limiter  *rateLimiterStub
}

func setupRouter(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	userRepo := newUserRepoStub()
	userRepo.users["user-123"] = &domain.User{ID: "user-123", Email: "user@example.com", Credits: 17}

	cfg := config.APIConfig{
		JWTSecret:       testSecret,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		DeployLockTTL:   time.Minute,
	}
	projects := newProjectRepoStub()
	plans := &transactionRepoStub{planID: "pro"}
	agentClient := &agentStub{}
	limiter := newRateLimiterStub()

	router := NewRouter(
		logger,
		auth.New(userRepo, logger, cfg),
		plan.New(plans, logger),
		project.New(projects, logger),
		deploy.New(projects, agentClient, deploy.NewMemoryLocker(), nil, logger, cfg),
		limiter,
		domain.PlanPro,
		nil,
	)
	t.Cleanup(router.Close)

	token, err := jwtpkg.GenerateToken("user-123", jwtpkg.KindAccess, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return &routerFixture{router: router, token: token, projects: projects, plans: plans, agent: agentClient, limiter: limiter}
}

func (f *routerFixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestDeployAddRequiresSession(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":"proj-1"}`, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false || body["error"] != "Unauthorized: no active session" {
		t.Fatalf("unexpected body %v", body)
	}
	if f.agent.deployCalls != 0 {
		t.Fatalf("agent must not be called")
	}
}

func TestDeployAddRejectsLowPlan(t *testing.T) {
	f := setupRouter(t)
	f.plans.planID = ""
	f.plans.err = repository.ErrNotFound

	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":"proj-1"}`, true)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error"] != `Forbidden: requires "pro" plan or higher` {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestDeployAddReportsPlanFailure(t *testing.T) {
	f := setupRouter(t)
	f.plans.err = errors.New("db down")

	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":"proj-1"}`, true)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestDeployAddRequiresProjectID(t *testing.T) {
	f := setupRouter(t)
	for _, body := range []string{`{}`, `{"projectId":"   "}`, `not json`, ``} {
		rr := f.do(http.MethodPost, "/deploy-add", body, true)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
		got := decodeBody(t, rr)
		if got["success"] != false || got["error"] != "projectId is required" {
			t.Fatalf("body %q: unexpected response %v", body, got)
		}
	}
	if f.agent.deployCalls != 0 {
		t.Fatalf("agent must not be called")
	}
}

func TestDeployAddSucceeds(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", CustomDomain: "example.com", CurrentCode: "<html></html>"})
	f.agent.result = domain.DeployResult{
		Success: true,
		Domain:  "example.com",
		DNSInstructions: domain.DNSInstructions{
			ServerIP: "203.0.113.7",
			Records:  []domain.DNSRecord{{Type: "A", Name: "@", Value: "203.0.113.7", TTL: 3600}},
		},
	}

	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":" proj-1 "}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true || body["domain"] != "example.com" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["message"] != "Landing page deployed successfully for example.com" {
		t.Fatalf("unexpected message %v", body["message"])
	}
	dns, ok := body["dnsInstructions"].(map[string]any)
	if !ok || dns["serverIp"] != "203.0.113.7" {
		t.Fatalf("expected dns instructions, got %v", body["dnsInstructions"])
	}
	if f.agent.deployCalls != 1 {
		t.Fatalf("expected one agent call, got %d", f.agent.deployCalls)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "10" {
		t.Fatalf("expected deploy rate limit header, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestDeployAddMapsFailureTo500(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", CurrentCode: "<html></html>"})

	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":"proj-1"}`, true)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false || !strings.HasPrefix(body["message"].(string), "Project has no Custom Domain configured") {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestDeployAddRejectsOtherMethods(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(http.MethodGet, "/deploy-add", ``, true)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestDeployDeleteUndeploys(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", CustomDomain: "example.com"})

	rr := f.do(http.MethodDelete, "/deploy-delete", `{"projectId":"proj-1","deleteFiles":true}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["message"] != "Site for example.com removed from the Web Configuration." {
		t.Fatalf("unexpected message %v", body["message"])
	}
	if f.agent.undeployCalls != 1 || !f.agent.lastUndeploy.DeleteFiles {
		t.Fatalf("expected undeploy with deleteFiles, got %+v", f.agent.lastUndeploy)
	}
}

func TestDeployDeleteForUnknownProject(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(http.MethodDelete, "/deploy-delete", `{"projectId":"missing"}`, true)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["message"] != "Project or custom domain not found." {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestDeployRouteRateLimited(t *testing.T) {
	f := setupRouter(t)
	f.limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: time.Now().Add(window)}
	}
	rr := f.do(http.MethodPost, "/deploy-add", `{"projectId":"proj-1"}`, true)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	if len(f.limiter.calls) != 1 || !strings.HasSuffix(f.limiter.calls[0].key, "user:user-123") {
		t.Fatalf("expected per-user limiter key, got %+v", f.limiter.calls)
	}
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	f := setupRouter(t)
	f.router.limiter = NewMemoryRateLimiter()
	t.Cleanup(f.router.limiter.Close)

	statuses := make([]int, 0, 20)
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"nobody@example.com","password":"wrong-password"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		req.RemoteAddr = "198.51.100.9:41234"
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		statuses = append(statuses, rr.Code)
	}
	for i, code := range statuses {
		want := http.StatusUnauthorized
		if i >= ruleLogin.limit {
			want = http.StatusTooManyRequests
		}
		if code != want {
			t.Fatalf("request %d: expected %d, got %d (all: %v)", i+1, want, code, statuses)
		}
	}
}

func TestRateLimitKeyUsesPeerAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/published/p", nil)
	req.RemoteAddr = "198.51.100.9:41234"
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 198.51.100.9")
	if got := rateLimitKeyIP(req); got != "ip:198.51.100.9" {
		t.Fatalf("expected peer address key, got %q", got)
	}
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected forwarded address for logging, got %q", got)
	}
}

func TestPublishToggleDeploysForProUsers(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", CustomDomain: "example.com", CurrentCode: "<p>hi</p>"})
	f.agent.result = domain.DeployResult{Success: true, Domain: "example.com"}

	rr := f.do(http.MethodPost, "/projects/proj-1/publish-toggle", ``, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["isPublished"] != true {
		t.Fatalf("expected project to be published, got %v", body)
	}
	result, ok := body["deploy"].(map[string]any)
	if !ok || result["success"] != true {
		t.Fatalf("expected embedded deploy result, got %v", body["deploy"])
	}

	rr = f.do(http.MethodPost, "/projects/proj-1/publish-toggle", ``, true)
	body = decodeBody(t, rr)
	if body["isPublished"] != false || f.agent.undeployCalls != 1 {
		t.Fatalf("expected unpublish to undeploy, got %v (undeploys=%d)", body, f.agent.undeployCalls)
	}
}

func TestPublishToggleSkipsDeployForBasicPlan(t *testing.T) {
	f := setupRouter(t)
	f.plans.planID = "basic"
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", CustomDomain: "example.com", CurrentCode: "<p>hi</p>"})

	rr := f.do(http.MethodPost, "/projects/proj-1/publish-toggle", ``, true)
	body := decodeBody(t, rr)
	if _, ok := body["deploy"]; ok {
		t.Fatalf("basic users must not trigger a deploy, got %v", body)
	}
	if f.agent.deployCalls != 0 {
		t.Fatalf("agent must not be called")
	}
}

func TestProjectLifecycleRoutes(t *testing.T) {
	f := setupRouter(t)

	rr := f.do(http.MethodPost, "/projects", `{"name":"Bakery","initialPrompt":"a bakery"}`, true)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	id, _ := decodeBody(t, rr)["id"].(string)
	if id == "" {
		t.Fatalf("expected project id")
	}

	rr = f.do(http.MethodPut, "/projects/"+id, `{"code":"<h1>Bakery</h1>","customDomain":"https://Bakery.Example.com/"}`, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decodeBody(t, rr)["customDomain"]; got != "bakery.example.com" {
		t.Fatalf("expected normalised domain, got %v", got)
	}

	rr = f.do(http.MethodPut, "/projects/"+id, `{"code":"<h1>Bakery</h1>","customDomain":"not a domain"}`, true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad domain, got %d", rr.Code)
	}

	rr = f.do(http.MethodGet, "/published/"+id, ``, false)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected unpublished page to be hidden, got %d", rr.Code)
	}

	rr = f.do(http.MethodGet, "/projects/unknown", ``, true)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = f.do(http.MethodDelete, "/projects/"+id, ``, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rr.Code)
	}
}

func TestProjectsRequireAuth(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(http.MethodGet, "/projects", ``, false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestUserPlanRoute(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(http.MethodGet, "/user/plan", ``, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["plan"] != "pro" || body["canDeploy"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestUserCreditsRoute(t *testing.T) {
	f := setupRouter(t)
	if rr := f.do(http.MethodGet, "/user/credits", "", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr := f.do(http.MethodGet, "/user/credits", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["credits"] != float64(17) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSaveProjectReportsDomainConflict(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", Name: "Shop"})
	f.projects.saveErr = repository.ErrConflict

	rr := f.do(http.MethodPut, "/projects/proj-1", `{"code":"<p>x</p>","customDomain":"shop.example.com"}`, true)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["error"] != "custom domain is already used by another project" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestProjectVersionsAndRollback(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "proj-1", OwnerID: "user-123", Name: "Shop"})

	for _, code := range []string{"<p>one</p>", "<p>two</p>"} {
		payload := fmt.Sprintf(`{"code":%q}`, code)
		if rr := f.do(http.MethodPut, "/projects/proj-1", payload, true); rr.Code != http.StatusOK {
			t.Fatalf("save failed: %d %s", rr.Code, rr.Body.String())
		}
	}

	rr := f.do(http.MethodGet, "/projects/proj-1/versions", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var versions []versionView
	if err := json.Unmarshal(rr.Body.Bytes(), &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Current || !versions[1].Current {
		t.Fatalf("unexpected versions %+v", versions)
	}

	rr = f.do(http.MethodPost, "/projects/proj-1/versions/"+versions[0].ID+"/rollback", "", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	restored, _ := body["project"].(map[string]any)
	if body["message"] != "Version rolled back" || restored["currentCode"] != "<p>one</p>" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = f.do(http.MethodPost, "/projects/proj-1/versions/nope/rollback", "", true)
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error"] != "version not found" {
		t.Fatalf("expected version not found, got %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(http.MethodPost, "/projects/other/versions/"+versions[0].ID+"/rollback", "", true)
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error"] != "project not found" {
		t.Fatalf("expected project not found, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(http.MethodGet, "/projects/proj-1/versions", "", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestPublishedListIsPublicAndHidesOwner(t *testing.T) {
	f := setupRouter(t)
	f.projects.put(domain.Project{ID: "live", OwnerID: "user-123", Name: "Live", IsPublished: true, CurrentCode: "<p>secret draft</p>"})
	f.projects.put(domain.Project{ID: "draft", OwnerID: "user-123", Name: "Draft"})

	rr := f.do(http.MethodGet, "/published", "", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != "live" {
		t.Fatalf("unexpected listing %v", list)
	}
	for _, key := range []string{"ownerId", "userId", "currentCode"} {
		if _, ok := list[0][key]; ok {
			t.Fatalf("listing must not expose %q", key)
		}
	}

	for _, q := range []string{"0", "-1", "ten"} {
		if rr := f.do(http.MethodGet, "/published?limit="+q, "", false); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for limit %q, got %d", q, rr.Code)
		}
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	f := setupRouter(t)
	f.router.dbHealth = func(context.Context) error { return errors.New("connection refused") }
	rr := f.do(http.MethodGet, "/healthz", ``, false)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "degraded" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := &memoryRateLimiter{entries: map[string]rateState{}, stopCh: make(chan struct{}), now: func() time.Time { return now }}
	defer rl.Close()

	for i := 0; i < 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.allowed || d.count != 2 {
		t.Fatalf("third request should be refused, got %+v", d)
	}
	now = now.Add(time.Minute)
	if d := rl.Allow("k", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("new window should reset the count, got %+v", d)
	}
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type userRepoStub struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newUserRepoStub() *userRepoStub {
	return &userRepoStub{users: make(map[string]*domain.User)}
}

func (u *userRepoStub) CreateUser(_ context.Context, user *domain.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user.ID] = user
	return nil
}

func (u *userRepoStub) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, user := range u.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (u *userRepoStub) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.users[id]; ok {
		return user, nil
	}
	return nil, repository.ErrNotFound
}

type transactionRepoStub struct {
	planID string
	err    error
}

func (s *transactionRepoStub) LatestPaidPlanID(context.Context, string, []string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.planID, nil
}

type projectRepoStub struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	versions map[string][]domain.ProjectVersion
	saveErr  error
}

func newProjectRepoStub() *projectRepoStub {
	return &projectRepoStub{
		projects: make(map[string]domain.Project),
		versions: make(map[string][]domain.ProjectVersion),
	}
}

func (s *projectRepoStub) put(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *projectRepoStub) owned(projectID, ownerID string) (domain.Project, error) {
	p, ok := s.projects[projectID]
	if !ok || p.OwnerID != ownerID {
		return domain.Project{}, repository.ErrNotFound
	}
	return p, nil
}

func (s *projectRepoStub) CreateProject(_ context.Context, p *domain.Project, initial *domain.ProjectVersion) error {
	s.put(*p)
	if initial != nil {
		s.mu.Lock()
		s.versions[p.ID] = append(s.versions[p.ID], *initial)
		s.mu.Unlock()
	}
	return nil
}

func (s *projectRepoStub) GetProjectForOwner(_ context.Context, projectID, ownerID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *projectRepoStub) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *projectRepoStub) SaveProjectContent(_ context.Context, projectID, ownerID, customDomain string, version domain.ProjectVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return err
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	p.CurrentCode, p.CustomDomain, p.CurrentVersionID = version.Code, customDomain, version.ID
	s.projects[projectID] = p
	s.versions[projectID] = append(s.versions[projectID], version)
	return nil
}

func (s *projectRepoStub) ListProjectVersions(_ context.Context, projectID, ownerID string) ([]domain.ProjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(projectID, ownerID); err != nil {
		return nil, err
	}
	return append([]domain.ProjectVersion(nil), s.versions[projectID]...), nil
}

func (s *projectRepoStub) RollbackProject(_ context.Context, projectID, ownerID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return err
	}
	for _, v := range s.versions[projectID] {
		if v.ID == versionID {
			p.CurrentCode, p.CurrentVersionID = v.Code, v.ID
			s.projects[projectID] = p
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *projectRepoStub) ListPublishedProjects(_ context.Context, limit int) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0)
	for _, p := range s.projects {
		if p.IsPublished && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *projectRepoStub) TogglePublished(_ context.Context, projectID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return false, err
	}
	p.IsPublished = !p.IsPublished
	s.projects[projectID] = p
	return p.IsPublished, nil
}

func (s *projectRepoStub) DeleteProject(_ context.Context, projectID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(projectID, ownerID); err != nil {
		return err
	}
	delete(s.projects, projectID)
	return nil
}

func (s *projectRepoStub) UpdateDeployMetadata(_ context.Context, projectID, ownerID string, meta domain.DeployMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return err
	}
	p.Deploy = meta
	s.projects[projectID] = p
	return nil
}

func (s *projectRepoStub) ClearDeployMetadata(_ context.Context, projectID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.owned(projectID, ownerID)
	if err != nil {
		return err
	}
	p.Deploy = domain.DeployMetadata{}
	s.projects[projectID] = p
	return nil
}

func (s *projectRepoStub) GetPublishedProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok || !p.IsPublished {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

type agentStub struct {
	mu            sync.Mutex
	result        domain.DeployResult
	err           error
	deployCalls   int
	undeployCalls int
	lastUndeploy  agent.UndeployRequest
}

func (a *agentStub) Deploy(_ context.Context, req agent.DeployRequest) (domain.DeployResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deployCalls++
	if a.err != nil {
		return domain.DeployResult{}, a.err
	}
	return a.result, nil
}

func (a *agentStub) Undeploy(_ context.Context, req agent.UndeployRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.undeployCalls++
	a.lastUndeploy = req
	return a.err
}
