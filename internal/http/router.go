package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
	"github.com/pagening/sitebuilder/internal/service/auth"
	"github.com/pagening/sitebuilder/internal/service/deploy"
	"github.com/pagening/sitebuilder/internal/service/plan"
	"github.com/pagening/sitebuilder/internal/service/project"
	"github.com/pagening/sitebuilder/pkg/crypto"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	auth          auth.Service
	plans         plan.Service
	projects      project.Service
	deploys       deploy.Service
	limiter       RateLimiter
	minDeployPlan domain.Plan
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 2 << 20
)

// NewRouter assembles routes with dependencies. A nil limiter means an
// in-memory one.
func NewRouter(logger *slog.Logger, authSvc auth.Service, planSvc plan.Service, projectSvc project.Service, deploySvc deploy.Service, limiter RateLimiter, minDeployPlan domain.Plan, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		auth:          authSvc,
		plans:         planSvc,
		projects:      projectSvc,
		deploys:       deploySvc,
		limiter:       limiter,
		minDeployPlan: minDeployPlan,
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.withRateLimit(ruleSignup, nil, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit(ruleLogin, nil, r.handleLogin)))
	r.mux.HandleFunc("/auth/refresh", r.audit("auth_refresh", r.withRateLimit(ruleRefresh, nil, r.handleRefresh)))
	r.mux.HandleFunc("/user/plan", r.audit("user_plan", r.handlerAuthRate(ruleRead, r.handleUserPlan)))
	r.mux.HandleFunc("/user/credits", r.audit("user_credits", r.handlerAuthRate(ruleRead, r.handleUserCredits)))

	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate(ruleWrite, r.handleProjects)))
	r.mux.HandleFunc("/projects/{id}", r.audit("project", r.handlerAuthRate(ruleWrite, r.handleProject)))
	r.mux.HandleFunc("/projects/{id}/publish-toggle", r.audit("project_publish_toggle", r.handlerAuthRate(ruleWrite, r.handlePublishToggle)))
	r.mux.HandleFunc("/projects/{id}/versions", r.audit("project_versions", r.handlerAuthRate(ruleRead, r.handleProjectVersions)))
	r.mux.HandleFunc("/projects/{id}/versions/{versionId}/rollback", r.audit("project_rollback", r.handlerAuthRate(ruleWrite, r.handleRollback)))
	r.mux.HandleFunc("/published", r.audit("published_list", r.withRateLimit(rulePublic, nil, r.handlePublishedList)))
	r.mux.HandleFunc("/published/{id}", r.audit("published", r.withRateLimit(rulePublic, nil, r.handlePublished)))

	r.mux.HandleFunc("/deploy-add", r.audit("deploy_add", r.requirePlan(r.withRateLimit(ruleDeploy, rateLimitKeyUser, r.handleDeployAdd))))
	r.mux.HandleFunc("/deploy-delete", r.audit("deploy_delete", r.requirePlan(r.withRateLimit(ruleDeploy, rateLimitKeyUser, r.handleDeployDelete))))
}

type tokensView struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int64  `json:"expiresIn"`
}

func newTokensView(tokens auth.TokenPair) tokensView {
	return tokensView{
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		ExpiresInSeconds: int64(tokens.ExpiresIn / time.Second),
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, crypto.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		r.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
		"tokens": newTokensView(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
		"tokens": newTokensView(tokens),
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": newTokensView(tokens)})
}

func (r *Router) handleUserPlan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	tier, err := r.plans.Resolve(req.Context(), info.UserID)
	if err != nil {
		r.logger.Error("plan resolution failed", "user_id", info.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":      tier,
		"canDeploy": tier.AtLeast(r.minDeployPlan),
	})
}

func (r *Router) handleUserCredits(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	credits, err := r.auth.Credits(req.Context(), info.UserID)
	if err != nil {
		r.logger.Error("load credits failed", "user_id", info.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits": credits})
}

type projectView struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	InitialPrompt string                 `json:"initialPrompt,omitempty"`
	CustomDomain  string                 `json:"customDomain,omitempty"`
	CurrentCode   string                 `json:"currentCode,omitempty"`
	IsPublished   bool                   `json:"isPublished"`
	Deploy        *domain.DeployMetadata `json:"deploy,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

func newProjectView(p domain.Project, withCode bool) projectView {
	view := projectView{
		ID:            p.ID,
		Name:          p.Name,
		InitialPrompt: p.InitialPrompt,
		CustomDomain:  p.CustomDomain,
		IsPublished:   p.IsPublished,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if withCode {
		view.CurrentCode = p.CurrentCode
	}
	if p.Deploy.Domain != "" {
		meta := p.Deploy
		view.Deploy = &meta
	}
	return view
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.List(req.Context(), info.UserID)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		views := make([]projectView, 0, len(projects))
		for _, p := range projects {
			views = append(views, newProjectView(p, false))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var payload struct {
			Name          string `json:"name"`
			InitialPrompt string `json:"initialPrompt"`
			Code          string `json:"code"`
		}
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), info.UserID, project.CreateInput{
			Name:          payload.Name,
			InitialPrompt: payload.InitialPrompt,
			Code:          payload.Code,
		})
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newProjectView(*created, true))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(req.PathValue("id"))
	switch req.Method {
	case http.MethodGet:
		p, err := r.projects.Get(req.Context(), projectID, info.UserID)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newProjectView(*p, true))
	case http.MethodPut:
		var payload struct {
			Code         string `json:"code"`
			CustomDomain string `json:"customDomain"`
		}
		if err := decodeJSON(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		p, err := r.projects.SaveCode(req.Context(), projectID, info.UserID, payload.Code, payload.CustomDomain)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newProjectView(*p, true))
	case http.MethodDelete:
		if err := r.projects.Delete(req.Context(), projectID, info.UserID); err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handlePublishToggle flips the published flag. For users allowed to deploy
// whose project has a custom domain, publishing also deploys the page and
// unpublishing takes it down.
func (r *Router) handlePublishToggle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(req.PathValue("id"))
	published, err := r.projects.TogglePublish(req.Context(), projectID, info.UserID)
	if err != nil {
		r.writeProjectError(w, err)
		return
	}
	body := map[string]any{"isPublished": published}

	p, err := r.projects.Get(req.Context(), projectID, info.UserID)
	if err != nil || !p.HasCustomDomain() {
		writeJSON(w, http.StatusOK, body)
		return
	}
	allowed, err := r.plans.HasAtLeast(req.Context(), info.UserID, r.minDeployPlan)
	if err != nil {
		r.logger.Warn("skipping deploy after publish toggle", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusOK, body)
		return
	}
	if !allowed {
		writeJSON(w, http.StatusOK, body)
		return
	}
	if published {
		body["deploy"] = r.deploys.Deploy(req.Context(), projectID, info.UserID)
	} else {
		body["deploy"] = r.deploys.Undeploy(req.Context(), projectID, info.UserID, false)
	}
	writeJSON(w, http.StatusOK, body)
}

type versionView struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	Current     bool      `json:"current"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (r *Router) handleProjectVersions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(req.PathValue("id"))
	p, err := r.projects.Get(req.Context(), projectID, info.UserID)
	if err != nil {
		r.writeProjectError(w, err)
		return
	}
	versions, err := r.projects.ListVersions(req.Context(), projectID, info.UserID)
	if err != nil {
		r.writeProjectError(w, err)
		return
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, versionView{
			ID:          v.ID,
			Description: v.Description,
			Code:        v.Code,
			Current:     v.ID == p.CurrentVersionID,
			CreatedAt:   v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	p, err := r.projects.Rollback(req.Context(), req.PathValue("id"), info.UserID, req.PathValue("versionId"))
	if err != nil {
		r.writeProjectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Version rolled back",
		"project": newProjectView(*p, true),
	})
}

// publishedView is the public gallery entry; it never exposes the owner.
type publishedView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CustomDomain string    `json:"customDomain,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r *Router) handlePublishedList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	projects, err := r.projects.ListPublished(req.Context(), limit)
	if err != nil {
		r.logger.Error("list published projects failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list published projects")
		return
	}
	views := make([]publishedView, 0, len(projects))
	for _, p := range projects {
		views = append(views, publishedView{ID: p.ID, Name: p.Name, CustomDomain: p.CustomDomain, UpdatedAt: p.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handlePublished(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	code, err := r.projects.PublishedCode(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, project.ErrNotPublished) || errors.Is(err, project.ErrMissingProjectID) {
			writeError(w, http.StatusNotFound, "page not found")
			return
		}
		r.logger.Error("load published page failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load page")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (r *Router) handleDeployAdd(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := decodeJSON(w, req, &payload); err != nil || strings.TrimSpace(payload.ProjectID) == "" {
		writeFailure(w, http.StatusBadRequest, "projectId is required")
		return
	}
	writeResult(w, r.deploys.Deploy(req.Context(), strings.TrimSpace(payload.ProjectID), info.UserID))
}

func (r *Router) handleDeployDelete(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		ProjectID   string `json:"projectId"`
		DeleteFiles bool   `json:"deleteFiles"`
	}
	if err := decodeJSON(w, req, &payload); err != nil || strings.TrimSpace(payload.ProjectID) == "" {
		writeFailure(w, http.StatusBadRequest, "projectId is required")
		return
	}
	writeResult(w, r.deploys.Undeploy(req.Context(), strings.TrimSpace(payload.ProjectID), info.UserID, payload.DeleteFiles))
}

func writeResult(w http.ResponseWriter, res deploy.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) requireAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) writeProjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, project.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "version not found")
	case errors.Is(err, project.ErrNameRequired),
		errors.Is(err, project.ErrCodeRequired),
		errors.Is(err, project.ErrInvalidDomain),
		errors.Is(err, project.ErrMissingProjectID),
		errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "custom domain is already used by another project")
	default:
		r.logger.Error("project operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	if req.Body == nil {
		return io.EOF
	}
	return json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(dst)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		fields := []any{
			"method", req.Method,
			"route", route,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
