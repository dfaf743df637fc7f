package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:4000"

// Client provides typed access to the site builder API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// deploys block on the remote agent
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractError prefers the human-readable "message" of a failed deploy
// result and falls back to "error", then to the raw body.
func extractError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(payload.Error)
}

// TokenPair contains issued credentials.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// Signup registers an account and returns its first tokens.
func (c *Client) Signup(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/signup", map[string]string{"email": email, "password": password}, "", &resp)
	return resp, err
}

// Login exchanges credentials for tokens.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, "", &resp)
	return resp, err
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, "", &resp)
	return resp.Tokens, err
}

// PlanInfo is the caller's resolved subscription tier.
type PlanInfo struct {
	Plan      string `json:"plan"`
	CanDeploy bool   `json:"canDeploy"`
}

// Plan returns the caller's plan tier.
func (c *Client) Plan(ctx context.Context, token string) (PlanInfo, error) {
	var resp PlanInfo
	err := c.do(ctx, http.MethodGet, "/user/plan", nil, token, &resp)
	return resp, err
}

// Credits returns the caller's remaining generation credits.
func (c *Client) Credits(ctx context.Context, token string) (int, error) {
	var resp struct {
		Credits int `json:"credits"`
	}
	err := c.do(ctx, http.MethodGet, "/user/credits", nil, token, &resp)
	return resp.Credits, err
}

// DeployInfo is the last successful deploy recorded for a project.
type DeployInfo struct {
	Domain     string     `json:"domain"`
	ServerIP   string     `json:"serverIp"`
	DeployedAt *time.Time `json:"deployedAt"`
}

// Project mirrors the API project representation.
type Project struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	InitialPrompt string      `json:"initialPrompt"`
	CustomDomain  string      `json:"customDomain"`
	CurrentCode   string      `json:"currentCode"`
	IsPublished   bool        `json:"isPublished"`
	Deploy        *DeployInfo `json:"deploy"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// CreateProjectInput captures project creation fields.
type CreateProjectInput struct {
	Name          string `json:"name"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	Code          string `json:"code,omitempty"`
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects)
	return projects, err
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodPost, "/projects", input, token, &project)
	return project, err
}

// GetProject fetches one project including its code.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID), nil, token, &project)
	return project, err
}

// SaveProject replaces the project's code and custom domain.
func (c *Client) SaveProject(ctx context.Context, token, projectID, code, customDomain string) (Project, error) {
	var project Project
	body := map[string]string{"code": code, "customDomain": customDomain}
	err := c.do(ctx, http.MethodPut, projectPath(projectID), body, token, &project)
	return project, err
}

// DeleteProject removes a project.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID), nil, token, nil)
}

// Version is one saved snapshot of a project's code.
type Version struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	Current     bool      `json:"current"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListVersions returns the project's versions, oldest first.
func (c *Client) ListVersions(ctx context.Context, token, projectID string) ([]Version, error) {
	var versions []Version
	err := c.do(ctx, http.MethodGet, projectPath(projectID)+"/versions", nil, token, &versions)
	return versions, err
}

// Rollback restores a saved version and returns the updated project.
func (c *Client) Rollback(ctx context.Context, token, projectID, versionID string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	path := projectPath(projectID) + "/versions/" + url.PathEscape(strings.TrimSpace(versionID)) + "/rollback"
	err := c.do(ctx, http.MethodPost, path, nil, token, &resp)
	return resp.Project, err
}

// PublishedProject is an entry of the public gallery.
type PublishedProject struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CustomDomain string    `json:"customDomain"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ListPublished returns published projects. limit <= 0 uses the server default.
func (c *Client) ListPublished(ctx context.Context, limit int) ([]PublishedProject, error) {
	path := "/published"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var projects []PublishedProject
	err := c.do(ctx, http.MethodGet, path, nil, "", &projects)
	return projects, err
}

// PublishResult is returned by TogglePublish. Deploy is set when the toggle
// also deployed or removed the site.
type PublishResult struct {
	IsPublished bool          `json:"isPublished"`
	Deploy      *DeployResult `json:"deploy"`
}

// TogglePublish flips the published flag.
func (c *Client) TogglePublish(ctx context.Context, token, projectID string) (PublishResult, error) {
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/publish-toggle", nil, token, &resp)
	return resp, err
}

// DNSRecord is one record the user must create.
type DNSRecord struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// DNSInstructions explains how to point a domain at the serving host.
type DNSInstructions struct {
	ServerIP        string      `json:"serverIp"`
	Records         []DNSRecord `json:"records"`
	PropagationNote string      `json:"propagationNote"`
	CheckURL        string      `json:"checkUrl"`
}

// DeployResult is the outcome of a deploy or undeploy.
type DeployResult struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message"`
	Domain          string           `json:"domain"`
	DNSInstructions *DNSInstructions `json:"dnsInstructions"`
	Error           string           `json:"error"`
}

// Deploy publishes the project at its custom domain.
func (c *Client) Deploy(ctx context.Context, token, projectID string) (DeployResult, error) {
	var resp DeployResult
	err := c.do(ctx, http.MethodPost, "/deploy-add", map[string]string{"projectId": projectID}, token, &resp)
	return resp, err
}

// Undeploy removes the project's site, and its files when deleteFiles is set.
func (c *Client) Undeploy(ctx context.Context, token, projectID string, deleteFiles bool) (DeployResult, error) {
	var resp DeployResult
	body := map[string]any{"projectId": projectID, "deleteFiles": deleteFiles}
	err := c.do(ctx, http.MethodDelete, "/deploy-delete", body, token, &resp)
	return resp, err
}

func projectPath(projectID string) string {
	return "/projects/" + url.PathEscape(strings.TrimSpace(projectID))
}
