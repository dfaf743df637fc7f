// Package agent talks to the remote deploy agent that serves published pages.
//
// The agent lives on another host. It owns the reverse-proxy routes, TLS
// certificates and the static files; this package only knows its base URL and
// the shared secret used to authenticate every request.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/pkg/config"
)

// SecretHeader carries the shared deploy secret.
const SecretHeader = "X-Deploy-Secret"

const (
	deployPath       = "/deploy"
	maxResponseBytes = 1 << 20
	defaultTimeout   = 60 * time.Second
	unknownReason    = "unknown error"
)

var (
	// ErrNotConfigured marks a missing agent setting. It is an operator
	// problem and retrying cannot help.
	ErrNotConfigured   = errors.New("deploy agent not configured")
	ErrAgentURLMissing = fmt.Errorf("%w: DEPLOY_AGENT_URL is not configured", ErrNotConfigured)
	ErrSecretMissing   = fmt.Errorf("%w: DEPLOY_SECRET is not configured", ErrNotConfigured)
)

// AgentError is a rejection reported by the deploy agent.
type AgentError struct {
	Op     string
	Status int
	Reason string
}

func (e *AgentError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = unknownReason
	}
	return fmt.Sprintf("%s agent returned %d: %s", e.Op, e.Status, reason)
}

// DeployRequest asks the agent to create or overwrite the site for a project.
type DeployRequest struct {
	ProjectID    string `json:"projectId"`
	CustomDomain string `json:"customDomain"`
	HTMLContent  string `json:"htmlContent"`
}

// UndeployRequest asks the agent to drop the route for a project.
type UndeployRequest struct {
	ProjectID    string `json:"projectId"`
	CustomDomain string `json:"customDomain"`
	DeleteFiles  bool   `json:"deleteFiles,omitempty"`
}

// Client issues authenticated requests to one deploy agent.
type Client struct {
	baseURL    string
	secret     string
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

// New builds a Client from configuration. Missing settings are not an error
// here; they are reported by the first Deploy or Undeploy call.
func New(cfg config.APIConfig, opts ...Option) *Client {
	timeout := cfg.DeployAgentTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.DeployAgentURL), "/"),
		secret:     strings.TrimSpace(cfg.DeploySecret),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether both the agent URL and the secret are set.
func (c *Client) Configured() error {
	if c.baseURL == "" {
		return ErrAgentURLMissing
	}
	if c.secret == "" {
		return ErrSecretMissing
	}
	return nil
}

// Deploy creates or overwrites the agent's site for req.ProjectID.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (domain.DeployResult, error) {
	if err := c.Configured(); err != nil {
		return domain.DeployResult{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, req)
	if err != nil {
		return domain.DeployResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.DeployResult{}, fmt.Errorf("read deploy agent response: %w", err)
	}
	var result domain.DeployResult
	decodeErr := json.Unmarshal(body, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.DeployResult{}, &AgentError{Op: "Deploy", Status: resp.StatusCode, Reason: reasonFrom(body, result.Error, decodeErr)}
	}
	if decodeErr != nil {
		return domain.DeployResult{}, fmt.Errorf("decode deploy agent response: %w", decodeErr)
	}
	if !result.Success {
		return domain.DeployResult{}, &AgentError{Op: "Deploy", Status: resp.StatusCode, Reason: strings.TrimSpace(result.Error)}
	}
	return result, nil
}

// Undeploy removes the agent's route for req.ProjectID, and its files when
// req.DeleteFiles is set.
func (c *Client) Undeploy(ctx context.Context, req UndeployRequest) error {
	if err := c.Configured(); err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	var payload struct {
		Error string `json:"error"`
	}
	decodeErr := json.Unmarshal(body, &payload)
	return &AgentError{Op: "Undeploy", Status: resp.StatusCode, Reason: reasonFrom(body, payload.Error, decodeErr)}
}

func (c *Client) do(ctx context.Context, method string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode deploy agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+deployPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create deploy agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact deploy agent: %w", err)
	}
	return resp, nil
}

// reasonFrom picks the agent's error string, falling back to the raw body
// when it was not JSON.
func reasonFrom(body []byte, reported string, decodeErr error) string {
	if reason := strings.TrimSpace(reported); reason != "" {
		return reason
	}
	if decodeErr != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	return ""
}
