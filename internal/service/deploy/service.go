// Package deploy publishes landing pages to custom domains through the remote
// deploy agent. Every outcome is reported as a Result; callers never see the
// agent's errors directly.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
	"github.com/pagening/sitebuilder/internal/service/agent"
	"github.com/pagening/sitebuilder/pkg/config"
)

// Operation labels used for logging and metrics.
const (
	OpDeploy   = "deploy"
	OpUndeploy = "undeploy"
)

// Outcome labels reported to the Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeBusy     = "busy"
	OutcomeFailed   = "failed"
)

const (
	msgNoDomain       = "Project has no Custom Domain configured. To make it professional you need to set up one."
	msgNoCode         = "Project has no HTML content (current code is empty). Publish the page first."
	msgBusy           = "A deployment for this project is already in progress. Please wait for it to finish."
	msgUndeployAbsent = "Project or custom domain not found."
	defaultLockTTL    = 2 * time.Minute
)

// ProjectStore is the part of the project repository the orchestrator needs.
type ProjectStore interface {
	GetProjectForOwner(ctx context.Context, projectID, ownerID string) (*domain.Project, error)
	UpdateDeployMetadata(ctx context.Context, projectID, ownerID string, meta domain.DeployMetadata) error
	ClearDeployMetadata(ctx context.Context, projectID, ownerID string) error
}

// Agent is implemented by *agent.Client.
type Agent interface {
	Deploy(ctx context.Context, req agent.DeployRequest) (domain.DeployResult, error)
	Undeploy(ctx context.Context, req agent.UndeployRequest) error
}

// Recorder observes deploy outcomes. The HTTP layer backs it with Prometheus.
type Recorder interface {
	ObserveDeploy(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDeploy(string, string) {}

// Result is the caller-facing outcome of a deploy or undeploy.
type Result struct {
	Success         bool                    `json:"success"`
	Message         string                  `json:"message"`
	Domain          string                  `json:"domain,omitempty"`
	DNSInstructions *domain.DNSInstructions `json:"dnsInstructions,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

func succeeded(message, domainName string, dns *domain.DNSInstructions) Result {
	return Result{Success: true, Message: message, Domain: domainName, DNSInstructions: dns}
}

func failed(message string) Result {
	return Result{Message: message}
}

func failedWith(message string, cause error) Result {
	return Result{Message: message, Error: cause.Error()}
}

// Service orchestrates deploys for project owners.
type Service struct {
	projects ProjectStore
	agent    Agent
	locker   Locker
	recorder Recorder
	logger   *slog.Logger
	lockTTL  time.Duration
	now      func() time.Time
}

// New returns a deploy orchestrator. A nil locker means an in-process one and
// a nil recorder discards observations.
func New(projects ProjectStore, agentClient Agent, locker Locker, recorder Recorder, logger *slog.Logger, cfg config.APIConfig) Service {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	ttl := cfg.DeployLockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return Service{
		projects: projects,
		agent:    agentClient,
		locker:   locker,
		recorder: recorder,
		logger:   logger,
		lockTTL:  ttl,
		now:      time.Now,
	}
}

// Deploy publishes the project's current code at its custom domain. Running it
// again with the same input overwrites the site and succeeds again.
func (s Service) Deploy(ctx context.Context, projectID, userID string) Result {
	project, err := s.projects.GetProjectForOwner(ctx, projectID, userID)
	if err != nil {
		s.logLookupError(OpDeploy, projectID, userID, err)
		return s.finish(OpDeploy, OutcomeNotFound, failed("Project not found: "+projectID))
	}
	if !project.HasCustomDomain() {
		return s.finish(OpDeploy, OutcomeInvalid, failed(msgNoDomain))
	}
	if !project.HasCode() {
		return s.finish(OpDeploy, OutcomeInvalid, failed(msgNoCode))
	}
	requested := strings.TrimSpace(project.CustomDomain)

	release, ok := s.acquire(ctx, projectID)
	if !ok {
		return s.finish(OpDeploy, OutcomeBusy, failed(msgBusy))
	}
	defer release()

	res, err := s.agent.Deploy(ctx, agent.DeployRequest{
		ProjectID:    project.ID,
		CustomDomain: requested,
		HTMLContent:  project.CurrentCode,
	})
	if err != nil {
		s.logger.Error("deploy agent call failed", "project_id", projectID, "domain", requested, "error", err)
		return s.finish(OpDeploy, OutcomeFailed, failedWith("Deployment failed: "+err.Error(), err))
	}

	deployed := strings.TrimSpace(res.Domain)
	if deployed == "" {
		deployed = requested
	}
	deployedAt := s.now().UTC()
	meta := domain.DeployMetadata{Domain: deployed, ServerIP: res.DNSInstructions.ServerIP, DeployedAt: &deployedAt}
	if err := s.projects.UpdateDeployMetadata(ctx, projectID, userID, meta); err != nil {
		s.logger.Warn("record deploy metadata failed", "project_id", projectID, "domain", deployed, "error", err)
	}

	s.logger.Info("landing page deployed", "project_id", projectID, "user_id", userID, "domain", deployed)
	return s.finish(OpDeploy, OutcomeSuccess, succeeded(
		fmt.Sprintf("Landing page deployed successfully for %s", deployed),
		deployed,
		dnsOrNil(res.DNSInstructions),
	))
}

// Undeploy removes the project's site from the agent. Files are kept unless
// deleteFiles is set.
func (s Service) Undeploy(ctx context.Context, projectID, userID string, deleteFiles bool) Result {
	project, err := s.projects.GetProjectForOwner(ctx, projectID, userID)
	if err != nil {
		s.logLookupError(OpUndeploy, projectID, userID, err)
		return s.finish(OpUndeploy, OutcomeNotFound, failed(msgUndeployAbsent))
	}
	if !project.HasCustomDomain() {
		return s.finish(OpUndeploy, OutcomeNotFound, failed(msgUndeployAbsent))
	}
	customDomain := strings.TrimSpace(project.CustomDomain)

	release, ok := s.acquire(ctx, projectID)
	if !ok {
		return s.finish(OpUndeploy, OutcomeBusy, failed(msgBusy))
	}
	defer release()

	err = s.agent.Undeploy(ctx, agent.UndeployRequest{
		ProjectID:    project.ID,
		CustomDomain: customDomain,
		DeleteFiles:  deleteFiles,
	})
	if err != nil {
		s.logger.Error("undeploy agent call failed", "project_id", projectID, "domain", customDomain, "error", err)
		return s.finish(OpUndeploy, OutcomeFailed, failedWith("Undeploy failed: "+err.Error(), err))
	}

	if err := s.projects.ClearDeployMetadata(ctx, projectID, userID); err != nil {
		s.logger.Warn("clear deploy metadata failed", "project_id", projectID, "domain", customDomain, "error", err)
	}

	s.logger.Info("landing page undeployed", "project_id", projectID, "user_id", userID, "domain", customDomain, "delete_files", deleteFiles)
	return s.finish(OpUndeploy, OutcomeSuccess, succeeded(
		fmt.Sprintf("Site for %s removed from the Web Configuration.", customDomain),
		customDomain,
		nil,
	))
}

func (s Service) acquire(ctx context.Context, projectID string) (func(), bool) {
	release, ok, err := s.locker.TryLock(ctx, projectID, s.lockTTL)
	if err != nil {
		s.logger.Warn("deploy lock unavailable", "project_id", projectID, "error", err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return release, true
}

func (s Service) logLookupError(op, projectID, userID string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("project not found", "op", op, "project_id", projectID, "user_id", userID)
		return
	}
	s.logger.Error("load project failed", "op", op, "project_id", projectID, "user_id", userID, "error", err)
}

func (s Service) finish(op, outcome string, res Result) Result {
	s.recorder.ObserveDeploy(op, outcome)
	return res
}

func dnsOrNil(dns domain.DNSInstructions) *domain.DNSInstructions {
	if dns.ServerIP == "" && len(dns.Records) == 0 && dns.CheckURL == "" && dns.PropagationNote == "" {
		return nil
	}
	return &dns
}
