package project

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/google/uuid"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name          string
	InitialPrompt string
	Code          string
}

var (
	ErrNameRequired     = errors.New("project name is required")
	ErrCodeRequired     = errors.New("code is required")
	ErrInvalidDomain    = errors.New("custom domain must be a valid hostname such as www.example.com")
	ErrMissingProjectID = errors.New("project id required")
	ErrMissingOwnerID   = errors.New("owner id required")
	ErrNotPublished     = errors.New("project is not published")
	ErrVersionNotFound  = errors.New("version not found")
)

const (
	maxProjectNameLength = 120

	// DefaultPublishedLimit caps the public listing when no limit is given.
	DefaultPublishedLimit = 50
	maxPublishedLimit     = 200
)

// Service handles the owner-facing lifecycle of landing-page projects.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger) Service {
	return Service{projects: projects, logger: logger}
}

// Create stores a new unpublished project for ownerID.
func (s Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.Project, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrMissingOwnerID
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	name = truncateRunes(name, maxProjectNameLength)
	now := time.Now().UTC()
	project := &domain.Project{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Name:          name,
		InitialPrompt: strings.TrimSpace(input.InitialPrompt),
		CurrentCode:   input.Code,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var initial *domain.ProjectVersion
	if project.HasCode() {
		initial = &domain.ProjectVersion{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			Code:        project.CurrentCode,
			Description: "Initial version",
			CreatedAt:   now,
		}
		project.CurrentVersionID = initial.ID
	}
	if err := s.projects.CreateProject(ctx, project, initial); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "user_id", ownerID)
	return project, nil
}

// Get returns one of the owner's projects.
func (s Service) Get(ctx context.Context, projectID, ownerID string) (*domain.Project, error) {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return nil, err
	}
	return s.projects.GetProjectForOwner(ctx, projectID, ownerID)
}

// List returns the owner's projects.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.Project, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrMissingOwnerID
	}
	return s.projects.ListProjectsByOwner(ctx, ownerID)
}

// SaveCode replaces the project's HTML and custom domain and records the
// HTML as a new version. An empty domain clears it.
func (s Service) SaveCode(ctx context.Context, projectID, ownerID, code, customDomain string) (*domain.Project, error) {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrCodeRequired
	}
	normalized, err := NormalizeDomain(customDomain)
	if err != nil {
		return nil, err
	}
	version := domain.ProjectVersion{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Code:        code,
		Description: "Saved changes",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.projects.SaveProjectContent(ctx, projectID, ownerID, normalized, version); err != nil {
		return nil, err
	}
	s.logger.Info("project code saved", "project_id", projectID, "user_id", ownerID, "domain", normalized, "version_id", version.ID)
	return s.projects.GetProjectForOwner(ctx, projectID, ownerID)
}

// ListVersions returns the project's saved versions, oldest first.
func (s Service) ListVersions(ctx context.Context, projectID, ownerID string) ([]domain.ProjectVersion, error) {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.projects.GetProjectForOwner(ctx, projectID, ownerID); err != nil {
		return nil, err
	}
	return s.projects.ListProjectVersions(ctx, projectID, ownerID)
}

// Rollback makes versionID the project's current code. A missing project is
// repository.ErrNotFound; a version the project does not have is
// ErrVersionNotFound.
func (s Service) Rollback(ctx context.Context, projectID, ownerID, versionID string) (*domain.Project, error) {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return nil, err
	}
	versionID = strings.TrimSpace(versionID)
	if _, err := s.projects.GetProjectForOwner(ctx, projectID, ownerID); err != nil {
		return nil, err
	}
	if versionID == "" {
		return nil, ErrVersionNotFound
	}
	if err := s.projects.RollbackProject(ctx, projectID, ownerID, versionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	s.logger.Info("project rolled back", "project_id", projectID, "user_id", ownerID, "version_id", versionID)
	return s.projects.GetProjectForOwner(ctx, projectID, ownerID)
}

// ListPublished returns published projects for the public gallery. limit is
// clamped to (0, maxPublishedLimit]; zero or negative uses
// DefaultPublishedLimit.
func (s Service) ListPublished(ctx context.Context, limit int) ([]domain.Project, error) {
	switch {
	case limit <= 0:
		limit = DefaultPublishedLimit
	case limit > maxPublishedLimit:
		limit = maxPublishedLimit
	}
	return s.projects.ListPublishedProjects(ctx, limit)
}

// TogglePublish flips the published flag and returns the new value.
func (s Service) TogglePublish(ctx context.Context, projectID, ownerID string) (bool, error) {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return false, err
	}
	published, err := s.projects.TogglePublished(ctx, projectID, ownerID)
	if err != nil {
		return false, err
	}
	s.logger.Info("project publish toggled", "project_id", projectID, "user_id", ownerID, "published", published)
	return published, nil
}

// Delete removes the owner's project.
func (s Service) Delete(ctx context.Context, projectID, ownerID string) error {
	projectID, ownerID, err := scope(projectID, ownerID)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, projectID, ownerID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID, "user_id", ownerID)
	return nil
}

// PublishedCode returns the HTML of a published project to anyone.
// Unpublished projects and projects without code are ErrNotPublished.
func (s Service) PublishedCode(ctx context.Context, projectID string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", ErrMissingProjectID
	}
	project, err := s.projects.GetPublishedProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotPublished
		}
		return "", err
	}
	if !project.IsPublished || !project.HasCode() {
		return "", ErrNotPublished
	}
	return project.CurrentCode, nil
}

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func scope(projectID, ownerID string) (string, string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", "", ErrMissingProjectID
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", "", ErrMissingOwnerID
	}
	return projectID, ownerID, nil
}

// NormalizeDomain lower-cases raw and strips a scheme, path and trailing dot.
// The result must be a hostname with at least two labels; "" stays "".
func NormalizeDomain(raw string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return "", nil
	}
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(host, ".")
	if !validHostname(host) {
		return "", ErrInvalidDomain
	}
	return host, nil
}

func validHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
