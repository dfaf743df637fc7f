package repository

import (
	"context"

	"github.com/pagening/sitebuilder/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// TransactionRepository reads plan purchases.
type TransactionRepository interface {
	// LatestPaidPlanID returns the plan id of the newest paid transaction
	// whose plan id is one of planIDs, or ErrNotFound.
	LatestPaidPlanID(ctx context.Context, userID string, planIDs []string) (string, error)
}

// ProjectRepository persists landing-page projects. Every lookup and mutation
// is scoped by owner; a project owned by someone else is ErrNotFound.
type ProjectRepository interface {
	// CreateProject inserts the project and, when initial is non-nil, its
	// first version.
	CreateProject(ctx context.Context, project *domain.Project, initial *domain.ProjectVersion) error
	GetProjectForOwner(ctx context.Context, projectID, ownerID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	// SaveProjectContent records version and makes it the project's current
	// code alongside customDomain. A domain held by another project is
	// ErrConflict.
	SaveProjectContent(ctx context.Context, projectID, ownerID, customDomain string, version domain.ProjectVersion) error
	// ListProjectVersions returns versions oldest first.
	ListProjectVersions(ctx context.Context, projectID, ownerID string) ([]domain.ProjectVersion, error)
	// RollbackProject restores the code of versionID. A missing project or
	// version is ErrNotFound.
	RollbackProject(ctx context.Context, projectID, ownerID, versionID string) error
	TogglePublished(ctx context.Context, projectID, ownerID string) (bool, error)
	DeleteProject(ctx context.Context, projectID, ownerID string) error
	UpdateDeployMetadata(ctx context.Context, projectID, ownerID string, meta domain.DeployMetadata) error
	ClearDeployMetadata(ctx context.Context, projectID, ownerID string) error
	// GetPublishedProject ignores ownership: published pages are public.
	GetPublishedProject(ctx context.Context, projectID string) (*domain.Project, error)
	// ListPublishedProjects returns up to limit published projects, most
	// recently updated first.
	ListPublishedProjects(ctx context.Context, limit int) ([]domain.Project, error)
}
