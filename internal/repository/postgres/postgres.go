package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagening/sitebuilder/internal/domain"
	"github.com/pagening/sitebuilder/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.TransactionRepository = (*Repository)(nil)
	_ repository.ProjectRepository     = (*Repository)(nil)
)

const projectColumns = `id, user_id, name, initial_prompt, COALESCE(custom_domain, ''), COALESCE(current_code, ''),
	COALESCE(current_version_id::text, ''), is_published, COALESCE(deployed_domain, ''), COALESCE(deployed_server_ip, ''), last_deployed_at, created_at, updated_at`

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, password_hash, credits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.Name, user.PasswordHash, user.Credits, user.CreatedAt)
	return translateWriteError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, credits, created_at FROM users WHERE email = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, credits, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Credits, &u.CreatedAt); err != nil {
		return nil, translateReadError(err)
	}
	return &u, nil
}

// LatestPaidPlanID returns the plan of the user's newest paid transaction.
func (r *Repository) LatestPaidPlanID(ctx context.Context, userID string, planIDs []string) (string, error) {
	const query = `SELECT plan_id FROM transactions
		WHERE user_id = $1 AND is_paid = TRUE AND plan_id = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`
	var planID string
	if err := r.pool.QueryRow(ctx, query, userID, planIDs).Scan(&planID); err != nil {
		return "", translateReadError(err)
	}
	return planID, nil
}

// CreateProject inserts a project and its optional first version in one
// transaction.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project, initial *domain.ProjectVersion) error {
	if project == nil {
		return fmt.Errorf("project required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO website_projects (id, user_id, name, initial_prompt, custom_domain, current_code, current_version_id, is_published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, '')::uuid, $8, $9, $10)`
	if _, err := tx.Exec(ctx, query,
		project.ID,
		project.OwnerID,
		project.Name,
		project.InitialPrompt,
		project.CustomDomain,
		project.CurrentCode,
		project.CurrentVersionID,
		project.IsPublished,
		project.CreatedAt,
		project.UpdatedAt,
	); err != nil {
		return translateWriteError(err)
	}
	if initial != nil {
		if err := insertVersion(ctx, tx, initial); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetProjectForOwner fetches a project only if ownerID owns it.
func (r *Repository) GetProjectForOwner(ctx context.Context, projectID, ownerID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM website_projects WHERE id = $1 AND user_id = $2`
	return scanProject(r.pool.QueryRow(ctx, query, projectID, ownerID))
}

// GetPublishedProject fetches a published project regardless of owner.
func (r *Repository) GetPublishedProject(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM website_projects WHERE id = $1 AND is_published = TRUE`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// ListProjectsByOwner returns the owner's projects, most recently updated first.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM website_projects WHERE user_id = $1 ORDER BY updated_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, translateReadError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// SaveProjectContent stores version and points the project at it.
func (r *Repository) SaveProjectContent(ctx context.Context, projectID, ownerID, customDomain string, version domain.ProjectVersion) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `UPDATE website_projects
		SET current_code = NULLIF($3, ''), custom_domain = NULLIF($4, ''), current_version_id = $5, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`
	cmdTag, err := tx.Exec(ctx, query, projectID, ownerID, version.Code, customDomain, version.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return translateReadError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	version.ProjectID = projectID
	if err := insertVersion(ctx, tx, &version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListProjectVersions returns the versions of an owned project, oldest first.
func (r *Repository) ListProjectVersions(ctx context.Context, projectID, ownerID string) ([]domain.ProjectVersion, error) {
	const query = `SELECT v.id, v.project_id, v.code, v.description, v.created_at
		FROM project_versions v
		JOIN website_projects p ON p.id = v.project_id
		WHERE v.project_id = $1 AND p.user_id = $2
		ORDER BY v.created_at ASC, v.id ASC`
	rows, err := r.pool.Query(ctx, query, projectID, ownerID)
	if err != nil {
		return nil, translateReadError(err)
	}
	defer rows.Close()

	versions := make([]domain.ProjectVersion, 0)
	for rows.Next() {
		var v domain.ProjectVersion
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.Code, &v.Description, &v.CreatedAt); err != nil {
			return nil, translateReadError(err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// RollbackProject copies a stored version back into current_code. The join
// keeps a version of one project from being applied to another.
func (r *Repository) RollbackProject(ctx context.Context, projectID, ownerID, versionID string) error {
	const query = `UPDATE website_projects p
		SET current_code = v.code, current_version_id = v.id, updated_at = NOW()
		FROM project_versions v
		WHERE p.id = $1 AND p.user_id = $2 AND v.id = $3 AND v.project_id = p.id`
	return r.execOne(ctx, query, projectID, ownerID, versionID)
}

// ListPublishedProjects returns published projects across all owners.
func (r *Repository) ListPublishedProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM website_projects
		WHERE is_published = TRUE
		ORDER BY updated_at DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, translateReadError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

func insertVersion(ctx context.Context, tx pgx.Tx, version *domain.ProjectVersion) error {
	const query = `INSERT INTO project_versions (id, project_id, code, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, query, version.ID, version.ProjectID, version.Code, version.Description, version.CreatedAt)
	return translateWriteError(err)
}

// TogglePublished flips is_published and returns the new value.
func (r *Repository) TogglePublished(ctx context.Context, projectID, ownerID string) (bool, error) {
	const query = `UPDATE website_projects
		SET is_published = NOT is_published, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING is_published`
	var published bool
	if err := r.pool.QueryRow(ctx, query, projectID, ownerID).Scan(&published); err != nil {
		return false, translateReadError(err)
	}
	return published, nil
}

// DeleteProject removes a project.
func (r *Repository) DeleteProject(ctx context.Context, projectID, ownerID string) error {
	const query = `DELETE FROM website_projects WHERE id = $1 AND user_id = $2`
	return r.execOne(ctx, query, projectID, ownerID)
}

// UpdateDeployMetadata records the outcome of a successful deploy.
func (r *Repository) UpdateDeployMetadata(ctx context.Context, projectID, ownerID string, meta domain.DeployMetadata) error {
	const query = `UPDATE website_projects
		SET deployed_domain = NULLIF($3, ''), deployed_server_ip = NULLIF($4, ''), last_deployed_at = $5
		WHERE id = $1 AND user_id = $2`
	deployedAt := meta.DeployedAt
	if deployedAt == nil {
		now := time.Now().UTC()
		deployedAt = &now
	}
	return r.execOne(ctx, query, projectID, ownerID, meta.Domain, meta.ServerIP, *deployedAt)
}

// ClearDeployMetadata forgets the last deploy.
func (r *Repository) ClearDeployMetadata(ctx context.Context, projectID, ownerID string) error {
	const query = `UPDATE website_projects
		SET deployed_domain = NULL, deployed_server_ip = NULL, last_deployed_at = NULL
		WHERE id = $1 AND user_id = $2`
	return r.execOne(ctx, query, projectID, ownerID)
}

func (r *Repository) execOne(ctx context.Context, query string, args ...any) error {
	cmdTag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return translateReadError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p          domain.Project
		deployedAt *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Name,
		&p.InitialPrompt,
		&p.CustomDomain,
		&p.CurrentCode,
		&p.CurrentVersionID,
		&p.IsPublished,
		&p.Deploy.Domain,
		&p.Deploy.ServerIP,
		&deployedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, translateReadError(err)
	}
	p.Deploy.DeployedAt = deployedAt
	return &p, nil
}

// translateReadError maps lookups of missing or malformed ids onto ErrNotFound
// so callers cannot tell the two apart.
func translateReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return repository.ErrNotFound
	}
	return err
}

func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
