package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

const projectColumns = `p.id, p.workspace_id, p.name, p.description, p.status, p.priority, p.team_lead,
	p.start_date, p.end_date, p.progress, p.created_at, p.updated_at`

func projectScanTargets(p *models.Project) []any {
	return []any{
		&p.ID,
		&p.WorkspaceID,
		&p.Name,
		&p.Description,
		&p.Status,
		&p.Priority,
		&p.TeamLead,
		&p.StartDate,
		&p.EndDate,
		&p.Progress,
		&p.CreatedAt,
		&p.UpdatedAt,
	}
}

// CreateProject inserts the project and the creator's project membership in one transaction.
func (s *Store) CreateProject(ctx context.Context, project *models.Project, creatorID string) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.Must(uuid.NewV7())
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO projects (
				id, workspace_id, name, description, status, priority, team_lead,
				start_date, end_date, progress, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW()
			)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, insert,
			project.ID,
			project.WorkspaceID,
			project.Name,
			project.Description,
			project.Status,
			project.Priority,
			project.TeamLead,
			project.StartDate,
			project.EndDate,
			project.Progress,
		).Scan(&project.CreatedAt, &project.UpdatedAt)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO project_members (id, project_id, user_id, created_at)
			VALUES ($1, $2, $3, NOW())
		`, uuid.Must(uuid.NewV7()), project.ID, creatorID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create project: %w", mapPostgresError(err))
	}

	return nil
}

// GetProject returns the project if it belongs to the workspace.
func (s *Store) GetProject(ctx context.Context, workspaceID, projectID uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.id = $1 AND p.workspace_id = $2`

	var p models.Project
	if err := s.pool.QueryRow(ctx, query, projectID, workspaceID).Scan(projectScanTargets(&p)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", mapPostgresError(err))
	}

	return &p, nil
}

// UpdateProject overwrites the mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, project *models.Project) error {
	query := `
		UPDATE projects SET
			name = $2,
			description = $3,
			status = $4,
			priority = $5,
			team_lead = $6,
			start_date = $7,
			end_date = $8,
			progress = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING workspace_id, created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.Description,
		project.Status,
		project.Priority,
		project.TeamLead,
		project.StartDate,
		project.EndDate,
		project.Progress,
	).Scan(&project.WorkspaceID, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrProjectNotFound
		}
		return fmt.Errorf("failed to update project: %w", mapPostgresError(err))
	}

	return nil
}

// AddProjectMember adds a user to a project.
func (s *Store) AddProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (*models.ProjectMember, error) {
	member := &models.ProjectMember{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: projectID,
		UserID:    userID,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO project_members (id, project_id, user_id, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at
	`, member.ID, projectID, userID).Scan(&member.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrProjectMemberExists
		}
		return nil, fmt.Errorf("failed to add project member: %w", mapPostgresError(err))
	}

	return member, nil
}

// IsProjectMember reports whether the user belongs to the project.
func (s *Store) IsProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)
	`, projectID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check project member: %w", mapPostgresError(err))
	}

	return exists, nil
}
