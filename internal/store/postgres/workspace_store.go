package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

const workspaceColumns = `w.id, w.organization_id, w.name, w.slug, w.description, w.owner_id,
	w.image_url, w.is_default, w.created_at, w.updated_at`

func workspaceScanTargets(w *models.Workspace) []any {
	return []any{
		&w.ID,
		&w.OrganizationID,
		&w.Name,
		&w.Slug,
		&w.Description,
		&w.OwnerID,
		&w.ImageURL,
		&w.IsDefault,
		&w.CreatedAt,
		&w.UpdatedAt,
	}
}

// CreateDefaultWorkspace inserts the default workspace and the owner membership in one
// transaction. The partial unique index on organization_id guards concurrent deliveries.
func (s *Store) CreateDefaultWorkspace(ctx context.Context, ws *models.Workspace) (*models.Workspace, bool, error) {
	if ws.OwnerID == nil {
		return nil, false, errors.New("default workspace requires an owner")
	}
	if ws.ID == uuid.Nil {
		ws.ID = uuid.Must(uuid.NewV7())
	}

	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO workspaces (
				id, organization_id, name, slug, description, owner_id, image_url, is_default,
				created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW()
			)
			ON CONFLICT (organization_id) WHERE is_default DO NOTHING
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, insert,
			ws.ID,
			ws.OrganizationID,
			ws.Name,
			ws.Slug,
			ws.Description,
			ws.OwnerID,
			ws.ImageURL,
		).Scan(&ws.CreatedAt, &ws.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return mapPostgresError(err)
		}

		member := `
			INSERT INTO workspace_members (id, user_id, workspace_id, role, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id, workspace_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, member,
			uuid.Must(uuid.NewV7()),
			*ws.OwnerID,
			ws.ID,
			models.RoleOwner.String(),
		); err != nil {
			return mapPostgresError(err)
		}

		created = true
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// lost the race against a concurrent creator
			created = false
		} else {
			return nil, false, fmt.Errorf("failed to create default workspace: %w", err)
		}
	}

	if created {
		ws.IsDefault = true
		log.Info().
			Str("workspace_id", ws.ID.String()).
			Str("organization_id", ws.OrganizationID).
			Msg("Created default workspace")
		clone := *ws
		return &clone, true, nil
	}

	existing, err := s.GetDefaultWorkspace(ctx, ws.OrganizationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetDefaultWorkspace returns the organization's default workspace.
func (s *Store) GetDefaultWorkspace(ctx context.Context, orgID string) (*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces w WHERE w.organization_id = $1 AND w.is_default`

	var ws models.Workspace
	if err := s.pool.QueryRow(ctx, query, orgID).Scan(workspaceScanTargets(&ws)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to get default workspace: %w", mapPostgresError(err))
	}

	return &ws, nil
}

// DeleteOrganizationWorkspaces deletes the organization's workspaces.
// Members, projects, tasks and comments cascade via FK constraints.
func (s *Store) DeleteOrganizationWorkspaces(ctx context.Context, orgID string) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM workspaces WHERE organization_id = $1`, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete organization workspaces: %w", mapPostgresError(err))
	}

	log.Info().
		Str("organization_id", orgID).
		Int64("deleted", result.RowsAffected()).
		Msg("Deleted organization workspaces")

	return result.RowsAffected(), nil
}

// GetMembership returns the membership and workspace in a single read scoped to the organization.
func (s *Store) GetMembership(ctx context.Context, orgID string, workspaceID uuid.UUID, userID string) (*models.Membership, error) {
	query := `
		SELECT m.id, m.user_id, m.workspace_id, m.role, m.created_at, ` + workspaceColumns + `
		FROM workspace_members m
		JOIN workspaces w ON w.id = m.workspace_id
		WHERE m.user_id = $1
		  AND m.workspace_id = $2
		  AND w.organization_id = $3
	`

	var (
		m    models.Membership
		role string
	)
	targets := append([]any{
		&m.Member.ID,
		&m.Member.UserID,
		&m.Member.WorkspaceID,
		&role,
		&m.Member.CreatedAt,
	}, workspaceScanTargets(&m.Workspace)...)

	if err := s.pool.QueryRow(ctx, query, userID, workspaceID, orgID).Scan(targets...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", mapPostgresError(err))
	}

	parsed, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	m.Member.Role = parsed

	return &m, nil
}

// AddMemberIfAbsent inserts a membership, leaving any existing row and its role untouched.
func (s *Store) AddMemberIfAbsent(ctx context.Context, workspaceID uuid.UUID, userID string, role models.Role) (bool, error) {
	query := `
		INSERT INTO workspace_members (id, user_id, workspace_id, role, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, workspace_id) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query, uuid.Must(uuid.NewV7()), userID, workspaceID, role.String())
	if err != nil {
		return false, fmt.Errorf("failed to add member: %w", mapPostgresError(err))
	}

	return result.RowsAffected() == 1, nil
}

// ListWorkspacesForMember lists the organization's workspaces the user belongs to.
func (s *Store) ListWorkspacesForMember(ctx context.Context, orgID string, userID string) ([]*models.Workspace, error) {
	query := `
		SELECT ` + workspaceColumns + `
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE w.organization_id = $1
		  AND m.user_id = $2
		ORDER BY w.created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var workspaces []*models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(workspaceScanTargets(&ws)...); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, &ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return workspaces, nil
}
