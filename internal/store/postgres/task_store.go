package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

const taskDetailQuery = `
	SELECT t.id, t.project_id, t.title, t.description, t.type, t.status, t.priority,
	       t.assignee_id, t.due_date, t.created_at, t.updated_at,
	       ` + projectColumns + `,
	       u.id, u.name, u.email, u.image_url, u.created_at, u.updated_at
	FROM tasks t
	JOIN projects p ON p.id = t.project_id
	LEFT JOIN users u ON u.id = t.assignee_id
`

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.Must(uuid.NewV7())
	}

	query := `
		INSERT INTO tasks (
			id, project_id, title, description, type, status, priority, assignee_id, due_date,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		task.ID,
		task.ProjectID,
		task.Title,
		task.Description,
		task.Type,
		task.Status,
		task.Priority,
		task.AssigneeID,
		task.DueDate,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", mapPostgresError(err))
	}

	return nil
}

// GetTask returns the task aggregate if the task's project belongs to the workspace.
func (s *Store) GetTask(ctx context.Context, workspaceID, taskID uuid.UUID) (*models.TaskDetail, error) {
	return s.loadTaskDetail(ctx, taskDetailQuery+` WHERE t.id = $1 AND p.workspace_id = $2`, taskID, workspaceID)
}

// LoadTaskWithProjectAndAssignee returns the task aggregate in a single query.
func (s *Store) LoadTaskWithProjectAndAssignee(ctx context.Context, taskID uuid.UUID) (*models.TaskDetail, error) {
	return s.loadTaskDetail(ctx, taskDetailQuery+` WHERE t.id = $1`, taskID)
}

func (s *Store) loadTaskDetail(ctx context.Context, query string, args ...any) (*models.TaskDetail, error) {
	var (
		d models.TaskDetail

		userID                   *string
		userName, userImage      *string
		userEmail                *string
		userCreated, userUpdated *time.Time
	)

	targets := []any{
		&d.Task.ID,
		&d.Task.ProjectID,
		&d.Task.Title,
		&d.Task.Description,
		&d.Task.Type,
		&d.Task.Status,
		&d.Task.Priority,
		&d.Task.AssigneeID,
		&d.Task.DueDate,
		&d.Task.CreatedAt,
		&d.Task.UpdatedAt,
	}
	targets = append(targets, projectScanTargets(&d.Project)...)
	targets = append(targets, &userID, &userName, &userEmail, &userImage, &userCreated, &userUpdated)

	if err := s.pool.QueryRow(ctx, query, args...).Scan(targets...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", mapPostgresError(err))
	}

	if userID != nil {
		d.Assignee = &models.User{
			ID:        *userID,
			Name:      deref(userName),
			Email:     userEmail,
			ImageURL:  deref(userImage),
			CreatedAt: deref(userCreated),
			UpdatedAt: deref(userUpdated),
		}
	}

	return &d, nil
}

// UpdateTask overwrites the mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	query := `
		UPDATE tasks SET
			title = $2,
			description = $3,
			type = $4,
			status = $5,
			priority = $6,
			assignee_id = $7,
			due_date = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING project_id, created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.Type,
		task.Status,
		task.Priority,
		task.AssigneeID,
		task.DueDate,
	).Scan(&task.ProjectID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("failed to update task: %w", mapPostgresError(err))
	}

	return nil
}

// DeleteTask deletes a task. Comments cascade.
func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrTaskNotFound
	}

	return nil
}

// AddComment inserts a comment.
func (s *Store) AddComment(ctx context.Context, comment *models.Comment) error {
	if comment.ID == uuid.Nil {
		comment.ID = uuid.Must(uuid.NewV7())
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO comments (id, task_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, comment.ID, comment.TaskID, comment.UserID, comment.Content).Scan(&comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", mapPostgresError(err))
	}

	return nil
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID uuid.UUID) ([]*models.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, user_id, content, created_at
		FROM comments
		WHERE task_id = $1
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var comments []*models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating comments: %w", err)
	}

	return comments, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
