package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "TODO"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
)

type TaskType string

const (
	TaskTypeTask        TaskType = "TASK"
	TaskTypeBug         TaskType = "BUG"
	TaskTypeFeature     TaskType = "FEATURE"
	TaskTypeImprovement TaskType = "IMPROVEMENT"
	TaskTypeOther       TaskType = "OTHER"
)

type Task struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Title       string
	Description string
	Type        TaskType
	Status      TaskStatus
	Priority    Priority
	AssigneeID  *string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AssignedTo reports whether the task is currently assigned to userID.
func (t *Task) AssignedTo(userID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// TaskDetail is a task loaded together with its project and assignee in a single read.
type TaskDetail struct {
	Task     Task
	Project  Project
	Assignee *User // nil when unassigned or the assignee was deleted
}

type Comment struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	UserID    string
	Content   string
	CreatedAt time.Time
}
