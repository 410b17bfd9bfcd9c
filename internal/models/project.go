package models

import (
	"time"

	"github.com/google/uuid"
)

type ProjectStatus string

const (
	ProjectStatusPlanning  ProjectStatus = "PLANNING"
	ProjectStatusActive    ProjectStatus = "ACTIVE"
	ProjectStatusOnHold    ProjectStatus = "ON_HOLD"
	ProjectStatusCompleted ProjectStatus = "COMPLETED"
	ProjectStatusCancelled ProjectStatus = "CANCELLED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Project groups tasks inside a workspace. TeamLead may manage the project
// without holding an elevated workspace role.
type Project struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Name        string
	Description string
	Status      ProjectStatus
	Priority    Priority
	TeamLead    *string
	StartDate   *time.Time
	EndDate     *time.Time
	Progress    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProjectMember struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	UserID    string
	CreatedAt time.Time
}
