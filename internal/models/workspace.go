package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant-scoped container for projects and tasks.
// Each external organization has at most one default workspace.
type Workspace struct {
	ID             uuid.UUID // UUIDv7
	OrganizationID string    // identity provider organization id
	Name           string
	Slug           string
	Description    string
	OwnerID        *string // FK to users, cleared when the owner is deleted
	ImageURL       string
	IsDefault      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkspaceMember is the (user, workspace, role) authorization edge.
type WorkspaceMember struct {
	ID          uuid.UUID
	UserID      string
	WorkspaceID uuid.UUID
	Role        Role
	CreatedAt   time.Time
}

// Membership is a member row joined with the workspace it grants access to.
type Membership struct {
	Member    WorkspaceMember
	Workspace Workspace
}

// DefaultWorkspaceName returns the display name used for an organization's default workspace.
func DefaultWorkspaceName(orgName string) string {
	return orgName + " Workspace"
}

// DefaultWorkspaceSlug returns the slug used for an organization's default workspace.
func DefaultWorkspaceSlug(orgSlug string) string {
	return orgSlug + "-default"
}
