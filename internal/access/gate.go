package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	// OrgID is the organization selected in the caller's session, empty when none is active.
	OrgID        string
	PlatformRole string
}

const PlatformRoleOperator = "operator"

// IsOperator reports whether the caller may use the job administration endpoints.
func (c *Caller) IsOperator() bool {
	return c != nil && c.PlatformRole == PlatformRoleOperator
}

// MembershipReader is the subset of the workspace store the gate needs.
type MembershipReader interface {
	GetMembership(ctx context.Context, orgID string, workspaceID uuid.UUID, userID string) (*models.Membership, error)
}

// Gate decides whether a caller may read or change data in a workspace.
type Gate struct {
	members MembershipReader
}

func NewGate(members MembershipReader) *Gate {
	return &Gate{members: members}
}

// Resolve returns the caller's access to workspaceID. When required roles are given the
// caller's role must be one of them.
func (g *Gate) Resolve(ctx context.Context, caller *Caller, workspaceID string, required ...models.Role) (*Access, error) {
	if caller == nil || caller.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if caller.OrgID == "" {
		return nil, ErrNoActiveOrganization
	}

	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return nil, ErrNotFound
	}

	m, err := g.members.GetMembership(ctx, caller.OrgID, wsID, caller.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			zerolog.Ctx(ctx).Debug().
				Str("user_id", caller.UserID).
				Str("org_id", caller.OrgID).
				Str("workspace_id", workspaceID).
				Msg("Workspace access denied, no membership")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve workspace access: %w", err)
	}

	if allowed := models.Roles(required...); !allowed.Empty() && !allowed.Has(m.Member.Role) {
		zerolog.Ctx(ctx).Debug().
			Str("user_id", caller.UserID).
			Str("workspace_id", workspaceID).
			Stringer("role", m.Member.Role).
			Stringer("required", allowed).
			Msg("Workspace access denied, insufficient role")
		return nil, ErrInsufficientRole
	}

	return &Access{
		Workspace: m.Workspace,
		Member:    m.Member,
		Role:      m.Member.Role,
		UserID:    caller.UserID,
	}, nil
}

// Access is a granted membership in a workspace.
type Access struct {
	Workspace models.Workspace
	Member    models.WorkspaceMember
	Role      models.Role
	UserID    string
}

// CanManage reports whether the caller may change a resource led by leadID.
// Owners and admins manage everything, members only what they lead.
func (a *Access) CanManage(leadID *string) bool {
	if a.Role == models.RoleOwner || a.Role == models.RoleAdmin {
		return true
	}
	return leadID != nil && *leadID == a.UserID
}

func (a *Access) RequireManage(leadID *string) error {
	if !a.CanManage(leadID) {
		return ErrInsufficientRole
	}
	return nil
}

// RequireLeadOrOwner allows only the workspace owner role or the resource lead.
func (a *Access) RequireLeadOrOwner(leadID *string) error {
	if a.Role == models.RoleOwner || (leadID != nil && *leadID == a.UserID) {
		return nil
	}
	return ErrInsufficientRole
}
