package identity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence the syncer writes to.
type Store interface {
	store.UserStore
	store.WorkspaceStore
}

// Syncer applies identity provider events to local users, workspaces and memberships.
// Every handler is idempotent so redelivered events converge on the same state.
type Syncer struct {
	store   Store
	metrics *telemetry.Metrics
}

func NewSyncer(s Store, metrics *telemetry.Metrics) *Syncer {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Syncer{store: s, metrics: metrics}
}

// Handle applies one event. Malformed payloads return an error matching
// orchestrator.ErrPermanent, any other error is safe to retry.
func (s *Syncer) Handle(ctx context.Context, evt Event) error {
	var (
		outcome string
		err     error
	)

	switch evt.Type {
	case EventUserCreated, EventUserUpdated:
		outcome, err = s.upsertUser(ctx, evt.Data)
	case EventUserDeleted:
		outcome, err = s.deleteUser(ctx, evt.Data)
	case EventOrganizationCreated:
		outcome, err = s.createOrganization(ctx, evt.Data)
	case EventOrganizationDeleted:
		outcome, err = s.deleteOrganization(ctx, evt.Data)
	case EventInvitationAccepted:
		outcome, err = s.acceptInvitation(ctx, evt.Data)
	default:
		zerolog.Ctx(ctx).Debug().Str("event_type", evt.Type).Msg("Ignoring unknown identity event")
		outcome = "ignored"
	}

	if err != nil {
		outcome = "error"
	}
	s.metrics.IdentityEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", evt.Type),
		attribute.String("outcome", outcome),
	))

	return err
}

func (s *Syncer) upsertUser(ctx context.Context, data []byte) (string, error) {
	d, err := decodeData[UserData](data, nil)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}

	if err := s.store.UpsertUser(ctx, d.User()); err != nil {
		return "", fmt.Errorf("failed to upsert user %s: %w", d.ID, err)
	}

	zerolog.Ctx(ctx).Info().Str("user_id", d.ID).Msg("User synced")
	return "applied", nil
}

func (s *Syncer) deleteUser(ctx context.Context, data []byte) (string, error) {
	d, err := decodeData[DeletedData](data, nil)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}

	deleted, err := s.store.DeleteUser(ctx, d.ID)
	if err != nil {
		return "", fmt.Errorf("failed to delete user %s: %w", d.ID, err)
	}
	if !deleted {
		zerolog.Ctx(ctx).Debug().Str("user_id", d.ID).Msg("User already deleted")
		return "noop", nil
	}

	zerolog.Ctx(ctx).Info().Str("user_id", d.ID).Msg("User deleted")
	return "applied", nil
}

func (s *Syncer) createOrganization(ctx context.Context, data []byte) (string, error) {
	d, err := decodeData[OrganizationData](data, nil)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}

	// the creator can arrive before their own user.created event
	if _, err := s.store.EnsureUser(ctx, d.CreatedBy); err != nil {
		return "", fmt.Errorf("failed to ensure organization creator %s: %w", d.CreatedBy, err)
	}

	owner := d.CreatedBy
	ws, created, err := s.store.CreateDefaultWorkspace(ctx, &models.Workspace{
		OrganizationID: d.ID,
		Name:           models.DefaultWorkspaceName(d.Name),
		Slug:           models.DefaultWorkspaceSlug(d.Slug),
		OwnerID:        &owner,
		ImageURL:       d.ImageURL,
		IsDefault:      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create default workspace for %s: %w", d.ID, err)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("org_id", d.ID).
		Str("workspace_id", ws.ID.String()).
		Logger()
	if !created {
		logger.Debug().Msg("Default workspace already exists")
		return "noop", nil
	}

	logger.Info().Str("owner_id", owner).Msg("Default workspace created")
	return "applied", nil
}

func (s *Syncer) deleteOrganization(ctx context.Context, data []byte) (string, error) {
	d, err := decodeData[DeletedData](data, nil)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}

	n, err := s.store.DeleteOrganizationWorkspaces(ctx, d.ID)
	if err != nil {
		return "", fmt.Errorf("failed to delete workspaces of %s: %w", d.ID, err)
	}

	zerolog.Ctx(ctx).Info().Str("org_id", d.ID).Int64("workspaces", n).Msg("Organization workspaces deleted")
	if n == 0 {
		return "noop", nil
	}
	return "applied", nil
}

func (s *Syncer) acceptInvitation(ctx context.Context, data []byte) (string, error) {
	d, err := decodeData(data, invitationUser)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}

	if _, err := s.store.EnsureUser(ctx, d.UserID); err != nil {
		return "", fmt.Errorf("failed to ensure invited user %s: %w", d.UserID, err)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("org_id", d.OrganizationID).
		Str("user_id", d.UserID).
		Logger()

	ws, err := s.store.GetDefaultWorkspace(ctx, d.OrganizationID)
	if err != nil {
		if isNotFound(err) {
			logger.Info().Msg("Organization has no default workspace yet, skipping invitation")
			return "noop", nil
		}
		return "", fmt.Errorf("failed to load default workspace of %s: %w", d.OrganizationID, err)
	}

	added, err := s.store.AddMemberIfAbsent(ctx, ws.ID, d.UserID, models.RoleMember)
	if err != nil {
		return "", fmt.Errorf("failed to add member to %s: %w", ws.ID, err)
	}
	if !added {
		logger.Debug().Msg("Invited user is already a member")
		return "noop", nil
	}

	logger.Info().Str("workspace_id", ws.ID.String()).Msg("Invited user added to default workspace")
	return "applied", nil
}
