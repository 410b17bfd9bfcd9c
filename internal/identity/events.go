package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wolfeidau/planboard/internal/models"
)

// Identity provider event types.
const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventOrganizationCreated = "organization.created"
	EventOrganizationDeleted = "organization.deleted"
	EventInvitationAccepted  = "organizationInvitation.accepted"
)

// EventTypes lists the event types the syncer applies.
var EventTypes = []string{
	EventUserCreated,
	EventUserUpdated,
	EventUserDeleted,
	EventOrganizationCreated,
	EventOrganizationDeleted,
	EventInvitationAccepted,
}

// Event is the envelope delivered by the identity provider.
type Event struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type EmailAddress struct {
	EmailAddress string `json:"email_address"`
}

type UserData struct {
	ID             string         `json:"id" validate:"required"`
	FirstName      *string        `json:"first_name"`
	LastName       *string        `json:"last_name"`
	EmailAddresses []EmailAddress `json:"email_addresses"`
	ImageURL       string         `json:"image_url"`
}

// User maps the payload onto the local user record.
func (d *UserData) User() *models.User {
	var first, last string
	if d.FirstName != nil {
		first = *d.FirstName
	}
	if d.LastName != nil {
		last = *d.LastName
	}

	u := &models.User{
		ID:       d.ID,
		Name:     strings.TrimSpace(first + " " + last),
		ImageURL: d.ImageURL,
	}
	if len(d.EmailAddresses) > 0 && d.EmailAddresses[0].EmailAddress != "" {
		email := d.EmailAddresses[0].EmailAddress
		u.Email = &email
	}
	return u
}

// DeletedData is sent for user.deleted and organization.deleted.
type DeletedData struct {
	ID string `json:"id" validate:"required"`
}

type OrganizationData struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Slug      string `json:"slug" validate:"required"`
	CreatedBy string `json:"created_by" validate:"required"`
	ImageURL  string `json:"image_url"`
}

type PublicUserData struct {
	UserID string `json:"user_id"`
}

// InvitationData carries the accepting user either at the top level or in public_user_data.
type InvitationData struct {
	OrganizationID string          `json:"organization_id" validate:"required"`
	UserID         string          `json:"user_id" validate:"required"`
	PublicUserData *PublicUserData `json:"public_user_data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeEvent parses and validates a webhook body.
func DecodeEvent(body []byte) (*Event, error) {
	var evt Event
	if err := decodeStrict(body, &evt); err != nil {
		return nil, err
	}
	if err := validate.Struct(&evt); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	return &evt, nil
}

func decodeData[T any](data []byte, normalize func(*T)) (*T, error) {
	v := new(T)
	if err := decodeStrict(data, v); err != nil {
		return nil, err
	}
	if normalize != nil {
		normalize(v)
	}
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("malformed payload: trailing data after JSON value")
	}
	return nil
}

func invitationUser(d *InvitationData) {
	if d.UserID == "" && d.PublicUserData != nil {
		d.UserID = d.PublicUserData.UserID
	}
}

// OrderingKey returns the external id whose events must be applied in arrival order.
// Organization and invitation events order by organization id, user events by user id.
func OrderingKey(evt *Event) string {
	var ids struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
	}
	// an undecodable payload is rejected later by the handler
	_ = json.Unmarshal(evt.Data, &ids)

	var prefix, id string
	switch evt.Type {
	case EventUserCreated, EventUserUpdated, EventUserDeleted:
		prefix, id = "user:", ids.ID
	case EventOrganizationCreated, EventOrganizationDeleted:
		prefix, id = "org:", ids.ID
	case EventInvitationAccepted:
		prefix, id = "org:", ids.OrganizationID
	}
	if id == "" {
		return ""
	}
	return prefix + id
}

// JobName is the orchestrator handler name for an event type.
func JobName(eventType string) string {
	return "identity/" + eventType
}
