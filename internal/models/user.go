package models

import "time"

// PendingUserName is the display name given to users created before their identity event arrives.
const PendingUserName = "Pending User"

// User is a person known to the identity provider. ID is the provider's stable user id.
type User struct {
	ID        string
	Name      string
	Email     *string // nil until the identity sync has delivered an address
	ImageURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPendingUser returns the placeholder stored for a user referenced before it was synced.
func NewPendingUser(id string) *User {
	now := time.Now().UTC()
	return &User{
		ID:        id,
		Name:      PendingUserName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasEmail reports whether the user has a deliverable email address.
func (u *User) HasEmail() bool {
	return u != nil && u.Email != nil && *u.Email != ""
}
