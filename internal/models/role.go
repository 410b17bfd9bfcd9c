package models

import (
	"fmt"
	"strings"
)

// Role is a workspace membership role. Higher values carry more authority.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleMember
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "MEMBER"
	case RoleAdmin:
		return "ADMIN"
	case RoleOwner:
		return "OWNER"
	default:
		return "UNKNOWN"
	}
}

// ParseRole converts the stored representation of a role back into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MEMBER":
		return RoleMember, nil
	case "ADMIN":
		return RoleAdmin, nil
	case "OWNER":
		return RoleOwner, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if r == RoleUnknown {
		return nil, fmt.Errorf("cannot marshal unknown role")
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleSet is a set of roles stored as a bitmask.
type RoleSet uint8

// Roles builds a RoleSet from the given roles.
func Roles(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		if r == RoleUnknown {
			continue
		}
		s |= 1 << r
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	if r == RoleUnknown {
		return false
	}
	return s&(1<<r) != 0
}

// Empty reports whether the set contains no roles.
func (s RoleSet) Empty() bool {
	return s == 0
}

func (s RoleSet) String() string {
	var names []string
	for _, r := range []Role{RoleOwner, RoleAdmin, RoleMember} {
		if s.Has(r) {
			names = append(names, r.String())
		}
	}
	return strings.Join(names, "|")
}
