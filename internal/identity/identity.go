package identity

import "fmt"

// Role is one side of a two-party conversation.
type Role string

const (
	Initiator Role = "initiator"
	Staff     Role = "staff"
)

// ParseRole maps a claim or flag value to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Initiator, Staff:
		return Role(s), nil
	case "customer":
		return Initiator, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Valid reports whether r is one of the two participant roles.
func (r Role) Valid() bool {
	return r == Initiator || r == Staff
}

// Opposite returns the other participant role.
func (r Role) Opposite() Role {
	if r == Staff {
		return Initiator
	}
	return Staff
}

// Identity is the current session's user as supplied by the auth collaborator.
// The engine never mutates it.
type Identity struct {
	UserID      string `json:"user_id" toml:"user_id"`
	DisplayName string `json:"display_name" toml:"display_name"`
	Role        Role   `json:"role" toml:"role"`
}

// Validate checks that the identity can author messages.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("identity: user id is required")
	}
	if !id.Role.Valid() {
		return fmt.Errorf("identity: invalid role %q", id.Role)
	}
	return nil
}

// Name returns the display name, falling back to the user id.
func (id Identity) Name() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.UserID
}
