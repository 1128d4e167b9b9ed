package packages

import (
	"context"
	"strings"
)

// Role is what a user is allowed to do. Roles are ordered, so a user with a
// given role can do everything the lower roles can.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead
	RoleWrite
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// ParseRole is the inverse of String.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	}
	return RoleUnknown
}

// Identity is who a token belongs to.
type Identity struct {
	User string
	Role Role
}

// A CredentialAuthority checks passwords and the bearer tokens it issues in
// exchange for them. Validate and Authenticate return an error wrapping
// ErrUnauthorized when the credentials are no good.
type CredentialAuthority interface {
	Authenticate(ctx context.Context, user, password string) (token string, err error)
	Validate(ctx context.Context, token string) (Identity, error)
	Revoke(ctx context.Context, token string) error
}
