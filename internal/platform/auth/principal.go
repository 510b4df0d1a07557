package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is the closed set of session roles.
type Role int

const (
	RolePatient Role = iota + 1
	RoleDoctor
	RoleNurse
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	case RoleNurse:
		return "nurse"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// ParseRole maps a claim value onto a Role. Unknown values are an error so
// a token can never smuggle in an unrecognised role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, nil
	case "doctor":
		return RoleDoctor, nil
	case "nurse":
		return RoleNurse, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Principal is the verified identity behind a session. It is passed by
// value and never mutated after the middleware builds it.
type Principal struct {
	ID    string
	Role  Role
	Email string
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal set by JWTMiddleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
