package authz

import (
	"context"

	"github.com/buildops/be-approvals/internal/errors"
)

// User is the identity snapshot consumed by the authorization core. It is
// supplied by the identity service with assignment foreign keys already
// resolved; this package never queries identity storage itself.
type User struct {
	ID            string   `json:"id"`
	DepartmentIDs []string `json:"department_ids"`
	PositionID    string   `json:"position_id"`
	SystemLevel   string   `json:"system_level"`
	Roles         []string `json:"roles"`
	IsAdmin       bool     `json:"is_admin"`
}

// InDepartment reports whether the user belongs to the given department.
func (u *User) InDepartment(departmentID string) bool {
	if departmentID == "" {
		return false
	}
	for _, d := range u.DepartmentIDs {
		if d == departmentID {
			return true
		}
	}
	return false
}

// GrantSource supplies the permission strings granted through each
// assignment path. Implemented by the Postgres grant repository and by the
// in-memory store.
type GrantSource interface {
	SystemLevelPermissions(ctx context.Context, level string) ([]string, error)
	RolePermissions(ctx context.Context, roles []string) ([]string, error)
	DepartmentPermissions(ctx context.Context, departmentIDs []string) ([]string, error)
	PositionPermissions(ctx context.Context, positionID string) ([]string, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// Resolver computes a user's effective permission set.
type Resolver struct {
	grants GrantSource
}

// NewResolver creates a Resolver over the given grant source.
func NewResolver(grants GrantSource) *Resolver {
	return &Resolver{grants: grants}
}

// ResolveEffectivePermissions unions the permissions granted directly and via
// system level, roles, departments, and position. Administrators receive the
// universal set. A user with no assignments yields the empty set.
//
// The result is a pure function of the grant rows; callers may cache it for
// the duration of one request but never across users.
func (r *Resolver) ResolveEffectivePermissions(ctx context.Context, user *User) (PermissionSet, error) {
	if user == nil {
		return PermissionSet{}, errors.New(errors.ErrCodeUnauthenticated, "no authenticated user")
	}
	if user.IsAdmin {
		return UniversalSet(), nil
	}

	var grants []string

	if user.SystemLevel != "" {
		ps, err := r.grants.SystemLevelPermissions(ctx, user.SystemLevel)
		if err != nil {
			return PermissionSet{}, errors.Wrap(err, errors.ErrCodeInternal, "resolve system level permissions")
		}
		grants = append(grants, ps...)
	}

	if len(user.Roles) > 0 {
		ps, err := r.grants.RolePermissions(ctx, user.Roles)
		if err != nil {
			return PermissionSet{}, errors.Wrap(err, errors.ErrCodeInternal, "resolve role permissions")
		}
		grants = append(grants, ps...)
	}

	if len(user.DepartmentIDs) > 0 {
		ps, err := r.grants.DepartmentPermissions(ctx, user.DepartmentIDs)
		if err != nil {
			return PermissionSet{}, errors.Wrap(err, errors.ErrCodeInternal, "resolve department permissions")
		}
		grants = append(grants, ps...)
	}

	if user.PositionID != "" {
		ps, err := r.grants.PositionPermissions(ctx, user.PositionID)
		if err != nil {
			return PermissionSet{}, errors.Wrap(err, errors.ErrCodeInternal, "resolve position permissions")
		}
		grants = append(grants, ps...)
	}

	ps, err := r.grants.UserPermissions(ctx, user.ID)
	if err != nil {
		return PermissionSet{}, errors.Wrap(err, errors.ErrCodeInternal, "resolve user permissions")
	}
	grants = append(grants, ps...)

	return NewPermissionSet(grants...), nil
}
