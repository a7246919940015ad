package repository

import (
	"context"

	"github.com/buildops/be-approvals/internal/database"
	"github.com/buildops/be-approvals/internal/errors"
)

// GrantRepository reads permission grant rows. It implements
// authz.GrantSource; unioning and wildcard handling happen in the resolver.
type GrantRepository struct {
	db *database.DB
}

// NewGrantRepository creates a new GrantRepository.
func NewGrantRepository(db *database.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// SystemLevelPermissions returns the permission strings granted to a system level.
func (r *GrantRepository) SystemLevelPermissions(ctx context.Context, level string) ([]string, error) {
	query := `
		SELECT permission
		FROM permission_grants
		WHERE subject_type = 'system_level' AND subject_id = $1
	`
	return r.queryStrings(ctx, query, level)
}

// RolePermissions returns the union of permission strings granted to any of
// the given roles.
func (r *GrantRepository) RolePermissions(ctx context.Context, roles []string) ([]string, error) {
	query := `
		SELECT DISTINCT permission
		FROM permission_grants
		WHERE subject_type = 'role' AND subject_id = ANY($1)
	`
	return r.queryStrings(ctx, query, roles)
}

// DepartmentPermissions returns the union of permission strings granted to
// any of the given departments.
func (r *GrantRepository) DepartmentPermissions(ctx context.Context, departmentIDs []string) ([]string, error) {
	query := `
		SELECT DISTINCT permission
		FROM permission_grants
		WHERE subject_type = 'department' AND subject_id = ANY($1)
	`
	return r.queryStrings(ctx, query, departmentIDs)
}

// PositionPermissions returns the permission strings granted to a position.
func (r *GrantRepository) PositionPermissions(ctx context.Context, positionID string) ([]string, error) {
	query := `
		SELECT permission
		FROM permission_grants
		WHERE subject_type = 'position' AND subject_id = $1
	`
	return r.queryStrings(ctx, query, positionID)
}

// UserPermissions returns the permission strings granted directly to a user.
func (r *GrantRepository) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT permission
		FROM permission_grants
		WHERE subject_type = 'user' AND subject_id = $1
	`
	return r.queryStrings(ctx, query, userID)
}

func (r *GrantRepository) queryStrings(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query permission grants")
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan permission grant")
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
