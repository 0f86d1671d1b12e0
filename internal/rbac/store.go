package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads permission projections from PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// One round trip: the user row, each assigned role with its permissions in
// assignment order, and the user's direct grants.
const loadUserAccessSQL = `
SELECT u.id,
       u.selected_role_id,
       COALESCE((
           SELECT json_agg(json_build_object(
                      'role_id', r.id,
                      'role_name', r.name,
                      'assigned_at', ur.created_at,
                      'permissions', COALESCE((
                          SELECT json_agg(json_build_object('id', p.id, 'key', p.key, 'name', p.name) ORDER BY p.key)
                          FROM role_permissions rp
                          JOIN permissions p ON p.id = rp.permission_id
                          WHERE rp.role_id = r.id
                      ), '[]'::json)
                  ) ORDER BY ur.created_at, r.id)
           FROM user_roles ur
           JOIN roles r ON r.id = ur.role_id
           WHERE ur.user_id = u.id
       ), '[]'::json) AS roles,
       COALESCE((
           SELECT json_agg(json_build_object('id', p.id, 'key', p.key, 'name', p.name) ORDER BY p.key)
           FROM user_permissions up
           JOIN permissions p ON p.id = up.permission_id
           WHERE up.user_id = u.id
       ), '[]'::json) AS direct
FROM users u
WHERE u.id = $1 AND u.is_active`

// LoadUserAccess implements Store. Inactive users are reported as not found.
func (s *PGStore) LoadUserAccess(ctx context.Context, userID int64) (*UserAccess, error) {
	var (
		access     UserAccess
		rolesJSON  []byte
		directJSON []byte
	)
	err := s.pool.QueryRow(ctx, loadUserAccessSQL, userID).Scan(&access.UserID, &access.SelectedRoleID, &rolesJSON, &directJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rolesJSON, &access.Roles); err != nil {
		return nil, fmt.Errorf("rbac: decode roles: %w", err)
	}
	if err := json.Unmarshal(directJSON, &access.Direct); err != nil {
		return nil, fmt.Errorf("rbac: decode direct grants: %w", err)
	}
	return &access, nil
}

// ListUserIDsByRole implements Store.
func (s *PGStore) ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

var _ Store = (*PGStore)(nil)
