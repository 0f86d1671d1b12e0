package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodhub/foodhub/internal/platform/db"
	"github.com/foodhub/foodhub/internal/platform/httpx"
)

// Repository persists role, permission and assignment changes.
type Repository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	// DeleteRole removes the role and returns the ids of users who held it.
	DeleteRole(ctx context.Context, id int64) ([]int64, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, key, name string) (Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, keys []string) error
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
	// SetSelectedRole makes roleID current for the user. Zero clears the selection.
	SetSelectedRole(ctx context.Context, userID, roleID int64) error
	GrantPermission(ctx context.Context, userID int64, key string) error
	RevokePermission(ctx context.Context, userID int64, key string) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `id, name, description, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		return Role{}, mapPGError(err)
	}
	return role, nil
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING `+roleColumns, name, description))
	if err != nil {
		return Role{}, mapPGError(err)
	}
	return role, nil
}

// UpdateRole renames or re-describes a role.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, updated_at = NOW() WHERE id = $1 RETURNING `+roleColumns,
		id, name, description))
	if err != nil {
		return Role{}, mapPGError(err)
	}
	return role, nil
}

// DeleteRole removes a role and reports its former members.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) ([]int64, error) {
	var members []int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, id)
		if err != nil {
			return err
		}
		members, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, mapPGError(err)
	}
	return members, nil
}

// ListPermissions returns the permission catalogue ordered by key.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, key, name FROM permissions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Permission, error) {
		var p Permission
		err := row.Scan(&p.ID, &p.Key, &p.Name)
		return p, err
	})
}

// EnsurePermission upserts a permission by key, refreshing its display name.
func (r *PGRepository) EnsurePermission(ctx context.Context, key, name string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
INSERT INTO permissions (key, name) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name
RETURNING id, key, name`, key, name).Scan(&p.ID, &p.Key, &p.Name)
	if err != nil {
		return Permission{}, mapPGError(err)
	}
	return p, nil
}

// SetRolePermissions replaces the role's grants with keys. Unknown keys fail
// the whole change.
func (r *PGRepository) SetRolePermissions(ctx context.Context, roleID int64, keys []string) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&locked); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, key FROM permissions WHERE key = ANY($1)`, keys)
		if err != nil {
			return err
		}
		found := make(map[string]int64, len(keys))
		var ids []int64
		for rows.Next() {
			var (
				id  int64
				key string
			)
			if err := rows.Scan(&id, &key); err != nil {
				rows.Close()
				return err
			}
			found[key] = id
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		var unknown []string
		for _, key := range keys {
			if _, ok := found[key]; !ok {
				unknown = append(unknown, key)
			}
		}
		if len(unknown) > 0 {
			return fmt.Errorf("%w: unknown permissions %s", httpx.ErrValidation, strings.Join(unknown, ", "))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		if len(ids) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id) SELECT $1, unnest($2::bigint[])`, roleID, ids); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	})
	return mapPGError(err)
}

// AssignRole assigns a role to the given user.
func (r *PGRepository) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, roleID)
	return mapPGError(err)
}

// RemoveRole removes a role from a user and drops it as the selected role.
func (r *PGRepository) RemoveRole(ctx context.Context, userID, roleID int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET selected_role_id = NULL, updated_at = NOW() WHERE id = $1 AND selected_role_id = $2`, userID, roleID)
		return err
	})
	return mapPGError(err)
}

// SetSelectedRole records the user's current role. The role must already be assigned.
func (r *PGRepository) SetSelectedRole(ctx context.Context, userID, roleID int64) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if roleID == 0 {
		tag, err = r.pool.Exec(ctx, `UPDATE users SET selected_role_id = NULL, updated_at = NOW() WHERE id = $1`, userID)
	} else {
		tag, err = r.pool.Exec(ctx, `
UPDATE users SET selected_role_id = $2, updated_at = NOW()
WHERE id = $1 AND EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2)`, userID, roleID)
	}
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantPermission adds a direct grant.
func (r *PGRepository) GrantPermission(ctx context.Context, userID int64, key string) error {
	var permissionID int64
	if err := r.pool.QueryRow(ctx, `SELECT id FROM permissions WHERE key = $1`, key).Scan(&permissionID); err != nil {
		return mapPGError(err)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_permissions (user_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, permissionID)
	return mapPGError(err)
}

// RevokePermission removes a direct grant.
func (r *PGRepository) RevokePermission(ctx context.Context, userID int64, key string) error {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM user_permissions up
USING permissions p
WHERE up.permission_id = p.id AND up.user_id = $1 AND p.key = $2`, userID, key)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// mapPGError translates driver errors to package sentinels.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("rbac: %w: %s", httpx.ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

var _ Repository = (*PGRepository)(nil)
