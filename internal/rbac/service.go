package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foodhub/foodhub/internal/platform/httpx"
)

// Change actions recorded for every successful mutation.
const (
	ActionRoleCreate       = "role.create"
	ActionRoleUpdate       = "role.update"
	ActionRoleDelete       = "role.delete"
	ActionRolePermissions  = "role.permissions"
	ActionUserRoleAssign   = "user.role.assign"
	ActionUserRoleRemove   = "user.role.remove"
	ActionUserRoleSelect   = "user.role.select"
	ActionUserGrant        = "user.permission.grant"
	ActionUserRevoke       = "user.permission.revoke"
	ActionPermissionEnsure = "permission.ensure"
	ActionCacheClear       = "cache.clear"
)

// Change describes one committed permission mutation.
type Change struct {
	Action      string    `json:"action"`
	ActorID     int64     `json:"actor_id"`
	RoleID      int64     `json:"role_id,omitempty"`
	UserID      int64     `json:"user_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Affected    []int64   `json:"affected,omitempty"`
	At          time.Time `json:"at"`
}

// ChangeRecorder receives committed changes, typically for auditing.
type ChangeRecorder interface {
	RecordChange(ctx context.Context, change Change) error
}

// Service orchestrates RBAC mutations and keeps the permission cache coherent.
// Every write evicts affected snapshots after it commits and before it returns.
type Service struct {
	repo        Repository
	invalidator *Invalidator
	recorder    ChangeRecorder
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService constructs a Service. recorder may be nil.
func NewService(repo Repository, invalidator *Invalidator, recorder ChangeRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, recorder: recorder, logger: logger, clock: time.Now}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListPermissions returns the permission catalogue.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// CreateRole inserts a new role. New roles have no members, so nothing is evicted.
func (s *Service) CreateRole(ctx context.Context, actorID int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	role, err := s.repo.CreateRole(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, Change{Action: ActionRoleCreate, ActorID: actorID, RoleID: role.ID})
	return role, nil
}

// UpdateRole renames a role. Snapshots carry the role name, so members are evicted.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	role, err := s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, err
	}
	s.invalidated("update role", s.invalidator.InvalidateRole(ctx, id))
	s.record(ctx, Change{Action: ActionRoleUpdate, ActorID: actorID, RoleID: id})
	return role, nil
}

// DeleteRole removes a role. Members are captured inside the delete
// transaction because the assignment rows are gone afterwards.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) error {
	members, err := s.repo.DeleteRole(ctx, id)
	if err != nil {
		return err
	}
	s.invalidated("delete role", s.invalidator.InvalidateUsers(ctx, members...))
	s.record(ctx, Change{Action: ActionRoleDelete, ActorID: actorID, RoleID: id, Affected: members})
	return nil
}

// SetRolePermissions replaces a role's grants.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, keys []string) error {
	normalized := NewPermissionSet(keys...).Keys()
	if err := s.repo.SetRolePermissions(ctx, roleID, normalized); err != nil {
		return err
	}
	s.invalidated("set role permissions", s.invalidator.InvalidateRole(ctx, roleID))
	s.record(ctx, Change{Action: ActionRolePermissions, ActorID: actorID, RoleID: roleID, Permissions: normalized})
	return nil
}

// EnsurePermission upserts a catalogue entry. Display names feed snapshot
// labels, so the whole cache is dropped.
func (s *Service) EnsurePermission(ctx context.Context, actorID int64, key, name string) (Permission, error) {
	key = normalizeKey(key)
	if key == "" {
		return Permission{}, fmt.Errorf("%w: permission key required", httpx.ErrValidation)
	}
	perm, err := s.repo.EnsurePermission(ctx, key, strings.TrimSpace(name))
	if err != nil {
		return Permission{}, err
	}
	s.invalidated("ensure permission", s.invalidator.ClearAll(ctx))
	s.record(ctx, Change{Action: ActionPermissionEnsure, ActorID: actorID, Permissions: []string{key}})
	return perm, nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID int64) error {
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidated("assign role", s.invalidator.InvalidateUser(ctx, userID))
	s.record(ctx, Change{Action: ActionUserRoleAssign, ActorID: actorID, UserID: userID, RoleID: roleID})
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID int64) error {
	if err := s.repo.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidated("remove role", s.invalidator.InvalidateUser(ctx, userID))
	s.record(ctx, Change{Action: ActionUserRoleRemove, ActorID: actorID, UserID: userID, RoleID: roleID})
	return nil
}

// SelectRole changes which assigned role is current for the user.
func (s *Service) SelectRole(ctx context.Context, actorID, userID, roleID int64) error {
	if err := s.repo.SetSelectedRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidated("select role", s.invalidator.InvalidateUser(ctx, userID))
	s.record(ctx, Change{Action: ActionUserRoleSelect, ActorID: actorID, UserID: userID, RoleID: roleID})
	return nil
}

// GrantPermission adds a direct grant to a user.
func (s *Service) GrantPermission(ctx context.Context, actorID, userID int64, key string) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("%w: permission key required", httpx.ErrValidation)
	}
	if err := s.repo.GrantPermission(ctx, userID, key); err != nil {
		return err
	}
	s.invalidated("grant permission", s.invalidator.InvalidateUser(ctx, userID))
	s.record(ctx, Change{Action: ActionUserGrant, ActorID: actorID, UserID: userID, Permissions: []string{key}})
	return nil
}

// RevokePermission removes a direct grant from a user.
func (s *Service) RevokePermission(ctx context.Context, actorID, userID int64, key string) error {
	key = normalizeKey(key)
	if err := s.repo.RevokePermission(ctx, userID, key); err != nil {
		return err
	}
	s.invalidated("revoke permission", s.invalidator.InvalidateUser(ctx, userID))
	s.record(ctx, Change{Action: ActionUserRevoke, ActorID: actorID, UserID: userID, Permissions: []string{key}})
	return nil
}

// ClearCache drops every cached snapshot on all replicas.
func (s *Service) ClearCache(ctx context.Context, actorID int64) error {
	if err := s.invalidator.ClearAll(ctx); err != nil {
		return err
	}
	s.record(ctx, Change{Action: ActionCacheClear, ActorID: actorID})
	return nil
}

// invalidated logs a failed eviction. The write has already committed, so the
// request still succeeds; local eviction has happened in every failure mode.
func (s *Service) invalidated(op string, err error) {
	if err != nil {
		s.logger.Error("invalidate after "+op, slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, change Change) {
	if s.recorder == nil {
		return
	}
	change.At = s.clock().UTC()
	if err := s.recorder.RecordChange(ctx, change); err != nil {
		s.logger.Warn("record permission change",
			slog.String("action", change.Action),
			slog.Any("error", err))
	}
}
