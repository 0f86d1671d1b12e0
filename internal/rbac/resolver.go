package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store is the permission data source the resolver and invalidator consume.
type Store interface {
	// LoadUserAccess returns the user with every role, each role's
	// permissions, and direct grants in a single read. Unknown users yield ErrNotFound.
	LoadUserAccess(ctx context.Context, userID int64) (*UserAccess, error)
	// ListUserIDsByRole returns the ids of users currently assigned roleID.
	ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error)
}

// PermissionResolver is implemented by Resolver.
type PermissionResolver interface {
	UserPermissions(ctx context.Context, userID int64) (*PermissionSnapshot, error)
}

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	// Timeout bounds each store read. Zero disables the extra deadline.
	Timeout time.Duration
	// AllowRoleless builds a snapshot with no current role instead of failing
	// with ErrNoRole.
	AllowRoleless bool
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Resolver computes permission snapshots, preferring the cache.
type Resolver struct {
	store         Store
	cache         *PermissionCache
	timeout       time.Duration
	allowRoleless bool
	logger        *slog.Logger
	metrics       *Metrics
}

// NewResolver wires a resolver over store and cache.
func NewResolver(store Store, cache *PermissionCache, cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:         store,
		cache:         cache,
		timeout:       cfg.Timeout,
		allowRoleless: cfg.AllowRoleless,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// UserPermissions returns the snapshot for userID. Cache hits never touch the
// store. Concurrent misses within one request scope share a single fetch.
func (r *Resolver) UserPermissions(ctx context.Context, userID int64) (*PermissionSnapshot, error) {
	if snap, ok := r.cache.Get(userID); ok {
		r.metrics.cacheHit()
		return snap, nil
	}
	r.metrics.cacheMiss()
	return RequestScopeFromContext(ctx).do(ctx, userID, r.fetch)
}

func (r *Resolver) fetch(ctx context.Context, userID int64) (*PermissionSnapshot, error) {
	// a caller that joined the scope late may find the entry already stored
	if snap, ok := r.cache.Get(userID); ok {
		return snap, nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	access, err := r.store.LoadUserAccess(ctx, userID)
	r.metrics.observeFetch(time.Since(start))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("rbac: load user access %d: %w", userID, err)
	}
	if access == nil {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	snap, err := BuildSnapshot(access, r.allowRoleless)
	if err != nil {
		return nil, err
	}
	stored := r.cache.Set(userID, snap)
	r.logger.Debug("resolved permissions",
		slog.Int64("user_id", userID),
		slog.String("role", stored.RoleName),
		slog.Int("permissions", len(stored.Permissions)))
	return stored, nil
}

// BuildSnapshot turns a store projection into a snapshot. The current role is
// the selected role when the user still holds it, otherwise the first role in
// assignment order.
func BuildSnapshot(access *UserAccess, allowRoleless bool) (*PermissionSnapshot, error) {
	if access == nil {
		return nil, ErrUserNotFound
	}
	snap := &PermissionSnapshot{
		UserID:             access.UserID,
		Permissions:        PermissionSet{},
		DirectPermissions:  PermissionSet{},
		AllRolePermissions: make(map[string]PermissionSet, len(access.Roles)),
		Labels:             map[string]string{},
	}
	for _, grant := range access.Roles {
		set := snap.AllRolePermissions[grant.RoleName]
		if set == nil {
			set = PermissionSet{}
			snap.AllRolePermissions[grant.RoleName] = set
		}
		for _, p := range grant.Permissions {
			key := normalizeKey(p.Key)
			if key == "" {
				continue
			}
			set[key] = struct{}{}
			if p.Name != "" {
				snap.Labels[key] = p.Name
			}
		}
	}

	current := currentRole(access)
	if current == nil && !allowRoleless {
		return nil, fmt.Errorf("%w: %d", ErrNoRole, access.UserID)
	}
	if current != nil {
		snap.RoleID = current.RoleID
		snap.RoleName = current.RoleName
		for key := range snap.AllRolePermissions[current.RoleName] {
			snap.Permissions[key] = struct{}{}
		}
	}
	for _, p := range access.Direct {
		key := normalizeKey(p.Key)
		if key == "" {
			continue
		}
		snap.DirectPermissions[key] = struct{}{}
		snap.Permissions[key] = struct{}{}
		if p.Name != "" {
			snap.Labels[key] = p.Name
		}
	}
	return snap, nil
}

func currentRole(access *UserAccess) *RoleGrant {
	if len(access.Roles) == 0 {
		return nil
	}
	if access.SelectedRoleID != nil {
		for i := range access.Roles {
			if access.Roles[i].RoleID == *access.SelectedRoleID {
				return &access.Roles[i]
			}
		}
	}
	return &access.Roles[0]
}
