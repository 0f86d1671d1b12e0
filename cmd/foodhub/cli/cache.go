package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/foodhub/foodhub/internal/rbac"
)

// CacheCLI publishes permission cache invalidations to every running replica.
// It holds no cache of its own.
type CacheCLI struct {
	invalidator *rbac.Invalidator
}

// NewCacheCLI wires the helper over the permission store and broadcaster.
func NewCacheCLI(store rbac.Store, broadcaster rbac.Broadcaster, logger *slog.Logger) *CacheCLI {
	return &CacheCLI{invalidator: rbac.NewInvalidator(nil, store, broadcaster, logger, nil)}
}

// InvalidateTarget selects what to evict. Exactly one field must be set.
type InvalidateTarget struct {
	UserID int64
	RoleID int64
	All    bool
}

// Invalidate evicts the target on all replicas.
func (c *CacheCLI) Invalidate(ctx context.Context, target InvalidateTarget) error {
	set := 0
	if target.UserID > 0 {
		set++
	}
	if target.RoleID > 0 {
		set++
	}
	if target.All {
		set++
	}
	if set != 1 {
		return errors.New("cache cli: choose exactly one of user, role or all")
	}
	switch {
	case target.UserID > 0:
		return c.invalidator.InvalidateUser(ctx, target.UserID)
	case target.RoleID > 0:
		return c.invalidator.InvalidateRole(ctx, target.RoleID)
	default:
		return c.invalidator.ClearAll(ctx)
	}
}
