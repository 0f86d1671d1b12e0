package rbac

import (
	"context"
	"fmt"
	"log/slog"
)

// InvalidationKind names the scope of an eviction.
type InvalidationKind string

const (
	InvalidateUsersKind InvalidationKind = "users"
	InvalidateAllKind   InvalidationKind = "all"
)

// InvalidationEvent is published to other replicas after a local eviction.
// Role invalidations are expanded to user ids before publishing so receivers
// never need to query the store.
type InvalidationEvent struct {
	Kind    InvalidationKind `json:"kind"`
	UserIDs []int64          `json:"user_ids,omitempty"`
	RoleID  int64            `json:"role_id,omitempty"`
	Origin  string           `json:"origin"`
}

// Broadcaster fans invalidation events out to other processes.
type Broadcaster interface {
	Publish(ctx context.Context, event InvalidationEvent) error
}

// Invalidator evicts cached snapshots whenever role, permission or assignment
// data changes. Callers must invoke it after their write commits and before
// reporting success.
type Invalidator struct {
	cache       *PermissionCache
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     *Metrics
}

// NewInvalidator wires an invalidator. broadcaster may be nil for single-process deployments.
func NewInvalidator(cache *PermissionCache, store Store, broadcaster Broadcaster, logger *slog.Logger, metrics *Metrics) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: cache, store: store, broadcaster: broadcaster, logger: logger, metrics: metrics}
}

// InvalidateUser evicts one user's snapshot.
func (i *Invalidator) InvalidateUser(ctx context.Context, userID int64) error {
	return i.InvalidateUsers(ctx, userID)
}

// InvalidateUsers evicts the snapshots of every listed user.
func (i *Invalidator) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	for _, id := range userIDs {
		i.cache.Delete(id)
	}
	i.metrics.invalidation(string(InvalidateUsersKind))
	return i.publish(ctx, InvalidationEvent{Kind: InvalidateUsersKind, UserIDs: userIDs})
}

// InvalidateRole evicts every user currently assigned roleID. When the members
// cannot be listed the whole local cache is cleared so no stale grant survives,
// and the listing error is returned.
func (i *Invalidator) InvalidateRole(ctx context.Context, roleID int64) error {
	ids, err := i.store.ListUserIDsByRole(ctx, roleID)
	if err != nil {
		i.logger.Error("invalidate role: list members, clearing cache",
			slog.Int64("role_id", roleID), slog.Any("error", err))
		if clearErr := i.ClearAll(ctx); clearErr != nil {
			i.logger.Error("invalidate role: clear fallback", slog.Any("error", clearErr))
		}
		return fmt.Errorf("rbac: invalidate role %d: %w", roleID, err)
	}
	for _, id := range ids {
		i.cache.Delete(id)
	}
	i.metrics.invalidation("role")
	i.logger.Debug("invalidated role", slog.Int64("role_id", roleID), slog.Int("users", len(ids)))
	if len(ids) == 0 {
		return nil
	}
	return i.publish(ctx, InvalidationEvent{Kind: InvalidateUsersKind, UserIDs: ids, RoleID: roleID})
}

// ClearAll evicts every snapshot. Reserved for structural changes such as
// bulk permission re-seeding.
func (i *Invalidator) ClearAll(ctx context.Context) error {
	i.cache.Clear()
	i.metrics.invalidation(string(InvalidateAllKind))
	return i.publish(ctx, InvalidationEvent{Kind: InvalidateAllKind})
}

// Apply performs the local eviction described by an event received from
// another replica. It never republishes.
func (i *Invalidator) Apply(event InvalidationEvent) {
	switch event.Kind {
	case InvalidateAllKind:
		i.cache.Clear()
	case InvalidateUsersKind:
		for _, id := range event.UserIDs {
			i.cache.Delete(id)
		}
	default:
		i.logger.Warn("unknown invalidation event", slog.String("kind", string(event.Kind)))
	}
}

func (i *Invalidator) publish(ctx context.Context, event InvalidationEvent) error {
	if i.broadcaster == nil {
		return nil
	}
	if err := i.broadcaster.Publish(ctx, event); err != nil {
		i.logger.Error("publish invalidation",
			slog.String("kind", string(event.Kind)),
			slog.Int("users", len(event.UserIDs)),
			slog.Any("error", err))
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}
