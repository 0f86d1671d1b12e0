package rbac

import (
	"context"
	"slices"
	"sync"
	"time"
)

// memStore is an in-memory Store keyed by user id.
type memStore struct {
	mu        sync.Mutex
	users     map[int64]*UserAccess
	loadCalls int
	loadErr   error
	listErr   error
	// gate, when set, blocks LoadUserAccess until closed or ctx is done.
	gate chan struct{}
}

func newMemStore(users ...*UserAccess) *memStore {
	s := &memStore{users: make(map[int64]*UserAccess)}
	for _, u := range users {
		s.users[u.UserID] = u
	}
	return s
}

func (s *memStore) put(u *UserAccess) {
	s.mu.Lock()
	s.users[u.UserID] = u
	s.mu.Unlock()
}

func (s *memStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalls
}

func (s *memStore) LoadUserAccess(ctx context.Context, userID int64) (*UserAccess, error) {
	s.mu.Lock()
	s.loadCalls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *memStore) ListUserIDsByRole(_ context.Context, roleID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var ids []int64
	for id, u := range s.users {
		for _, r := range u.Roles {
			if r.RoleID == roleID {
				ids = append(ids, id)
				break
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func grant(roleID int64, name string, keys ...string) RoleGrant {
	perms := make([]Permission, 0, len(keys))
	for i, k := range keys {
		perms = append(perms, Permission{ID: int64(i + 1), Key: k})
	}
	return RoleGrant{RoleID: roleID, RoleName: name, AssignedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Permissions: perms}
}

func access(userID int64, roles ...RoleGrant) *UserAccess {
	return &UserAccess{UserID: userID, Roles: roles}
}

// recordingBroadcaster captures published events.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []InvalidationEvent
	err    error
}

func (b *recordingBroadcaster) Publish(_ context.Context, event InvalidationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return b.err
}

func (b *recordingBroadcaster) published() []InvalidationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InvalidationEvent, len(b.events))
	copy(out, b.events)
	return out
}

// countingResolver serves fixed snapshots and counts calls.
type countingResolver struct {
	mu    sync.Mutex
	snaps map[int64]*PermissionSnapshot
	err   error
	calls int
}

func (r *countingResolver) UserPermissions(_ context.Context, userID int64) (*PermissionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	snap, ok := r.snaps[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return snap, nil
}

func snapshot(userID int64, role string, keys ...string) *PermissionSnapshot {
	return &PermissionSnapshot{UserID: userID, RoleID: userID, RoleName: role, Permissions: NewPermissionSet(keys...)}
}

func identityOf(userID int64) IdentityProvider {
	return IdentityFunc(func(context.Context) (int64, bool) {
		return userID, userID > 0
	})
}
