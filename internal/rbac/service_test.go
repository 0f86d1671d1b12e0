package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foodhub/foodhub/internal/platform/httpx"
)

// memRepo records mutations and fails on demand.
type memRepo struct {
	mu      sync.Mutex
	roles   map[int64]Role
	members map[int64][]int64
	nextID  int64
	ops     []string
	err     error
}

func newMemRepo(roles ...Role) *memRepo {
	r := &memRepo{roles: make(map[int64]Role), members: make(map[int64][]int64), nextID: 100}
	for _, role := range roles {
		r.roles[role.ID] = role
	}
	return r
}

func (r *memRepo) op(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, name)
	return r.err
}

func (r *memRepo) ListRoles(context.Context) ([]Role, error) {
	if err := r.op("list_roles"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return out, nil
}

func (r *memRepo) GetRole(_ context.Context, id int64) (Role, error) {
	if err := r.op("get_role"); err != nil {
		return Role{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (r *memRepo) CreateRole(_ context.Context, name, description string) (Role, error) {
	if err := r.op("create_role"); err != nil {
		return Role{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	role := Role{ID: r.nextID, Name: name, Description: description}
	r.roles[role.ID] = role
	return role, nil
}

func (r *memRepo) UpdateRole(_ context.Context, id int64, name, description string) (Role, error) {
	if err := r.op("update_role"); err != nil {
		return Role{}, err
	}
	return Role{ID: id, Name: name, Description: description}, nil
}

func (r *memRepo) DeleteRole(_ context.Context, id int64) ([]int64, error) {
	if err := r.op("delete_role"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[id], nil
}

func (r *memRepo) ListPermissions(context.Context) ([]Permission, error) {
	return []Permission{{ID: 1, Key: "view_orders", Name: "View orders"}}, r.op("list_permissions")
}

func (r *memRepo) EnsurePermission(_ context.Context, key, name string) (Permission, error) {
	return Permission{ID: 9, Key: key, Name: name}, r.op("ensure_permission")
}

func (r *memRepo) SetRolePermissions(context.Context, int64, []string) error {
	return r.op("set_role_permissions")
}

func (r *memRepo) AssignRole(context.Context, int64, int64) error { return r.op("assign_role") }
func (r *memRepo) RemoveRole(context.Context, int64, int64) error { return r.op("remove_role") }
func (r *memRepo) SetSelectedRole(context.Context, int64, int64) error {
	return r.op("select_role")
}
func (r *memRepo) GrantPermission(context.Context, int64, string) error {
	return r.op("grant_permission")
}
func (r *memRepo) RevokePermission(context.Context, int64, string) error {
	return r.op("revoke_permission")
}

type recordedChanges struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (r *recordedChanges) RecordChange(_ context.Context, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return r.err
}

func (r *recordedChanges) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

type serviceFixture struct {
	svc      *Service
	repo     *memRepo
	cache    *PermissionCache
	store    *memStore
	bus      *recordingBroadcaster
	recorder *recordedChanges
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	f := serviceFixture{
		repo:     newMemRepo(Role{ID: 10, Name: "PARTNER"}),
		cache:    NewPermissionCache(time.Minute, 100),
		store:    newMemStore(),
		bus:      &recordingBroadcaster{},
		recorder: &recordedChanges{},
	}
	inv := NewInvalidator(f.cache, f.store, f.bus, nil, nil)
	f.svc = NewService(f.repo, inv, f.recorder, nil)
	f.svc.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WIB", 7*3600)) }
	return f
}

func (f serviceFixture) warm(userIDs ...int64) {
	for _, id := range userIDs {
		f.cache.Set(id, snapshot(id, "PARTNER", "view_menu"))
	}
}

func (f serviceFixture) cached(id int64) bool {
	_, ok := f.cache.Get(id)
	return ok
}

func TestServiceUserMutationsEvictOnlyThatUser(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(f serviceFixture) error{
		"assign": func(f serviceFixture) error { return f.svc.AssignRole(ctx, 1, 7, 10) },
		"remove": func(f serviceFixture) error { return f.svc.RemoveRole(ctx, 1, 7, 10) },
		"select": func(f serviceFixture) error { return f.svc.SelectRole(ctx, 1, 7, 10) },
		"grant":  func(f serviceFixture) error { return f.svc.GrantPermission(ctx, 1, 7, " Manage_Menu ") },
		"revoke": func(f serviceFixture) error { return f.svc.RevokePermission(ctx, 1, 7, "manage_menu") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.warm(7, 8)
			require.NoError(t, mutate(f))
			require.False(t, f.cached(7))
			require.True(t, f.cached(8))
			require.Len(t, f.recorder.all(), 1)
			require.Equal(t, int64(7), f.recorder.all()[0].UserID)
		})
	}
}

func TestServiceGrantNormalisesKey(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.svc.GrantPermission(context.Background(), 1, 7, " Manage_Menu "))
	changes := f.recorder.all()
	require.Equal(t, []string{"manage_menu"}, changes[0].Permissions)
	require.Equal(t, time.UTC, changes[0].At.Location())

	err := f.svc.GrantPermission(context.Background(), 1, 7, "  ")
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestServiceRoleMutationsEvictMembers(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.store.put(access(7, grant(10, "PARTNER", "view_menu")))
	f.store.put(access(8, grant(10, "PARTNER", "view_menu")))
	f.store.put(access(9, grant(11, "RIDER", "view_deliveries")))
	f.warm(7, 8, 9)

	require.NoError(t, f.svc.SetRolePermissions(ctx, 1, 10, []string{"MANAGE_MENU", "view_menu", "manage_menu"}))
	require.False(t, f.cached(7))
	require.False(t, f.cached(8))
	require.True(t, f.cached(9))
	require.Equal(t, []string{"manage_menu", "view_menu"}, f.recorder.all()[0].Permissions)

	f.warm(7, 8)
	_, err := f.svc.UpdateRole(ctx, 1, 10, "Partner", "restaurants")
	require.NoError(t, err)
	require.False(t, f.cached(7))
	require.True(t, f.cached(9))
}

func TestServiceDeleteRoleEvictsCapturedMembers(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.members[10] = []int64{7, 8}
	f.warm(7, 8, 9)

	require.NoError(t, f.svc.DeleteRole(context.Background(), 1, 10))
	require.False(t, f.cached(7))
	require.False(t, f.cached(8))
	require.True(t, f.cached(9))
	require.Equal(t, []int64{7, 8}, f.recorder.all()[0].Affected)
}

func TestServiceEnsurePermissionClearsCache(t *testing.T) {
	f := newServiceFixture(t)
	f.warm(7, 8)
	perm, err := f.svc.EnsurePermission(context.Background(), 1, "Track_Orders", "Track orders")
	require.NoError(t, err)
	require.Equal(t, "track_orders", perm.Key)
	require.Zero(t, f.cache.Stats().Size)
	require.Equal(t, InvalidateAllKind, f.bus.published()[0].Kind)
}

func TestServiceCreateRoleValidatesName(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateRole(context.Background(), 1, "   ", "")
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Empty(t, f.repo.ops)

	role, err := f.svc.CreateRole(context.Background(), 1, " DISPATCHER ", " ops ")
	require.NoError(t, err)
	require.Equal(t, "DISPATCHER", role.Name)
	require.Equal(t, "ops", role.Description)
	require.Equal(t, ActionRoleCreate, f.recorder.all()[0].Action)
}

func TestServiceRepositoryFailureKeepsCache(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.err = errors.New("constraint")
	f.warm(7)

	require.Error(t, f.svc.AssignRole(context.Background(), 1, 7, 10))
	require.True(t, f.cached(7))
	require.Empty(t, f.recorder.all())
}

func TestServiceSurvivesPublishAndRecorderFailures(t *testing.T) {
	f := newServiceFixture(t)
	f.bus.err = errors.New("redis down")
	f.recorder.err = errors.New("queue down")
	f.warm(7)

	require.NoError(t, f.svc.AssignRole(context.Background(), 1, 7, 10))
	require.False(t, f.cached(7))
}

func TestServiceClearCacheReportsPublishFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.bus.err = errors.New("redis down")
	f.warm(7)

	require.Error(t, f.svc.ClearCache(context.Background(), 1))
	require.False(t, f.cached(7))
	require.Empty(t, f.recorder.all())
}
