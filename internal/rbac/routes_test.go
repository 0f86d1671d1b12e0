package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRouteTableLongestPrefix(t *testing.T) {
	table, err := DefaultRouteTable()
	require.NoError(t, err)

	cases := map[string]string{
		"/admin/users/42":     "/admin/users",
		"/admin/users":        "/admin/users",
		"/admin":              "/admin",
		"/admin/settings":     "/admin",
		"/rider/deliveries/9": "/rider/deliveries",
		"/rider/profile":      "/rider",
		"/partner/menu/items": "/partner/menu",
		"/checkout/confirm":   "/checkout",
	}
	for path, want := range cases {
		req, ok := table.Lookup(path)
		require.Truef(t, ok, "expected requirement for %s", path)
		require.Equalf(t, want, req.Path, "lookup %s", path)
	}

	_, ok := table.Lookup("/menu")
	require.False(t, ok, "unlisted paths are unrestricted")
	_, ok = table.Lookup("/")
	require.False(t, ok)
}

func TestRouteTablePrefixIsPlainString(t *testing.T) {
	table, err := NewRouteTable([]RouteRequirement{{Path: "/admin", Permissions: []string{"view_users"}}})
	require.NoError(t, err)
	req, ok := table.Lookup("/administrator")
	require.True(t, ok)
	require.Equal(t, "/admin", req.Path)
}

func TestRouteTableExactBeatsPrefix(t *testing.T) {
	table, err := NewRouteTable([]RouteRequirement{
		{Path: "/orders", Permissions: []string{"view_orders"}},
		{Path: "/orders/new", Permissions: []string{"PLACE_ORDERS"}, Mode: "all"},
	})
	require.NoError(t, err)

	req, ok := table.Lookup("/orders/new")
	require.True(t, ok)
	require.Equal(t, ModeAll, req.Mode)
	require.Equal(t, []string{"place_orders"}, req.Permissions)

	req, _ = table.Lookup("/orders/17")
	require.Equal(t, "/orders", req.Path)
	require.Equal(t, ModeAny, req.Mode)

	paths := []string{}
	for _, r := range table.Requirements() {
		paths = append(paths, r.Path)
	}
	require.Equal(t, []string{"/orders/new", "/orders"}, paths)
}

func TestNewRouteTableRejectsInvalidEntries(t *testing.T) {
	_, err := NewRouteTable([]RouteRequirement{{Path: "admin"}})
	require.ErrorContains(t, err, "must start with /")

	_, err = NewRouteTable([]RouteRequirement{{Path: "/a"}, {Path: "/a"}})
	require.ErrorContains(t, err, "declared twice")

	_, err = NewRouteTable([]RouteRequirement{{Path: "/a", Mode: "SOME"}})
	require.ErrorContains(t, err, "unknown mode")

	_, err = ParseRouteTable([]byte("routes: ["))
	require.ErrorContains(t, err, "parse routes")
}

func TestLoadRouteTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - path: /kitchen
    permissions: [manage_menu]
    roles: [PARTNER]
`), 0o600))

	table, err := LoadRouteTableFile(path)
	require.NoError(t, err)
	req, ok := table.Lookup("/kitchen/tickets")
	require.True(t, ok)
	require.Equal(t, []string{"PARTNER"}, req.Roles)

	_, err = LoadRouteTableFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read routes")

	table, err = LoadRouteTableFile("")
	require.NoError(t, err)
	_, ok = table.Lookup("/admin")
	require.True(t, ok)
}

func TestRouteRequirementEvaluate(t *testing.T) {
	anyReq := RouteRequirement{Path: "/admin", Permissions: []string{"view_users", "view_roles"}, Mode: ModeAny}
	allReq := RouteRequirement{Path: "/admin/roles", Permissions: []string{"view_roles", "manage_roles"}, Mode: ModeAll}
	roleReq := RouteRequirement{Path: "/rider", Permissions: []string{"view_deliveries"}, Mode: ModeAny, Roles: []string{"RIDER"}}

	require.False(t, anyReq.Evaluate(nil).Allowed)

	viewer := snapshot(1, "ADMIN", "view_roles")
	require.True(t, anyReq.Evaluate(viewer).Allowed)

	d := allReq.Evaluate(viewer)
	require.False(t, d.Allowed)
	require.False(t, d.PermissionsOK)
	require.True(t, d.RoleOK)
	require.Equal(t, []string{"manage_roles"}, d.Missing)

	partner := snapshot(2, "PARTNER", "view_deliveries")
	d = roleReq.Evaluate(partner)
	require.True(t, d.PermissionsOK)
	require.False(t, d.RoleOK)
	require.False(t, d.Allowed)

	rider := snapshot(3, "rider", "view_deliveries")
	require.True(t, roleReq.Evaluate(rider).Allowed)
}

func newTestRouteGuard(t *testing.T, userID int64, resolver PermissionResolver) RouteGuard {
	t.Helper()
	table, err := DefaultRouteTable()
	require.NoError(t, err)
	return RouteGuard{Table: table, Identity: identityOf(userID), Resolver: resolver}
}

func serveGuard(g RouteGuard, req *http.Request) (*httptest.ResponseRecorder, bool) {
	var reached bool
	h := g.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, reached
}

func TestRouteGuardUnrestrictedPathPasses(t *testing.T) {
	resolver := &countingResolver{}
	rr, reached := serveGuard(newTestRouteGuard(t, 0, resolver), httptest.NewRequest(http.MethodGet, "/menu", nil))
	require.True(t, reached)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, resolver.calls)
}

func TestRouteGuardAnonymous(t *testing.T) {
	g := newTestRouteGuard(t, 0, &countingResolver{})

	rr, reached := serveGuard(g, httptest.NewRequest(http.MethodGet, "/checkout?step=2", nil))
	require.False(t, reached)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/auth/login?next=%2Fcheckout%3Fstep%3D2", rr.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/checkout", nil)
	req.Header.Set("Accept", "application/json")
	rr, _ = serveGuard(g, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouteGuardForbidden(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{4: snapshot(4, "CUSTOMER", "view_orders")}}
	g := newTestRouteGuard(t, 4, resolver)

	rr, reached := serveGuard(g, httptest.NewRequest(http.MethodGet, "/rider/deliveries", nil))
	require.False(t, reached)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/forbidden", rr.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/rider/deliveries", nil)
	req.Header.Set("Authorization", "Bearer x")
	rr, _ = serveGuard(g, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "view_deliveries")

	rr, reached = serveGuard(g, httptest.NewRequest(http.MethodGet, "/orders/5", nil))
	require.True(t, reached)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRouteGuardResolverErrors(t *testing.T) {
	g := newTestRouteGuard(t, 1, &countingResolver{err: ErrNoRole})
	rr, reached := serveGuard(g, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.False(t, reached)
	require.Equal(t, "/forbidden", rr.Header().Get("Location"))

	g = newTestRouteGuard(t, 1, &countingResolver{})
	rr, reached = serveGuard(g, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.False(t, reached)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/auth/login?next=%2Fadmin", rr.Header().Get("Location"))

	g = newTestRouteGuard(t, 1, &countingResolver{err: errors.New("db down")})
	rr, reached = serveGuard(g, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.False(t, reached)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRouteGuardUsesRequestScope(t *testing.T) {
	store := newMemStore(access(1, grant(10, "ADMIN", "view_users")))
	resolver, _ := newTestResolver(t, store, ResolverConfig{})
	g := RouteGuard{Identity: identityOf(1), Resolver: resolver}
	g.Table, _ = DefaultRouteTable()

	h := RequestScopeMiddleware(g.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, RequestScopeFromContext(r.Context()))
		snap, err := resolver.UserPermissions(r.Context(), 1)
		require.NoError(t, err)
		require.True(t, snap.Can("view_users"))
	})))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/users", nil).WithContext(context.Background()))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, store.calls())
}
