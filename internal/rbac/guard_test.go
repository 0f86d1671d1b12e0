package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func okOp(called *bool) Operation {
	return func(context.Context, Caller) (any, error) {
		*called = true
		return "done", nil
	}
}

func TestGuardUnauthenticatedNeverResolves(t *testing.T) {
	resolver := &countingResolver{}
	guard := NewGuard(identityOf(0), resolver, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "list orders", Condition{Required: []string{"view_orders"}}, okOp(&called))

	require.False(t, res.Success)
	require.Equal(t, CodeUnauthenticated, res.Code)
	require.Equal(t, http.StatusUnauthorized, res.Status)
	require.ErrorIs(t, res.Err, ErrUnauthenticated)
	require.Zero(t, resolver.calls)
	require.False(t, called)
}

func TestGuardDenyRoleShortCircuits(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{
		4: snapshot(4, "Customer", "view_orders"),
	}}
	guard := NewGuard(identityOf(4), resolver, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "clear cache", Condition{
		Required:  []string{"manage_permissions"},
		AnyOf:     []string{"view_reports"},
		DenyRoles: []string{"CUSTOMER"},
	}, okOp(&called))

	require.Equal(t, CodeForbidden, res.Code)
	require.Equal(t, http.StatusForbidden, res.Status)
	require.ErrorIs(t, res.Err, ErrForbidden)
	require.Empty(t, res.Missing, "permissions are not evaluated for denied roles")
	require.Empty(t, res.Condition)
	require.False(t, called)
}

func TestGuardAllowRoleBypassesPermissions(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{1: snapshot(1, "ADMIN")}}
	guard := NewGuard(identityOf(1), resolver, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "dispatch", Condition{
		Required:   []string{"assign_deliveries"},
		AllowRoles: []string{"admin"},
	}, okOp(&called))

	require.True(t, res.Success)
	require.Equal(t, "done", res.Data)
	require.Equal(t, http.StatusOK, res.Status)
	require.True(t, called)
}

func TestGuardPermissionTruthTable(t *testing.T) {
	cases := []struct {
		name      string
		held      []string
		cond      Condition
		allowed   bool
		condition string
		missing   []string
	}{
		{name: "no requirements", allowed: true},
		{name: "all held", held: []string{"a", "b"}, cond: Condition{Required: []string{"a", "b"}}, allowed: true},
		{name: "all partially held", held: []string{"a"}, cond: Condition{Required: []string{"a", "b"}}, condition: "required", missing: []string{"b"}},
		{name: "all none held", cond: Condition{Required: []string{"a", "b"}}, condition: "required", missing: []string{"a", "b"}},
		{name: "any one held", held: []string{"b"}, cond: Condition{AnyOf: []string{"a", "b"}}, allowed: true},
		{name: "any none held", held: []string{"c"}, cond: Condition{AnyOf: []string{"a", "b"}}, condition: "anyOf", missing: []string{"a", "b"}},
		{name: "required checked before anyOf", held: []string{"c"}, cond: Condition{Required: []string{"a"}, AnyOf: []string{"c"}}, condition: "required", missing: []string{"a"}},
		{name: "both satisfied", held: []string{"a", "c"}, cond: Condition{Required: []string{"a"}, AnyOf: []string{"b", "c"}}, allowed: true},
		{name: "case insensitive keys", held: []string{"view_orders"}, cond: Condition{Required: []string{"VIEW_ORDERS"}}, allowed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{9: snapshot(9, "PARTNER", tc.held...)}}
			guard := NewGuard(identityOf(9), resolver, nil, nil)

			var called bool
			res := guard.Run(context.Background(), tc.name, tc.cond, okOp(&called))
			require.Equal(t, tc.allowed, res.Success)
			require.Equal(t, tc.allowed, called)
			if tc.allowed {
				return
			}
			require.Equal(t, CodeNoPermission, res.Code)
			require.ErrorIs(t, res.Err, ErrNoPermission)
			require.Equal(t, tc.condition, res.Condition)
			require.Equal(t, tc.missing, res.Missing)
		})
	}
}

func TestGuardResolverFailureIsInternal(t *testing.T) {
	boom := errors.New("store offline")
	guard := NewGuard(identityOf(1), &countingResolver{err: boom}, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "list roles", Condition{}, okOp(&called))
	require.Equal(t, CodeInternal, res.Code)
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.ErrorIs(t, res.Err, boom)
	require.ErrorIs(t, res.Err, ErrInternal)
	require.Equal(t, "internal error", res.Message)
	require.False(t, called)
}

func TestGuardRolelessUserIsForbidden(t *testing.T) {
	guard := NewGuard(identityOf(1), &countingResolver{err: fmt.Errorf("%w: %d", ErrNoRole, 1)}, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "me.permissions", Condition{}, okOp(&called))
	require.Equal(t, CodeForbidden, res.Code)
	require.Equal(t, http.StatusForbidden, res.Status)
	require.ErrorIs(t, res.Err, ErrForbidden)
	require.ErrorIs(t, res.Err, ErrNoRole)
	require.False(t, called)
}

func TestGuardUnknownUserIsUnauthenticated(t *testing.T) {
	guard := NewGuard(identityOf(99), &countingResolver{}, nil, nil)

	var called bool
	res := guard.Run(context.Background(), "me.permissions", Condition{}, okOp(&called))
	require.Equal(t, CodeUnauthenticated, res.Code)
	require.Equal(t, http.StatusUnauthorized, res.Status)
	require.ErrorIs(t, res.Err, ErrUserNotFound)
	require.False(t, called)
}

func TestGuardOperationErrorIsInternal(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{1: snapshot(1, "ADMIN")}}
	guard := NewGuard(identityOf(1), resolver, nil, nil)

	boom := errors.New("write failed")
	res := guard.Run(context.Background(), "create role", Condition{Audit: true}, func(context.Context, Caller) (any, error) {
		return nil, boom
	})
	require.False(t, res.Success)
	require.Equal(t, CodeInternal, res.Code)
	require.ErrorIs(t, res.Err, boom)
}

func TestGuardRecoversPanics(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{1: snapshot(1, "ADMIN")}}
	guard := NewGuard(identityOf(1), resolver, nil, nil)

	res := guard.Run(context.Background(), "explode", Condition{}, func(context.Context, Caller) (any, error) {
		panic("nil map")
	})
	require.Equal(t, CodeInternal, res.Code)
	require.ErrorIs(t, res.Err, ErrInternal)
	require.Contains(t, res.Err.Error(), "INTERNAL_ERROR")
}

func TestGuardPassesCallerToOperation(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{3: snapshot(3, "RIDER", "view_deliveries")}}
	guard := NewGuard(identityOf(3), resolver, nil, nil)

	res := guard.Run(context.Background(), "deliveries", Condition{AnyOf: []string{"view_deliveries"}}, func(_ context.Context, c Caller) (any, error) {
		require.Equal(t, int64(3), c.UserID)
		require.Equal(t, "RIDER", c.RoleName)
		require.True(t, c.Can("view_deliveries"))
		require.True(t, c.CanAny("assign_deliveries", "view_deliveries"))
		require.False(t, c.CanAll("assign_deliveries", "view_deliveries"))
		return c.UserID, nil
	})
	require.True(t, res.Success)
	require.Equal(t, int64(3), res.Data)
}

func TestGuardAuthorizeReturnsDenial(t *testing.T) {
	resolver := &countingResolver{snaps: map[int64]*PermissionSnapshot{2: snapshot(2, "CUSTOMER", "place_orders")}}
	guard := NewGuard(identityOf(2), resolver, nil, nil)

	caller, denial := guard.Authorize(context.Background(), "checkout", Condition{Required: []string{"place_orders"}})
	require.Nil(t, denial)
	require.Equal(t, int64(2), caller.UserID)

	_, denial = guard.Authorize(context.Background(), "dispatch", Condition{Required: []string{"assign_deliveries"}})
	require.NotNil(t, denial)
	require.Equal(t, []string{"assign_deliveries"}, denial.Missing)
	require.Equal(t, http.StatusForbidden, denial.Status())
}
