package rbac

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// RequestScope coalesces concurrent snapshot fetches for the same user within
// one inbound request. It lives only as long as the request context.
type RequestScope struct {
	group   singleflight.Group
	waiters atomic.Int64
}

// NewRequestScope returns an empty scope.
func NewRequestScope() *RequestScope {
	return &RequestScope{}
}

type requestScopeKey struct{}

// WithRequestScope attaches a fresh scope to ctx.
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, NewRequestScope())
}

// RequestScopeFromContext returns the scope attached to ctx, if any.
func RequestScopeFromContext(ctx context.Context) *RequestScope {
	scope, _ := ctx.Value(requestScopeKey{}).(*RequestScope)
	return scope
}

// RequestScopeMiddleware attaches a request scope to every request.
func RequestScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithRequestScope(r.Context())))
	})
}

// do runs fn once per user id among concurrent callers. The shared fetch is
// detached from any single caller's cancellation; each caller stops waiting
// when its own context is done.
func (s *RequestScope) do(ctx context.Context, userID int64, fn func(context.Context, int64) (*PermissionSnapshot, error)) (*PermissionSnapshot, error) {
	if s == nil {
		return fn(ctx, userID)
	}
	s.waiters.Add(1)
	defer s.waiters.Add(-1)
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return fn(detached, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap, _ := res.Val.(*PermissionSnapshot)
		return snap, nil
	}
}

// Waiting reports how many callers are currently inside the scope.
func (s *RequestScope) Waiting() int64 {
	if s == nil {
		return 0
	}
	return s.waiters.Load()
}
