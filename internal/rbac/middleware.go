package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/foodhub/foodhub/internal/platform/httpx"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Guard *Guard
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.Require(Condition{AnyOf: normalizePermissions(perms)})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.Require(Condition{Required: normalizePermissions(perms)})
}

// Require enforces an arbitrary condition. The authorized caller is stored in
// the request context.
func (m Middleware) Require(cond Condition) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, denial := m.Guard.Authorize(r.Context(), r.Method+" "+r.URL.Path, cond)
			if denial != nil {
				writeDenial(w, denial)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
		})
	}
}

type callerContextKey struct{}

// ContextWithCaller stores an authorized caller.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller stored by Require.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}

type denialBody struct {
	httpx.ProblemDetail
	Code      Code     `json:"code"`
	Condition string   `json:"condition,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

func writeDenial(w http.ResponseWriter, d *Denial) {
	status := d.Status()
	httpx.JSON(w, status, denialBody{
		ProblemDetail: httpx.ProblemDetail{
			Title:  http.StatusText(status),
			Status: status,
			Detail: d.Message,
		},
		Code:      d.Code,
		Condition: d.Condition,
		Missing:   d.Missing,
	})
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
