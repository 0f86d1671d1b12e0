package rbac

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/foodhub/foodhub/internal/shared"
)

// IdentityProvider resolves the authenticated caller.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (int64, bool)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(ctx context.Context) (int64, bool)

// CurrentUserID implements IdentityProvider.
func (f IdentityFunc) CurrentUserID(ctx context.Context) (int64, bool) {
	return f(ctx)
}

// SessionIdentity reads the caller from a bearer principal first, then from
// the cookie session.
type SessionIdentity struct {
	Logger *slog.Logger
}

// CurrentUserID implements IdentityProvider.
func (s SessionIdentity) CurrentUserID(ctx context.Context) (int64, bool) {
	if id, ok := shared.PrincipalFromContext(ctx); ok {
		return id, true
	}
	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if s.Logger != nil {
			s.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
