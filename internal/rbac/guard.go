package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/text/cases"
)

// Condition lists the requirements an operation places on its caller.
type Condition struct {
	// Required keys must all be granted.
	Required []string
	// AnyOf needs at least one granted key.
	AnyOf []string
	// AllowRoles bypass the permission checks.
	AllowRoles []string
	// DenyRoles are refused before any permission is evaluated.
	DenyRoles []string
	// Audit logs the outcome with timing at info level.
	Audit bool
}

// Caller is the authenticated principal handed to a guarded operation.
type Caller struct {
	UserID   int64
	RoleID   int64
	RoleName string
	Snapshot *PermissionSnapshot
}

// Can reports whether the caller holds key.
func (c Caller) Can(key string) bool {
	return c.Snapshot.Can(key)
}

// CanAny reports whether the caller holds any of keys.
func (c Caller) CanAny(keys ...string) bool {
	if c.Snapshot == nil {
		return false
	}
	return c.Snapshot.Permissions.HasAny(keys)
}

// CanAll reports whether the caller holds every key.
func (c Caller) CanAll(keys ...string) bool {
	if c.Snapshot == nil {
		return false
	}
	return c.Snapshot.Permissions.HasAll(keys)
}

// Operation is the work performed once the caller is authorized.
type Operation func(ctx context.Context, caller Caller) (any, error)

// Result is the uniform outcome of a guarded operation.
type Result struct {
	Success   bool     `json:"success"`
	Data      any      `json:"data,omitempty"`
	Message   string   `json:"message,omitempty"`
	Code      Code     `json:"code,omitempty"`
	Status    int      `json:"-"`
	Condition string   `json:"condition,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	// Err carries the underlying failure for logging and status refinement.
	Err error `json:"-"`
}

const internalMessage = "internal error"

// Guard authorizes operations against the caller's permission snapshot.
type Guard struct {
	identity IdentityProvider
	resolver PermissionResolver
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time
}

// NewGuard wires a guard.
func NewGuard(identity IdentityProvider, resolver PermissionResolver, logger *slog.Logger, metrics *Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{identity: identity, resolver: resolver, logger: logger, metrics: metrics, clock: time.Now}
}

// Run authorizes the caller and executes op. Every path, including a panic
// inside op, yields a Result.
func (g *Guard) Run(ctx context.Context, operation string, cond Condition, op Operation) Result {
	start := g.clock()
	caller, denial := g.authorize(ctx, operation, cond)
	if denial != nil {
		g.metrics.decision(string(denial.Code))
		return denialResult(denial)
	}

	data, err := invoke(ctx, caller, op)
	elapsed := g.clock().Sub(start)
	if err != nil {
		attrs := []any{
			slog.String("operation", operation),
			slog.Int64("user_id", caller.UserID),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		}
		if cond.Audit {
			g.logger.Error("guarded operation failed", attrs...)
		} else {
			g.logger.Debug("guarded operation failed", attrs...)
		}
		g.metrics.decision(string(CodeInternal))
		return denialResult(&Denial{Code: CodeInternal, Message: internalMessage, Err: err})
	}

	if cond.Audit {
		g.logger.Info("guarded operation",
			slog.String("operation", operation),
			slog.Int64("user_id", caller.UserID),
			slog.String("role", caller.RoleName),
			slog.Duration("elapsed", elapsed))
	}
	g.metrics.decision("OK")
	return Result{Success: true, Data: data, Status: http.StatusOK}
}

// Authorize performs the identity, role and permission checks without running
// an operation. A nil denial means the caller may proceed.
func (g *Guard) Authorize(ctx context.Context, operation string, cond Condition) (Caller, *Denial) {
	caller, denial := g.authorize(ctx, operation, cond)
	if denial != nil {
		g.metrics.decision(string(denial.Code))
	} else {
		g.metrics.decision("OK")
	}
	return caller, denial
}

func (g *Guard) authorize(ctx context.Context, operation string, cond Condition) (Caller, *Denial) {
	userID, ok := g.identity.CurrentUserID(ctx)
	if !ok {
		return Caller{}, &Denial{Code: CodeUnauthenticated, Message: "authentication required"}
	}

	snap, err := g.resolver.UserPermissions(ctx, userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		// deactivated or deleted user still holding a session or token
		g.logger.Warn("guard unknown user", slog.String("operation", operation), slog.Int64("user_id", userID))
		return Caller{}, &Denial{Code: CodeUnauthenticated, Message: "authentication required", Err: err}
	case errors.Is(err, ErrNoRole):
		g.logDenied(operation, Caller{UserID: userID}, CodeForbidden, cond.Audit)
		return Caller{UserID: userID}, &Denial{Code: CodeForbidden, Message: "no role assigned", Err: err}
	case err != nil:
		g.logger.Error("resolve permissions",
			slog.String("operation", operation),
			slog.Int64("user_id", userID),
			slog.Any("error", err))
		return Caller{}, &Denial{Code: CodeInternal, Message: internalMessage, Err: err}
	}
	caller := Caller{UserID: userID, RoleID: snap.RoleID, RoleName: snap.RoleName, Snapshot: snap}

	if roleIn(snap.RoleName, cond.DenyRoles) {
		g.logDenied(operation, caller, CodeForbidden, cond.Audit)
		return caller, &Denial{Code: CodeForbidden, Message: "role not permitted"}
	}
	if roleIn(snap.RoleName, cond.AllowRoles) {
		return caller, nil
	}

	if missing := snap.Permissions.Missing(cond.Required); len(missing) > 0 {
		g.logDenied(operation, caller, CodeNoPermission, cond.Audit)
		return caller, &Denial{
			Code:      CodeNoPermission,
			Message:   "missing required permission",
			Condition: "required",
			Missing:   missing,
		}
	}
	if !snap.Permissions.HasAny(cond.AnyOf) {
		g.logDenied(operation, caller, CodeNoPermission, cond.Audit)
		return caller, &Denial{
			Code:      CodeNoPermission,
			Message:   "none of the accepted permissions granted",
			Condition: "anyOf",
			Missing:   snap.Permissions.Missing(cond.AnyOf),
		}
	}
	return caller, nil
}

func (g *Guard) logDenied(operation string, caller Caller, code Code, audit bool) {
	level := slog.LevelDebug
	if audit {
		level = slog.LevelWarn
	}
	g.logger.Log(context.Background(), level, "guard denied",
		slog.String("operation", operation),
		slog.Int64("user_id", caller.UserID),
		slog.String("role", caller.RoleName),
		slog.String("code", string(code)))
}

func invoke(ctx context.Context, caller Caller, op Operation) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInternal, rec)
		}
	}()
	return op(ctx, caller)
}

func denialResult(d *Denial) Result {
	return Result{
		Success:   false,
		Message:   d.Message,
		Code:      d.Code,
		Status:    d.Status(),
		Condition: d.Condition,
		Missing:   d.Missing,
		Err:       d,
	}
}

// roleIn compares role names with Unicode case folding.
func roleIn(role string, roles []string) bool {
	if role == "" || len(roles) == 0 {
		return false
	}
	fold := cases.Fold()
	target := fold.String(role)
	for _, candidate := range roles {
		if fold.String(candidate) == target {
			return true
		}
	}
	return false
}
