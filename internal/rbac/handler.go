package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foodhub/foodhub/internal/platform/httpx"
	"github.com/foodhub/foodhub/internal/shared"
)

// Handler exposes the role administration API and the caller's own access view.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *Guard
	cache     *PermissionCache
	routes    *RouteTable
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *Guard, cache *PermissionCache, routes *RouteTable) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     guard,
		cache:     cache,
		routes:    routes,
		validator: validator.New(),
	}
}

var (
	condViewRoles   = Condition{AnyOf: []string{shared.PermRolesView, shared.PermRolesManage}}
	condManageRoles = Condition{Required: []string{shared.PermRolesManage}, Audit: true}
	condManageUsers = Condition{Required: []string{shared.PermUsersManage}, Audit: true}
	condManagePerms = Condition{
		Required:  []string{shared.PermPermissionsManage},
		DenyRoles: []string{shared.RoleCustomer, shared.RoleRider, shared.RolePartner},
		Audit:     true,
	}
)

// MountRoutes registers the administration API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Get("/roles/{id}", h.getRole)
	r.Put("/roles/{id}", h.updateRole)
	r.Delete("/roles/{id}", h.deleteRole)
	r.Put("/roles/{id}/permissions", h.setRolePermissions)

	r.Get("/permissions", h.listPermissions)
	r.Post("/permissions", h.ensurePermission)

	r.Post("/users/{id}/roles", h.assignRole)
	r.Delete("/users/{id}/roles/{roleID}", h.removeRole)
	r.Put("/users/{id}/selected-role", h.selectRole)
	r.Post("/users/{id}/permissions", h.grantPermission)
	r.Delete("/users/{id}/permissions/{key}", h.revokePermission)

	r.Get("/cache", h.cacheStats)
	r.Delete("/cache", h.clearCache)
}

// MountSelfRoutes registers the caller-scoped endpoints consumed by the SPA
// route guard.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Get("/permissions", h.myPermissions)
	r.Get("/access", h.myAccess)
	r.Put("/selected-role", h.mySelectedRole)
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required,max=64"`
}

type permissionRequest struct {
	Key  string `json:"key" validate:"required,max=64"`
	Name string `json:"name" validate:"max=128"`
}

type roleRef struct {
	RoleID int64 `json:"role_id" validate:"gte=0"`
}

type grantRequest struct {
	Key string `json:"key" validate:"required,max=64"`
}

type accessResponse struct {
	Path        string            `json:"path"`
	Restricted  bool              `json:"restricted"`
	Requirement *RouteRequirement `json:"requirement,omitempty"`
	Decision    RouteDecision     `json:"decision"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.list_roles", condViewRoles, func(ctx context.Context, _ Caller) (any, error) {
		return h.service.ListRoles(ctx)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.get_role", condViewRoles, func(ctx context.Context, _ Caller) (any, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return h.service.GetRole(ctx, id)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.create_role", condManageRoles, func(ctx context.Context, caller Caller) (any, error) {
		var req roleRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return h.service.CreateRole(ctx, caller.UserID, req.Name, req.Description)
	})
	h.respond(w, res, http.StatusCreated)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.update_role", condManageRoles, func(ctx context.Context, caller Caller) (any, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var req roleRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return h.service.UpdateRole(ctx, caller.UserID, id, req.Name, req.Description)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.delete_role", condManageRoles, func(ctx context.Context, caller Caller) (any, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return nil, h.service.DeleteRole(ctx, caller.UserID, id)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.set_role_permissions", condManageRoles, func(ctx context.Context, caller Caller) (any, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var req rolePermissionsRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return nil, h.service.SetRolePermissions(ctx, caller.UserID, id, req.Permissions)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.list_permissions", condViewRoles, func(ctx context.Context, _ Caller) (any, error) {
		return h.service.ListPermissions(ctx)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.ensure_permission", condManagePerms, func(ctx context.Context, caller Caller) (any, error) {
		var req permissionRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return h.service.EnsurePermission(ctx, caller.UserID, req.Key, req.Name)
	})
	h.respond(w, res, http.StatusCreated)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.assign_role", condManageUsers, func(ctx context.Context, caller Caller) (any, error) {
		userID, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var req roleRef
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		if req.RoleID == 0 {
			return nil, fmt.Errorf("%w: role_id required", httpx.ErrValidation)
		}
		return nil, h.service.AssignRole(ctx, caller.UserID, userID, req.RoleID)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.remove_role", condManageUsers, func(ctx context.Context, caller Caller) (any, error) {
		userID, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		roleID, err := pathID(r, "roleID")
		if err != nil {
			return nil, err
		}
		return nil, h.service.RemoveRole(ctx, caller.UserID, userID, roleID)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) selectRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.select_role", condManageUsers, func(ctx context.Context, caller Caller) (any, error) {
		userID, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var req roleRef
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return nil, h.service.SelectRole(ctx, caller.UserID, userID, req.RoleID)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.grant_permission", condManageUsers, func(ctx context.Context, caller Caller) (any, error) {
		userID, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var req grantRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return nil, h.service.GrantPermission(ctx, caller.UserID, userID, req.Key)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.revoke_permission", condManageUsers, func(ctx context.Context, caller Caller) (any, error) {
		userID, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return nil, h.service.RevokePermission(ctx, caller.UserID, userID, chi.URLParam(r, "key"))
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.cache_stats", condManagePerms, func(context.Context, Caller) (any, error) {
		return h.cache.Stats(), nil
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "rbac.clear_cache", condManagePerms, func(ctx context.Context, caller Caller) (any, error) {
		return nil, h.service.ClearCache(ctx, caller.UserID)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "me.permissions", Condition{}, func(_ context.Context, caller Caller) (any, error) {
		return caller.Snapshot.View(), nil
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) myAccess(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	res := h.guard.Run(r.Context(), "me.access", Condition{}, func(_ context.Context, caller Caller) (any, error) {
		if path == "" || !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("%w: path must start with /", httpx.ErrValidation)
		}
		req, ok := h.routes.Lookup(path)
		if !ok {
			return accessResponse{Path: path, Decision: RouteDecision{Allowed: true, PermissionsOK: true, RoleOK: true}}, nil
		}
		return accessResponse{Path: path, Restricted: true, Requirement: &req, Decision: req.Evaluate(caller.Snapshot)}, nil
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) mySelectedRole(w http.ResponseWriter, r *http.Request) {
	res := h.guard.Run(r.Context(), "me.select_role", Condition{}, func(ctx context.Context, caller Caller) (any, error) {
		var req roleRef
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}
		return nil, h.service.SelectRole(ctx, caller.UserID, caller.UserID, req.RoleID)
	})
	h.respond(w, res, http.StatusOK)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				fields = append(fields, fieldErr.Field()+" "+fieldErr.Tag())
			}
			return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

// respond writes a guarded result. Operation failures caused by the request
// itself are reported with their 4xx status instead of a generic 500.
func (h *Handler) respond(w http.ResponseWriter, res Result, status int) {
	if res.Success {
		httpx.JSON(w, status, res)
		return
	}
	var denial *Denial
	if !errors.As(res.Err, &denial) {
		denial = &Denial{Code: res.Code, Message: res.Message}
	}
	if denial.Code == CodeInternal && isClientError(denial.Err) {
		h.logger.Info("guarded operation rejected", slog.Any("error", denial.Err))
		writeClientError(w, denial.Err)
		return
	}
	writeDenial(w, denial)
}

// writeClientError reports a request-caused failure. Store errors may name
// constraints, so only validation messages reach the client verbatim.
func writeClientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, httpx.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, httpx.ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "resource already exists")
	default:
		httpx.Problem(w, http.StatusNotFound, "Not Found", "resource not found")
	}
}

func isClientError(err error) bool {
	return errors.Is(err, httpx.ErrNotFound) ||
		errors.Is(err, httpx.ErrValidation) ||
		errors.Is(err, httpx.ErrDuplicate)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", httpx.ErrValidation, name, raw)
	}
	return id, nil
}
