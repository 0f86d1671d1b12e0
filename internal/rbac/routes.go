package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foodhub/foodhub/internal/platform/httpx"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Mode selects how a requirement's permission list is evaluated.
type Mode string

const (
	// ModeAny is satisfied by at least one listed permission.
	ModeAny Mode = "ANY"
	// ModeAll needs every listed permission.
	ModeAll Mode = "ALL"
)

// RouteRequirement gates a navigable path.
type RouteRequirement struct {
	Path        string   `yaml:"path" json:"path"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Mode        Mode     `yaml:"mode" json:"mode"`
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// RouteDecision is the outcome of evaluating a requirement against a snapshot.
type RouteDecision struct {
	Allowed       bool     `json:"allowed"`
	PermissionsOK bool     `json:"permissions_ok"`
	RoleOK        bool     `json:"role_ok"`
	Missing       []string `json:"missing,omitempty"`
}

// Evaluate applies the requirement's mode, then its role allow-list. A nil
// snapshot is never allowed.
func (req RouteRequirement) Evaluate(snap *PermissionSnapshot) RouteDecision {
	if snap == nil {
		return RouteDecision{Missing: req.Permissions}
	}
	var decision RouteDecision
	switch req.Mode {
	case ModeAll:
		decision.Missing = snap.Permissions.Missing(req.Permissions)
		decision.PermissionsOK = len(decision.Missing) == 0
	default:
		decision.PermissionsOK = snap.Permissions.HasAny(req.Permissions)
		if !decision.PermissionsOK {
			decision.Missing = snap.Permissions.Missing(req.Permissions)
		}
	}
	decision.RoleOK = len(req.Roles) == 0 || roleIn(snap.RoleName, req.Roles)
	decision.Allowed = decision.PermissionsOK && decision.RoleOK
	return decision
}

// RouteTable answers path lookups against static requirements. It is built
// once and never mutated.
type RouteTable struct {
	exact map[string]RouteRequirement
	// byLength holds every requirement, longest path first.
	byLength []RouteRequirement
}

// NewRouteTable validates and indexes requirements.
func NewRouteTable(reqs []RouteRequirement) (*RouteTable, error) {
	table := &RouteTable{exact: make(map[string]RouteRequirement, len(reqs))}
	for i, req := range reqs {
		req.Path = strings.TrimSpace(req.Path)
		if req.Path == "" || !strings.HasPrefix(req.Path, "/") {
			return nil, fmt.Errorf("rbac: route %d: path must start with /", i)
		}
		if _, dup := table.exact[req.Path]; dup {
			return nil, fmt.Errorf("rbac: route %s declared twice", req.Path)
		}
		switch Mode(strings.ToUpper(strings.TrimSpace(string(req.Mode)))) {
		case "", ModeAny:
			req.Mode = ModeAny
		case ModeAll:
			req.Mode = ModeAll
		default:
			return nil, fmt.Errorf("rbac: route %s: unknown mode %q", req.Path, req.Mode)
		}
		perms := make([]string, 0, len(req.Permissions))
		for _, p := range req.Permissions {
			if key := normalizeKey(p); key != "" {
				perms = append(perms, key)
			}
		}
		req.Permissions = perms
		table.exact[req.Path] = req
		table.byLength = append(table.byLength, req)
	}
	sort.SliceStable(table.byLength, func(i, j int) bool {
		return len(table.byLength[i].Path) > len(table.byLength[j].Path)
	})
	return table, nil
}

type routeFile struct {
	Routes []RouteRequirement `yaml:"routes"`
}

// ParseRouteTable decodes a YAML document with a top-level routes list.
func ParseRouteTable(data []byte) (*RouteTable, error) {
	var file routeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rbac: parse routes: %w", err)
	}
	return NewRouteTable(file.Routes)
}

// LoadRouteTableFile reads requirements from path, or the embedded defaults
// when path is empty.
func LoadRouteTableFile(path string) (*RouteTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRouteTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read routes: %w", err)
	}
	return ParseRouteTable(data)
}

// DefaultRouteTable returns the embedded requirements.
func DefaultRouteTable() (*RouteTable, error) {
	return ParseRouteTable(defaultRoutes)
}

// Lookup returns the requirement for path: an exact entry, else the longest
// configured path that prefixes it. The boolean is false for unrestricted paths.
func (t *RouteTable) Lookup(path string) (RouteRequirement, bool) {
	if t == nil {
		return RouteRequirement{}, false
	}
	if req, ok := t.exact[path]; ok {
		return req, true
	}
	for _, req := range t.byLength {
		if strings.HasPrefix(path, req.Path) {
			return req, true
		}
	}
	return RouteRequirement{}, false
}

// Requirements lists the configured requirements, longest path first.
func (t *RouteTable) Requirements() []RouteRequirement {
	if t == nil {
		return nil
	}
	out := make([]RouteRequirement, len(t.byLength))
	copy(out, t.byLength)
	return out
}

// RouteGuard blocks requests whose path requirement the caller does not meet.
type RouteGuard struct {
	Table    *RouteTable
	Identity IdentityProvider
	Resolver PermissionResolver
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Handler wraps next with the requirement check. Browsers are redirected to
// the login or forbidden pages; JSON clients receive problem responses.
func (g RouteGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := g.Table.Lookup(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		userID, ok := g.Identity.CurrentUserID(r.Context())
		if !ok {
			g.unauthenticated(w, r)
			return
		}
		snap, err := g.Resolver.UserPermissions(r.Context(), userID)
		if errors.Is(err, ErrUserNotFound) {
			g.logger().Warn("route guard unknown user", slog.Int64("user_id", userID))
			g.unauthenticated(w, r)
			return
		}
		if errors.Is(err, ErrNoRole) {
			g.Metrics.decision(string(CodeForbidden))
			g.deny(w, r, "no role assigned")
			return
		}
		if err != nil {
			g.logger().Error("route guard resolve", slog.String("path", r.URL.Path), slog.Any("error", err))
			g.Metrics.decision(string(CodeInternal))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		decision := req.Evaluate(snap)
		if !decision.Allowed {
			code := CodeNoPermission
			if !decision.RoleOK {
				code = CodeForbidden
			}
			g.Metrics.decision(string(code))
			g.deny(w, r, "route requires "+strings.Join(req.Permissions, ","))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g RouteGuard) unauthenticated(w http.ResponseWriter, r *http.Request) {
	g.Metrics.decision(string(CodeUnauthenticated))
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	http.Redirect(w, r, "/auth/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
}

func (g RouteGuard) deny(w http.ResponseWriter, r *http.Request, detail string) {
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", detail)
		return
	}
	http.Redirect(w, r, "/forbidden", http.StatusSeeOther)
}

func (g RouteGuard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}
