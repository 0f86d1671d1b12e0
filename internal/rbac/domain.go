package rbac

import (
	"sort"
	"strings"
	"time"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability. Key is the stable identifier
// used for authorization; Name is display only.
type Permission struct {
	ID   int64  `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// RoleGrant is one role held by a user together with the permissions it grants.
type RoleGrant struct {
	RoleID      int64        `json:"role_id"`
	RoleName    string       `json:"role_name"`
	AssignedAt  time.Time    `json:"assigned_at"`
	Permissions []Permission `json:"permissions"`
}

// UserAccess is the nested projection the store returns for one user: the user
// row, every assigned role with its permissions, and direct grants.
type UserAccess struct {
	UserID         int64
	SelectedRoleID *int64
	Roles          []RoleGrant
	Direct         []Permission
}

// PermissionSet is a set of permission keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, ignoring blanks.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		k = normalizeKey(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[normalizeKey(key)]
	return ok
}

// Missing returns the keys from required that are absent, in input order.
func (s PermissionSet) Missing(required []string) []string {
	var missing []string
	for _, k := range required {
		if normalizeKey(k) == "" {
			continue
		}
		if !s.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// HasAll reports whether every key in required is present. An empty list is satisfied.
func (s PermissionSet) HasAll(required []string) bool {
	return len(s.Missing(required)) == 0
}

// HasAny reports whether at least one key in candidates is present. An empty
// list is satisfied.
func (s PermissionSet) HasAny(candidates []string) bool {
	checked := 0
	for _, k := range candidates {
		if normalizeKey(k) == "" {
			continue
		}
		checked++
		if s.Has(k) {
			return true
		}
	}
	return checked == 0
}

// Keys returns the set members sorted.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PermissionSnapshot is the resolved view of one user's permissions. A snapshot
// is never modified after it is built; refreshing replaces it.
type PermissionSnapshot struct {
	UserID             int64
	RoleID             int64
	RoleName           string
	Permissions        PermissionSet
	DirectPermissions  PermissionSet
	AllRolePermissions map[string]PermissionSet
	Labels             map[string]string
	LastUpdated        time.Time
}

// Can reports whether the snapshot grants key.
func (s *PermissionSnapshot) Can(key string) bool {
	if s == nil {
		return false
	}
	return s.Permissions.Has(key)
}

// Label returns the "key:name" display label for a permission.
func (s *PermissionSnapshot) Label(key string) string {
	key = normalizeKey(key)
	if s == nil {
		return key
	}
	if name := s.Labels[key]; name != "" {
		return key + ":" + name
	}
	return key
}

// SnapshotView is the JSON representation of a snapshot.
type SnapshotView struct {
	UserID             int64               `json:"user_id"`
	RoleID             int64               `json:"role_id"`
	RoleName           string              `json:"role_name"`
	Permissions        []string            `json:"permissions"`
	DirectPermissions  []string            `json:"direct_permissions,omitempty"`
	AllRolePermissions map[string][]string `json:"all_role_permissions"`
	Labels             map[string]string   `json:"labels,omitempty"`
	LastUpdated        time.Time           `json:"last_updated"`
}

// View converts the snapshot to its JSON representation.
func (s *PermissionSnapshot) View() SnapshotView {
	if s == nil {
		return SnapshotView{}
	}
	all := make(map[string][]string, len(s.AllRolePermissions))
	for role, set := range s.AllRolePermissions {
		all[role] = set.Keys()
	}
	return SnapshotView{
		UserID:             s.UserID,
		RoleID:             s.RoleID,
		RoleName:           s.RoleName,
		Permissions:        s.Permissions.Keys(),
		DirectPermissions:  s.DirectPermissions.Keys(),
		AllRolePermissions: all,
		Labels:             s.Labels,
		LastUpdated:        s.LastUpdated,
	}
}

func normalizeKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}
