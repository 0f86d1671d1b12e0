package shared

// Platform permissions. Keys are the stable identifiers checked by the guard.
const (
	PermOrdersView   = "view_orders"
	PermOrdersUpdate = "update_orders"
	PermOrdersCancel = "cancel_orders"
	PermOrdersPlace  = "place_orders"

	PermMenuView   = "view_menu"
	PermMenuManage = "manage_menu"

	PermDeliveriesView   = "view_deliveries"
	PermDeliveriesAssign = "assign_deliveries"
	PermDeliveryStatus   = "update_delivery_status"

	PermReportsView = "view_reports"

	PermUsersView   = "view_users"
	PermUsersManage = "manage_users"

	PermRolesView         = "view_roles"
	PermRolesManage       = "manage_roles"
	PermPermissionsManage = "manage_permissions"
)

// Built-in role names.
const (
	RoleAdmin    = "ADMIN"
	RolePartner  = "PARTNER"
	RoleRider    = "RIDER"
	RoleCustomer = "CUSTOMER"
)

// PermissionDef pairs a key with its display name.
type PermissionDef struct {
	Key  string
	Name string
}

// CoreScopes lists every platform permission with its display name.
func CoreScopes() []PermissionDef {
	return []PermissionDef{
		{PermOrdersView, "View orders"},
		{PermOrdersUpdate, "Update orders"},
		{PermOrdersCancel, "Cancel orders"},
		{PermOrdersPlace, "Place orders"},
		{PermMenuView, "View menu"},
		{PermMenuManage, "Manage menu"},
		{PermDeliveriesView, "View deliveries"},
		{PermDeliveriesAssign, "Assign deliveries"},
		{PermDeliveryStatus, "Update delivery status"},
		{PermReportsView, "View reports"},
		{PermUsersView, "View users"},
		{PermUsersManage, "Manage users"},
		{PermRolesView, "View roles"},
		{PermRolesManage, "Manage roles"},
		{PermPermissionsManage, "Manage permissions"},
	}
}

// DefaultRoleGrants maps each built-in role to its seeded permissions.
func DefaultRoleGrants() map[string][]string {
	all := make([]string, 0, len(CoreScopes()))
	for _, def := range CoreScopes() {
		all = append(all, def.Key)
	}
	return map[string][]string{
		RoleAdmin: all,
		RolePartner: {
			PermOrdersView, PermOrdersUpdate, PermOrdersCancel,
			PermMenuView, PermMenuManage, PermReportsView,
		},
		RoleRider: {
			PermOrdersView, PermDeliveriesView, PermDeliveryStatus,
		},
		RoleCustomer: {
			PermOrdersView, PermOrdersPlace, PermOrdersCancel, PermMenuView,
		},
	}
}
