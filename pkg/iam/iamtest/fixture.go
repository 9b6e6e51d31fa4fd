package iamtest

import "github.com/platinummonkey/permengine/pkg/iam"

// Fixture identifiers
const (
	TenantID          = "tenant-1"
	SuspendedTenantID = "tenant-suspended"

	SuperAdminID = "user-admin"
	OwnerID      = "user-owner"
	ManagerID    = "user-manager"
	WaiterID     = "user-waiter"
	NobodyID     = "user-nobody"

	FeatureCoupons = "fidelity:coupons:list"
	FeatureTickets = "orders:pos:tickets"
	FeatureExport  = "reports:export"
	FeatureBilling = "billing"

	ActionReadID   int64 = 1
	ActionCreateID int64 = 2
	ActionUpdateID int64 = 3
	ActionDeleteID int64 = 4
	ActionExportID int64 = 5

	OwnerRoleID   = "role-owner"
	ManagerRoleID = "role-manager"
	WaiterRoleID  = "role-waiter"
)

// Catalog returns a small module/submodule/feature tree
func Catalog() iam.Catalog {
	return iam.Catalog{
		Modules: []iam.Module{
			{ID: "m-fidelity", Key: "fidelity", Name: "Fidelity", SortOrder: 1},
			{ID: "m-orders", Key: "orders", Name: "Orders", SortOrder: 2},
			{ID: "m-reports", Key: "reports", Name: "Reports", SortOrder: 3},
			{ID: "m-billing", Key: "billing", Name: "Billing", SortOrder: 4},
		},
		Submodules: []iam.Submodule{
			{ID: "s-coupons", ModuleID: "m-fidelity", Key: "fidelity:coupons", Name: "Coupons", SortOrder: 1},
			{ID: "s-pos", ModuleID: "m-orders", Key: "orders:pos", Name: "Point of sale", SortOrder: 1},
			{ID: "s-sales", ModuleID: "m-reports", Key: "reports:sales", Name: "Sales", SortOrder: 1},
			{ID: "s-subscription", ModuleID: "m-billing", Key: "billing:subscription", Name: "Subscription", SortOrder: 1},
		},
		Features: []iam.Feature{
			{ID: "f-coupons", SubmoduleID: "s-coupons", ModuleID: "m-fidelity", Key: FeatureCoupons, Name: "List coupons", SortOrder: 1},
			{ID: "f-tickets", SubmoduleID: "s-pos", ModuleID: "m-orders", Key: FeatureTickets, Name: "Tickets", SortOrder: 1},
			{ID: "f-export", SubmoduleID: "s-sales", ModuleID: "m-reports", Key: FeatureExport, Name: "Export", SortOrder: 1},
			{ID: "f-billing", SubmoduleID: "s-subscription", ModuleID: "m-billing", Key: FeatureBilling, Name: "Billing", SortOrder: 1},
		},
		Actions: []iam.Action{
			{ID: ActionReadID, Key: iam.ActionRead},
			{ID: ActionCreateID, Key: iam.ActionCreate},
			{ID: ActionUpdateID, Key: iam.ActionUpdate},
			{ID: ActionDeleteID, Key: iam.ActionDelete},
			{ID: ActionExportID, Key: iam.ActionExport},
		},
	}
}

func allow(featureID string, actionIDs ...int64) []iam.RolePermission {
	perms := make([]iam.RolePermission, 0, len(actionIDs))
	for _, a := range actionIDs {
		perms = append(perms, iam.RolePermission{FeatureID: featureID, ActionID: a, Allowed: true})
	}
	return perms
}

// Fixture returns a store populated with one active tenant, one suspended
// tenant, global owner/manager/waiter roles and a user for each of them.
func Fixture() *Store {
	s := NewStore()
	s.SetCatalog(Catalog())

	s.AddTenant(iam.Tenant{ID: TenantID, Name: "Trattoria", PlanKey: "pro", PermVersion: 1})
	s.AddTenant(iam.Tenant{ID: SuspendedTenantID, Name: "Closed", Status: iam.TenantStatusSuspended, PermVersion: 1})

	s.AddUser(iam.User{ID: SuperAdminID, Email: "admin@example.com", IsSuperAdmin: true})
	s.AddUser(iam.User{ID: OwnerID, Email: "owner@example.com"})
	s.AddUser(iam.User{ID: ManagerID, Email: "manager@example.com"})
	s.AddUser(iam.User{ID: WaiterID, Email: "waiter@example.com"})
	s.AddUser(iam.User{ID: NobodyID, Email: "nobody@example.com"})

	var ownerPerms []iam.RolePermission
	ownerPerms = append(ownerPerms, allow("f-coupons", ActionReadID, ActionCreateID, ActionUpdateID, ActionDeleteID)...)
	ownerPerms = append(ownerPerms, allow("f-tickets", ActionReadID, ActionCreateID)...)
	ownerPerms = append(ownerPerms, allow("f-export", ActionReadID, ActionExportID)...)
	ownerPerms = append(ownerPerms, allow("f-billing", ActionReadID)...)
	s.AddRole(iam.Role{ID: OwnerRoleID, Key: iam.RoleOwner, Name: "Owner", IsSystem: true}, ownerPerms...)

	var managerPerms []iam.RolePermission
	managerPerms = append(managerPerms, allow("f-coupons", ActionReadID, ActionUpdateID)...)
	managerPerms = append(managerPerms, allow("f-tickets", ActionReadID, ActionCreateID, ActionUpdateID)...)
	managerPerms = append(managerPerms, allow("f-export", ActionExportID)...)
	managerPerms = append(managerPerms, iam.RolePermission{FeatureID: "f-billing", ActionID: ActionReadID, Allowed: false})
	s.AddRole(iam.Role{ID: ManagerRoleID, Key: iam.RoleManager, Name: "Manager", IsSystem: true}, managerPerms...)

	s.AddRole(iam.Role{ID: WaiterRoleID, Key: iam.RoleWaiter, Name: "Waiter", IsSystem: true}, allow("f-tickets", ActionReadID, ActionCreateID)...)

	s.SetOwner(TenantID, OwnerID)
	s.AssignRole(TenantID, ManagerID, ManagerRoleID)
	s.AssignRole(TenantID, WaiterID, WaiterRoleID)
	s.SetOwner(SuspendedTenantID, OwnerID)

	return s
}
