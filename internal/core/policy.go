package core

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleWarehouse  Role = "WAREHOUSE"
)

type Action string

const (
	ActionCreate Action = "purchase.create"
	ActionUpload Action = "purchase.upload"
	ActionUpdate Action = "purchase.update"
	ActionVoid   Action = "purchase.void"
	ActionDelete Action = "purchase.delete"
	ActionSubmit Action = "purchase.submit"
	ActionRender Action = "purchase.render"
	ActionView   Action = "purchase.view"
)

// Actor is the caller identity supplied by the access layer.
type Actor struct {
	UserID   int64
	Role     Role
	BranchID int64
}

// Resource is what an action targets. BranchID zero means "not branch specific".
type Resource struct {
	BranchID int64
}

var allRoles = []Role{RoleSuperAdmin, RoleAdmin, RoleWarehouse}

var permissions = map[Action][]Role{
	ActionCreate: allRoles,
	ActionUpload: allRoles,
	ActionUpdate: allRoles,
	ActionSubmit: allRoles,
	ActionRender: allRoles,
	ActionView:   allRoles,
	ActionVoid:   {RoleSuperAdmin, RoleAdmin},
	ActionDelete: {RoleSuperAdmin, RoleAdmin},
}

// CanPerform is the single policy decision point for purchase operations.
// Everyone except SuperAdmin is confined to their own branch.
func CanPerform(actor Actor, action Action, res Resource) bool {
	if actor.UserID <= 0 {
		return false
	}
	allowed := false
	for _, r := range permissions[action] {
		if r == actor.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if actor.Role == RoleSuperAdmin || res.BranchID == 0 {
		return true
	}
	return res.BranchID == actor.BranchID
}

// Authorize returns a Forbidden error when CanPerform denies the action.
func Authorize(actor Actor, action Action, res Resource) error {
	if CanPerform(actor, action, res) {
		return nil
	}
	if res.BranchID != 0 && actor.Role != RoleSuperAdmin && res.BranchID != actor.BranchID {
		return forbiddenf("user %d may not %s for branch %d", actor.UserID, action, res.BranchID)
	}
	return forbiddenf("role %q may not %s", actor.Role, action)
}
