// Package auth holds the fixed role to permission mapping and the
// process-wide identity registry folded from identity events. There is one
// registry per process; every component that authenticates or authorizes
// is handed the same instance.
package auth

import (
	"fmt"
	"strings"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// rolePermissions is the complete authorization table. It is fixed at
// compile time: no configuration or event may extend it.
var rolePermissions = map[models.Role][]models.Permission{
	models.RoleGuest: {
		models.PermShadowRead,
	},
	models.RoleAgent: {
		models.PermShadowRead,
		models.PermFilesystemRead,
		models.PermFilesystemWrite,
		models.PermEventAppend,
		models.PermEventQuery,
		models.PermExpertDelegate,
		models.PermPairStart,
	},
	models.RoleExpert: {
		models.PermShadowRead,
		models.PermShadowWrite,
		models.PermEventAppend,
		models.PermEventQuery,
		models.PermExpertRegister,
	},
	models.RoleSystemAdmin: {
		models.PermShadowRead,
		models.PermShadowWrite,
		models.PermFilesystemRead,
		models.PermFilesystemWrite,
		models.PermEventAppend,
		models.PermEventQuery,
		models.PermExpertRegister,
		models.PermExpertDelegate,
		models.PermPairStart,
		models.PermSystemAdmin,
	},
}

// PermissionsFor returns the permissions granted to a role
func PermissionsFor(role models.Role) []models.Permission {
	perms := rolePermissions[role]
	out := make([]models.Permission, len(perms))
	copy(out, perms)
	return out
}

// HasPermission reports whether the role grants the permission
func HasPermission(role models.Role, perm models.Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Authorize decides whether identity may perform the operation guarded by
// perm against target. Pure: the answer depends only on the arguments.
//
// Experts asking for any filesystem permission fail with a scope violation
// rather than a plain denial; their surface is the shadow tree and the
// distinction is part of the security contract.
func Authorize(identity *models.AgentIdentity, perm models.Permission, target string) error {
	if identity == nil {
		return fmt.Errorf("%w: no identity", models.ErrUnauthenticated)
	}
	if identity.Revoked {
		return fmt.Errorf("%w: agent %q is revoked", models.ErrUnauthenticated, identity.AgentID)
	}
	if !perm.IsValid() {
		return fmt.Errorf("%w: unknown permission %q", models.ErrSchemaInvalid, perm)
	}

	if identity.Role == models.RoleExpert && strings.HasPrefix(string(perm), "filesystem.") {
		return fmt.Errorf("%w: expert %q may not touch the filesystem (target %q)",
			models.ErrScopeViolation, identity.AgentID, target)
	}

	if !HasPermission(identity.Role, perm) {
		return fmt.Errorf("%w: role %q lacks %q", models.ErrPermissionDenied, identity.Role, perm)
	}
	return nil
}
