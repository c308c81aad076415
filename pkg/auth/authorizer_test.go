package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

func identityWithRole(role models.Role) *models.AgentIdentity {
	return &models.AgentIdentity{AgentID: "subject", Role: role}
}

func TestRoleTable(t *testing.T) {
	tests := []struct {
		role    models.Role
		granted []models.Permission
		denied  []models.Permission
	}{
		{
			role:    models.RoleGuest,
			granted: []models.Permission{models.PermShadowRead},
			denied: []models.Permission{
				models.PermShadowWrite, models.PermFilesystemRead, models.PermFilesystemWrite,
				models.PermEventAppend, models.PermEventQuery, models.PermSystemAdmin,
			},
		},
		{
			role: models.RoleAgent,
			granted: []models.Permission{
				models.PermShadowRead, models.PermFilesystemRead, models.PermFilesystemWrite,
				models.PermEventAppend, models.PermEventQuery,
				models.PermExpertDelegate, models.PermPairStart,
			},
			denied: []models.Permission{
				models.PermShadowWrite, models.PermExpertRegister, models.PermSystemAdmin,
			},
		},
		{
			role: models.RoleExpert,
			granted: []models.Permission{
				models.PermShadowRead, models.PermShadowWrite,
				models.PermEventAppend, models.PermEventQuery, models.PermExpertRegister,
			},
			denied: []models.Permission{models.PermPairStart, models.PermSystemAdmin},
		},
		{
			role: models.RoleSystemAdmin,
			granted: []models.Permission{
				models.PermShadowRead, models.PermShadowWrite,
				models.PermFilesystemRead, models.PermFilesystemWrite,
				models.PermEventAppend, models.PermEventQuery,
				models.PermExpertRegister, models.PermExpertDelegate,
				models.PermPairStart, models.PermSystemAdmin,
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			for _, perm := range tt.granted {
				assert.True(t, HasPermission(tt.role, perm), "expected %s to hold %s", tt.role, perm)
			}
			for _, perm := range tt.denied {
				assert.False(t, HasPermission(tt.role, perm), "expected %s to lack %s", tt.role, perm)
			}
		})
	}
}

func TestExpertsNeverHoldFilesystemPermissions(t *testing.T) {
	for _, perm := range PermissionsFor(models.RoleExpert) {
		assert.NotContains(t, string(perm), "filesystem.")
	}
}

func TestAuthorize(t *testing.T) {
	t.Run("grant", func(t *testing.T) {
		err := Authorize(identityWithRole(models.RoleAgent), models.PermFilesystemWrite, "src/a.go")
		assert.NoError(t, err)
	})

	t.Run("denied permission", func(t *testing.T) {
		err := Authorize(identityWithRole(models.RoleGuest), models.PermEventAppend, "")
		assert.ErrorIs(t, err, models.ErrPermissionDenied)
	})

	t.Run("expert filesystem write is a scope violation on any path", func(t *testing.T) {
		for _, target := range []string{"", "/etc/passwd", "src/a.go", "shadow/src/a.go"} {
			err := Authorize(identityWithRole(models.RoleExpert), models.PermFilesystemWrite, target)
			assert.ErrorIs(t, err, models.ErrScopeViolation, "target %q", target)
		}
	})

	t.Run("expert filesystem read is also a scope violation", func(t *testing.T) {
		err := Authorize(identityWithRole(models.RoleExpert), models.PermFilesystemRead, "src/a.go")
		assert.ErrorIs(t, err, models.ErrScopeViolation)
	})

	t.Run("nil identity", func(t *testing.T) {
		err := Authorize(nil, models.PermShadowRead, "")
		assert.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("revoked identity", func(t *testing.T) {
		revoked := identityWithRole(models.RoleAgent)
		revoked.Revoked = true
		err := Authorize(revoked, models.PermShadowRead, "")
		assert.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("unknown permission", func(t *testing.T) {
		err := Authorize(identityWithRole(models.RoleAgent), "cluster.scale", "")
		assert.ErrorIs(t, err, models.ErrSchemaInvalid)
	})
}
