package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/gachar/hierarchy"
)

var allActions = []hierarchy.Action{
	hierarchy.ActionCreate,
	hierarchy.ActionUpdate,
	hierarchy.ActionReparent,
	hierarchy.ActionDeactivate,
	hierarchy.ActionReactivate,
}

func TestEmbeddedPolicy(t *testing.T) {
	e, err := NewEnforcer(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller hierarchy.Caller
		want   bool
	}{
		{"admin", hierarchy.Caller{ID: "u1", Roles: []string{"admin"}}, true},
		{"manager", hierarchy.Caller{ID: "u2", Roles: []string{"manager"}}, true},
		{"staff", hierarchy.Caller{ID: "u3", Roles: []string{"staff"}}, false},
		{"no roles", hierarchy.Caller{ID: "u4"}, false},
		{"system", hierarchy.SystemCaller, true},
		{"staff and manager", hierarchy.Caller{ID: "u5", Roles: []string{"staff", "manager"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, action := range allActions {
				ok, err := e.IsAuthorized(ctx, tt.caller, action)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ok, "%s %s", tt.name, action)
			}
		})
	}
}

func TestAddRoleForUser(t *testing.T) {
	e, err := NewEnforcer(Config{})
	require.NoError(t, err)

	caller := hierarchy.Caller{ID: "carol"}
	ok, err := e.IsAuthorized(context.Background(), caller, hierarchy.ActionCreate)
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := e.AddRoleForUser("carol", "manager")
	require.NoError(t, err)
	assert.True(t, added)

	ok, err = e.IsAuthorized(context.Background(), caller, hierarchy.ActionCreate)
	require.NoError(t, err)
	assert.True(t, ok)

	roles, err := e.RolesForUser("carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, roles)
}

func TestPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte("p, auditor, location, update\n"), 0o600))

	e, err := NewEnforcer(Config{PolicyPath: path})
	require.NoError(t, err)

	auditor := hierarchy.Caller{ID: "dave", Roles: []string{"auditor"}}
	ok, err := e.IsAuthorized(context.Background(), auditor, hierarchy.ActionUpdate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.IsAuthorized(context.Background(), auditor, hierarchy.ActionDeactivate)
	require.NoError(t, err)
	assert.False(t, ok)

	// The file replaces the embedded policy entirely.
	admin := hierarchy.Caller{ID: "erin", Roles: []string{"admin"}}
	ok, err = e.IsAuthorized(context.Background(), admin, hierarchy.ActionCreate)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingPolicyFile(t *testing.T) {
	_, err := NewEnforcer(Config{PolicyPath: filepath.Join(t.TempDir(), "nope.csv")})
	assert.Error(t, err)
}

func TestLoadEmbeddedPolicy_Malformed(t *testing.T) {
	e, err := NewEnforcer(Config{})
	require.NoError(t, err)
	assert.Error(t, loadEmbeddedPolicy(e.enforcer, "p, only-two, fields"))
}
