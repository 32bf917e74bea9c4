// ABOUTME: Tests for the ACL visibility predicate
// ABOUTME: Covers allow/deny sets for users and groups, denial monotonicity

package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkitektio/linkd/internal/store"
)

func TestVisible(t *testing.T) {
	alice := UserSnapshot{ID: "alice", Groups: []string{"imaging"}}

	tests := []struct {
		name string
		inst store.ServiceInstance
		user UserSnapshot
		want bool
	}{
		{
			name: "open instance is visible to everyone",
			inst: store.ServiceInstance{},
			user: alice,
			want: true,
		},
		{
			name: "allowed user",
			inst: store.ServiceInstance{AllowedUsers: []string{"alice"}},
			user: alice,
			want: true,
		},
		{
			name: "not in allowed users",
			inst: store.ServiceInstance{AllowedUsers: []string{"bob"}},
			user: alice,
			want: false,
		},
		{
			name: "denied user",
			inst: store.ServiceInstance{DeniedUsers: []string{"alice"}},
			user: alice,
			want: false,
		},
		{
			name: "allowed group intersects",
			inst: store.ServiceInstance{AllowedGroups: []string{"imaging", "hpc"}},
			user: alice,
			want: true,
		},
		{
			name: "allowed group disjoint",
			inst: store.ServiceInstance{AllowedGroups: []string{"hpc"}},
			user: alice,
			want: false,
		},
		{
			name: "denied group intersects",
			inst: store.ServiceInstance{DeniedGroups: []string{"imaging"}},
			user: alice,
			want: false,
		},
		{
			name: "user with no groups passes empty group gates",
			inst: store.ServiceInstance{},
			user: UserSnapshot{ID: "bob"},
			want: true,
		},
		{
			name: "user with no groups fails allowed-group gate",
			inst: store.ServiceInstance{AllowedGroups: []string{"imaging"}},
			user: UserSnapshot{ID: "bob"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Visible(&tt.inst, tt.user))
		})
	}
}

func TestVisible_DenialBeatsAllowance(t *testing.T) {
	alice := UserSnapshot{ID: "alice", Groups: []string{"imaging"}}

	inst := store.ServiceInstance{AllowedUsers: []string{"alice"}}
	assert.True(t, Visible(&inst, alice))

	// Adding the user to denied_users hides the instance regardless of the
	// prior allowance.
	inst.DeniedUsers = []string{"alice"}
	assert.False(t, Visible(&inst, alice))

	group := store.ServiceInstance{AllowedGroups: []string{"imaging"}}
	assert.True(t, Visible(&group, alice))
	group.DeniedGroups = []string{"imaging"}
	assert.False(t, Visible(&group, alice))
}
