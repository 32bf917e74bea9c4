// ABOUTME: Pure ACL visibility predicate over in-memory snapshots
// ABOUTME: Storage answers candidates; all policy logic lives here

package resolver

import "github.com/arkitektio/linkd/internal/store"

// UserSnapshot is the in-memory projection of the acting user the predicate
// evaluates against. Built once per resolution call, never queried again.
type UserSnapshot struct {
	ID     string
	Groups []string
}

// Visible reports whether the user may resolve the instance:
//
//	(allowed_users empty OR user in allowed_users)
//	AND user not in denied_users
//	AND (allowed_groups empty OR user's groups intersect allowed_groups)
//	AND user's groups do not intersect denied_groups
//
// Denial always wins: adding a user to denied_users hides the instance
// regardless of allowed_users membership.
func Visible(inst *store.ServiceInstance, user UserSnapshot) bool {
	if contains(inst.DeniedUsers, user.ID) {
		return false
	}
	if len(inst.AllowedUsers) > 0 && !contains(inst.AllowedUsers, user.ID) {
		return false
	}
	if intersects(inst.DeniedGroups, user.Groups) {
		return false
	}
	if len(inst.AllowedGroups) > 0 && !intersects(inst.AllowedGroups, user.Groups) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
