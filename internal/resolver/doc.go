// Package resolver matches manifest requirements against the service
// instance catalog under per-instance ACLs.
//
// The visibility predicate is a pure function over in-memory snapshots of
// the instance's ACL sets and the acting user's groups; the store only
// answers "candidate instances for service X in organization Y". Two call
// sites share the resolver with different failure policies: Check (dry run,
// never fails) and Compose (materialization, aborts on a non-optional miss
// committing nothing).
package resolver
