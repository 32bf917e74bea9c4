// Package store provides persistent storage for linkd using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with multiple
// specialized interfaces:
//
//   - SessionStore: Linking sessions from start to a terminal outcome
//   - CatalogStore: Services, releases, instances, aliases, roles, scopes
//   - ClientStore: Client subjects and requirement-key mappings
//   - CompositionStore: Composition subjects and their members
//   - IdentityStore: Organizations, users, group membership
//   - ReportStore: Alias reachability reports
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Natural keys
//
// Accept materialization must be idempotent, so every entity created during
// an accept carries a uniqueness constraint on its natural key and the
// Upsert methods treat a constraint violation as "fetch the existing row".
// Two concurrent accepts for the same manifest therefore converge on the
// same subject instead of racing to create duplicates:
//
//   - instances: (release, identifier, organization, device, steward)
//   - clients: (release, organization, device, steward, kind)
//   - compositions: (organization, name)
//   - aliases: (instance, layer, kind, host, port, path)
//
// Bearer tokens carry their own UNIQUE constraint; a token collision is
// surfaced as ErrTokenExists, never silently overwritten.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 UTC strings. Multi-step writes run
// through InTransaction so a mid-materialization failure rolls back
// completely.
package store
