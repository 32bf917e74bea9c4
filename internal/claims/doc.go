// Package claims renders configuration documents for linked subjects.
//
// A document is a flat map: a "self" section describing the subject, an
// "auth" section with credentials and derived URLs, and one section per
// requirement key (clients) or per member service (compositions). URL
// fields are derived from the claiming request's host and scheme via
// LinkingContext, so the same stored state answers correctly from inside
// and outside a deployment.
//
// Reachability fields come from alias backends. The BackendRegistry is
// built once at startup; there is no package-level registration.
package claims
