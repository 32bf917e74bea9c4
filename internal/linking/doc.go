// Package linking implements the device-linking state machine.
//
// A session starts pending with two independently generated codes: the
// public code shown to an operator and the poll code the device uses to
// watch for the outcome. An operator either accepts the session, which
// materializes a subject (client, instance, or composition, chosen by the
// session's variant) and binds it, or declines it. The device polls until
// it observes a terminal status; denied and expired outcomes are delivered
// once and the session is deleted, while a granted session persists so the
// device can re-read its token.
//
// Subject materialization is strategy-based: Flow dispatches to the
// SubjectResolver registered for the session's variant, and every resolver
// runs inside the accept transaction so a subject is never bound without
// its mappings, roles, and aliases.
package linking
