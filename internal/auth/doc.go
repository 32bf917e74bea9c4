// Package auth verifies the identity of acting users on privileged
// endpoints.
//
// Acting users (the humans or admin tooling that accept or decline linking
// sessions) present HS256 JWTs signed with the configured jwt_secret. The
// "sub" claim identifies the user and the "groups" claim feeds the
// requirement resolver's ACL predicate.
//
// Devices may additionally attach an SSH public key when starting a linking
// session; its SHA256 fingerprint is pinned to the session so an approver
// can see which device is asking.
package auth
