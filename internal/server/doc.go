// Package server wires the linking flow, claim renderer, and session store
// behind an HTTP surface.
//
// All protocol endpoints speak a uniform JSON envelope over HTTP 200: every
// response carries a "status" field (granted, pending, denied, expired,
// error, or reported) and callers branch on it rather than on the HTTP
// status code. Transport-level codes are reserved for malformed requests
// and auth failures on the admin surface.
//
// Endpoint layout:
//
//	/link/{client,instance,composition}/start      open a linking session
//	/link/{client,instance,composition}/challenge  poll a session by its challenge
//	/link/claim                                    exchange a bearer token for a config document
//	/link/report                                   report client/instance health
//	/admin/sessions                                list pending sessions (JWT required)
//	/admin/sessions/{accept,decline}               resolve a session (JWT required)
//	/health, /health/ready                         liveness and readiness
//
// The server listens on a plain TCP address, a tsnet node, or both. With
// tsnet enabled it serves on the tailnet at :80, or at :443 with
// Tailscale-managed certificates when HTTPS or Funnel is configured.
package server
