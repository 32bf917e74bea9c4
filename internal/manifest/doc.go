// Package manifest defines the declarative description a linking client
// submits: its identity, version, requested scopes, and the service
// requirements to resolve against the instance catalog.
package manifest
