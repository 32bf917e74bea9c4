// ABOUTME: Alias backends rendering reachability claims per alias kind
// ABOUTME: Registry is an explicit value built at startup and injected

package claims

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/arkitektio/linkd/internal/store"
)

// ErrNoBackend is returned when no backend is registered for an alias kind.
var ErrNoBackend = errors.New("no backend for alias kind")

// LinkingContext carries the request-time facts a claim is rendered
// against. It is built per request and never persisted.
type LinkingContext struct {
	Host           string // host the claim request arrived on, may include a port
	Port           int    // explicit port override, 0 to use whatever Host carries
	Secure         bool   // request arrived over TLS (directly or forwarded)
	DeploymentName string
	Requirements   []string // requirement keys to claim; empty means all mapped keys
}

// BaseURL renders the scheme://host[:port] prefix claims derive URLs from.
func (c *LinkingContext) BaseURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	host := c.Host
	if c.Port != 0 {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	return scheme + "://" + host
}

// Backend renders the reachability fields of one alias into a claim.
type Backend interface {
	Kind() store.AliasKind
	Render(alias *store.Alias, lc *LinkingContext) (map[string]any, error)
}

// BackendRegistry maps alias kinds to backends.
type BackendRegistry struct {
	backends map[store.AliasKind]Backend
}

// NewBackendRegistry builds a registry over the given backends.
func NewBackendRegistry(backends ...Backend) *BackendRegistry {
	m := make(map[store.AliasKind]Backend, len(backends))
	for _, b := range backends {
		m[b.Kind()] = b
	}
	return &BackendRegistry{backends: m}
}

// For returns the backend registered for the kind.
func (r *BackendRegistry) For(kind store.AliasKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, kind)
	}
	return b, nil
}

// Kinds returns the registered alias kinds.
func (r *BackendRegistry) Kinds() []store.AliasKind {
	kinds := make([]store.AliasKind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	return kinds
}

// RelativeBackend renders aliases that live under the linkd host itself:
// the claim inherits the request's host and scheme, so the same alias row
// answers correctly from inside and outside the deployment.
type RelativeBackend struct {
	// PublicHost overrides the request host when set, for deployments
	// behind a proxy that rewrites Host.
	PublicHost string
}

func (b *RelativeBackend) Kind() store.AliasKind { return store.AliasKindRelative }

func (b *RelativeBackend) Render(alias *store.Alias, lc *LinkingContext) (map[string]any, error) {
	effective := *lc
	if b.PublicHost != "" {
		effective.Host = b.PublicHost
	}

	base := effective.BaseURL()
	path := strings.TrimPrefix(alias.Path, "/")
	url := base
	if path != "" {
		url = base + "/" + path
	}

	claim := map[string]any{
		"base_url": url,
		"secure":   effective.Secure,
	}
	if alias.Challenge != "" {
		claim["challenge_path"] = alias.Challenge
	}
	return claim, nil
}

// AbsoluteBackend renders aliases that carry their own host and port.
type AbsoluteBackend struct{}

func (b *AbsoluteBackend) Kind() store.AliasKind { return store.AliasKindAbsolute }

func (b *AbsoluteBackend) Render(alias *store.Alias, lc *LinkingContext) (map[string]any, error) {
	if alias.Host == "" {
		return nil, fmt.Errorf("absolute alias %s has no host", alias.ID)
	}

	scheme := "http"
	if alias.SSL {
		scheme = "https"
	}
	host := alias.Host
	if alias.Port != 0 {
		host = net.JoinHostPort(host, strconv.Itoa(alias.Port))
	}
	path := strings.TrimPrefix(alias.Path, "/")
	url := scheme + "://" + host
	if path != "" {
		url = url + "/" + path
	}

	claim := map[string]any{
		"base_url": url,
		"secure":   alias.SSL,
	}
	if alias.Challenge != "" {
		claim["challenge_path"] = alias.Challenge
	}
	return claim, nil
}
