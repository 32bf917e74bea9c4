// ABOUTME: Store interfaces and data types for linkd persistence
// ABOUTME: Defines the service catalog, subjects, and ACL entities

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTokenExists is returned when a bearer token collides with an existing
// one. Tokens are never silently overwritten.
var ErrTokenExists = errors.New("bearer token already exists")

// Organization scopes users, instances, and clients.
type Organization struct {
	ID         string
	Identifier string
	Name       string
	CreatedAt  time.Time
}

// User is a minimal projection of an externally-managed identity. Users are
// upserted by their sub when first seen on an authenticated request.
type User struct {
	ID             string
	Sub            string
	DisplayName    string
	OrganizationID string
	CreatedAt      time.Time
}

// Service is a registered service identity (e.g. "com.acme.store").
type Service struct {
	ID         string
	Identifier string
	Name       string
	Logo       string
	CreatedAt  time.Time
}

// Release is a specific version of a service. Unique per (service, version).
type Release struct {
	ID        string
	ServiceID string
	Version   string
	Scopes    []string
	CreatedAt time.Time
}

// ServiceInstance is a running deployment of a release that clients can be
// pointed at. The ACL fields gate which users may resolve it.
type ServiceInstance struct {
	ID             string
	ReleaseID      string
	Identifier     string // instance identifier within the release, e.g. "primary"
	OrganizationID string
	DeviceID       *string
	StewardID      *string // owning user
	Token          string  // bearer capability token
	Functional     bool
	AllowedUsers   []string // user IDs; empty means everyone
	DeniedUsers    []string
	AllowedGroups  []string // group IDs; empty means every group
	DeniedGroups   []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AliasKind selects how a backend renders the alias into a reachable URL.
type AliasKind string

const (
	// AliasKindRelative is served under the linkd host itself; the rendered
	// URL is derived from the claiming request's host.
	AliasKindRelative AliasKind = "relative"
	// AliasKindAbsolute carries its own host and port.
	AliasKindAbsolute AliasKind = "absolute"
)

// Alias is a reachability descriptor for a service instance.
type Alias struct {
	ID         string
	InstanceID string
	Kind       AliasKind
	Layer      string // transport layer scope, empty for the default layer
	Host       string
	Port       int
	Path       string
	SSL        bool
	Challenge  string // path probed by clients to verify reachability
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ClientKind mirrors the requested_client_kind of a start request.
type ClientKind string

const (
	ClientKindDevelopment ClientKind = "development"
	ClientKindWebsite     ClientKind = "website"
	ClientKindDesktop     ClientKind = "desktop"
)

// Client is a materialized client subject: the OAuth2 identity handed to a
// linked application together with its resolved instance mappings.
type Client struct {
	ID                string
	OrganizationID    string
	ReleaseID         string
	DeviceID          *string
	StewardID         *string
	Kind              ClientKind
	Public            bool
	Name              string // deployment name shown in the self claim
	Token             string // bearer capability token used by claim/report
	OAuthClientID     string
	OAuthClientSecret string
	RedirectURIs      []string
	RequirementsHash  string
	Functional        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InstanceMapping binds one requirement key of a client to a resolved
// service instance. Unique per (client, key).
type InstanceMapping struct {
	ID         string
	ClientID   string
	Key        string
	InstanceID string
	CreatedAt  time.Time
}

// Composition is a named group of service instances linked and claimed as
// one subject.
type Composition struct {
	ID             string
	OrganizationID string
	Name           string
	Token          string
	Functional     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CompositionMember ties an instance into a composition under the
// requirement key it resolved. Identifier names the member's section in the
// composition document; Token and PrivateKey are the member's credentials,
// minted once when the composition is accepted and never rewritten.
type CompositionMember struct {
	ID            string
	CompositionID string
	Identifier    string
	InstanceID    string
	Token         string
	PrivateKey    string
	CreatedAt     time.Time
}

// AliasReport records a client's verdict on whether an alias for one of its
// requirement keys was reachable.
type AliasReport struct {
	ID        string
	ClientID  string
	Key       string
	AliasID   *string
	Valid     bool
	Reason    string
	CreatedAt time.Time
}

// CatalogStore covers the service/release/instance/alias catalog and the
// upsert-by-natural-key operations used during accept materialization.
type CatalogStore interface {
	UpsertService(ctx context.Context, svc *Service) (*Service, error)
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceByIdentifier(ctx context.Context, identifier string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)

	UpsertRelease(ctx context.Context, rel *Release) (*Release, error)
	GetRelease(ctx context.Context, id string) (*Release, error)

	UpsertInstance(ctx context.Context, inst *ServiceInstance) (*ServiceInstance, error)
	GetInstance(ctx context.Context, id string) (*ServiceInstance, error)
	GetInstanceByToken(ctx context.Context, token string) (*ServiceInstance, error)
	// CandidateInstances returns instances of the service identified by
	// serviceIdentifier inside the organization, without any ACL filtering.
	// Policy is evaluated in memory by the resolver.
	CandidateInstances(ctx context.Context, serviceIdentifier, organizationID string) ([]*ServiceInstance, error)
	SetInstanceFunctional(ctx context.Context, id string, functional bool) error

	UpsertAlias(ctx context.Context, alias *Alias) (*Alias, error)
	ListAliases(ctx context.Context, instanceID string) ([]*Alias, error)

	AddInstanceRole(ctx context.Context, instanceID, role string) error
	ListInstanceRoles(ctx context.Context, instanceID string) ([]string, error)
	AddInstanceScope(ctx context.Context, instanceID, scope string) error
	ListInstanceScopes(ctx context.Context, instanceID string) ([]string, error)
}

// ClientStore covers client subjects and their requirement mappings.
type ClientStore interface {
	UpsertClient(ctx context.Context, c *Client) (*Client, error)
	GetClient(ctx context.Context, id string) (*Client, error)
	GetClientByToken(ctx context.Context, token string) (*Client, error)
	UpdateClientRequirementsHash(ctx context.Context, id, hash string) error
	SetClientFunctional(ctx context.Context, id string, functional bool) error

	// ReplaceMappings swaps the client's full mapping set atomically.
	ReplaceMappings(ctx context.Context, clientID string, mappings []*InstanceMapping) error
	ListMappings(ctx context.Context, clientID string) ([]*InstanceMapping, error)
}

// CompositionStore covers composition subjects and their members.
type CompositionStore interface {
	UpsertComposition(ctx context.Context, c *Composition) (*Composition, error)
	GetComposition(ctx context.Context, id string) (*Composition, error)
	GetCompositionByToken(ctx context.Context, token string) (*Composition, error)
	AddCompositionMember(ctx context.Context, m *CompositionMember) (*CompositionMember, error)
	ListCompositionMembers(ctx context.Context, compositionID string) ([]*CompositionMember, error)
}

// IdentityStore covers organizations, users, and group membership.
type IdentityStore interface {
	UpsertOrganization(ctx context.Context, org *Organization) (*Organization, error)
	GetOrganizationByIdentifier(ctx context.Context, identifier string) (*Organization, error)

	UpsertUser(ctx context.Context, u *User) (*User, error)
	GetUserBySub(ctx context.Context, sub string) (*User, error)
	AddUserToGroup(ctx context.Context, userID, group string) error
	ListUserGroups(ctx context.Context, userID string) ([]string, error)
}

// ReportStore records alias reachability reports submitted by clients.
type ReportStore interface {
	SaveAliasReport(ctx context.Context, r *AliasReport) error
	ListAliasReports(ctx context.Context, clientID string) ([]*AliasReport, error)
}
