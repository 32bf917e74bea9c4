// ABOUTME: Manifest type declared by linking clients and services
// ABOUTME: Carries identity, version, scopes, and service requirements

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidManifest is returned when a manifest fails validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// Requirement is a named dependency a manifest declares on a service.
// Key is the name the client will use to look up the resolved instance
// in its claimed configuration.
type Requirement struct {
	Key         string `json:"key" yaml:"key" toml:"key"`
	Service     string `json:"service" yaml:"service" toml:"service"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional" toml:"optional"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
}

// Manifest describes the identity and declared dependencies of a client,
// service instance, or composition requesting to be linked.
type Manifest struct {
	Identifier   string        `json:"identifier" yaml:"identifier" toml:"identifier"`
	Version      string        `json:"version" yaml:"version" toml:"version"`
	Logo         string        `json:"logo,omitempty" yaml:"logo" toml:"logo"`
	Description  string        `json:"description,omitempty" yaml:"description" toml:"description"`
	Scopes       []string      `json:"scopes,omitempty" yaml:"scopes" toml:"scopes"`
	Roles        []string      `json:"roles,omitempty" yaml:"roles" toml:"roles"`
	Requirements []Requirement `json:"requirements,omitempty" yaml:"requirements" toml:"requirements"`
}

// Validate checks that the manifest carries the minimum fields needed to
// resolve a subject from it.
func (m *Manifest) Validate() error {
	if m.Identifier == "" {
		return fmt.Errorf("%w: missing identifier", ErrInvalidManifest)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	seen := make(map[string]bool, len(m.Requirements))
	for _, r := range m.Requirements {
		if r.Key == "" {
			return fmt.Errorf("%w: requirement with empty key", ErrInvalidManifest)
		}
		if r.Service == "" {
			return fmt.Errorf("%w: requirement %q has no service", ErrInvalidManifest, r.Key)
		}
		if seen[r.Key] {
			return fmt.Errorf("%w: duplicate requirement key %q", ErrInvalidManifest, r.Key)
		}
		seen[r.Key] = true
	}
	return nil
}

// Requirement returns the requirement with the given key, or nil.
func (m *Manifest) Requirement(key string) *Requirement {
	for i := range m.Requirements {
		if m.Requirements[i].Key == key {
			return &m.Requirements[i]
		}
	}
	return nil
}

// RequirementsHash computes a stable hash over the set of (service, key)
// pairs of the given requirements. The hash is invariant under reordering
// of the requirement list. It is used to detect requirement-set changes
// between accepts of the same client; callers must not use it to skip
// re-resolution.
func RequirementsHash(reqs []Requirement) string {
	pairs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		pairs = append(pairs, r.Service+"\x00"+r.Key)
	}
	sort.Strings(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Hash is shorthand for RequirementsHash over the manifest's requirements.
func (m *Manifest) Hash() string {
	return RequirementsHash(m.Requirements)
}

// String returns "identifier:version" for logging.
func (m *Manifest) String() string {
	var b strings.Builder
	b.WriteString(m.Identifier)
	b.WriteByte(':')
	b.WriteString(m.Version)
	return b.String()
}
