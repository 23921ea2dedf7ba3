// Package maven implements the Maven repository handler in its hosted and
// proxy variants. Hosted repositories accept deploys, parse uploaded POMs
// and feed the project index; proxies fetch from upstream mirrors on cache
// miss and keep an append-only local cache.
package maven

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nitro.evalgo.org/repository"
	"nitro.evalgo.org/storage"
)

// TypeName is the repository-type tag for both Maven variants.
const TypeName = "maven"

// VersionPolicy restricts which versions a hosted repository accepts.
type VersionPolicy string

const (
	// PolicyRelease rejects -SNAPSHOT versions.
	PolicyRelease VersionPolicy = "release"
	// PolicySnapshot requires -SNAPSHOT versions.
	PolicySnapshot VersionPolicy = "snapshot"
	// PolicyMixed accepts everything.
	PolicyMixed VersionPolicy = "mixed"
)

// ProxyRoute is one upstream mirror, tried in ascending priority order.
// A nil priority sorts last.
type ProxyRoute struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// Config is the maven_config blob: the variant discriminator plus the
// hosted policy and the proxy routes.
type Config struct {
	// Mode is "hosted" or "proxy".
	Mode   string        `json:"mode"`
	Policy VersionPolicy `json:"policy,omitempty"`
	Routes []ProxyRoute  `json:"routes,omitempty"`
}

// DefaultConfig is a hosted repository accepting all versions.
func DefaultConfig() Config {
	return Config{Mode: "hosted", Policy: PolicyMixed}
}

// SortRoutes orders routes ascending by priority with nil last.
func SortRoutes(routes []ProxyRoute) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i].Priority, routes[j].Priority
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		default:
			return false
		}
	})
}

// CheckVersionPolicy validates a version string against the policy.
func CheckVersionPolicy(policy VersionPolicy, version string) error {
	isSnapshot := strings.HasSuffix(strings.ToUpper(version), "-SNAPSHOT")
	switch policy {
	case PolicyRelease:
		if isSnapshot {
			return fmt.Errorf("SNAPSHOT in release only")
		}
	case PolicySnapshot:
		if !isSnapshot {
			return fmt.Errorf("only SNAPSHOT versions are accepted")
		}
	}
	return nil
}

// Factory loads Maven repositories, choosing the hosted or proxy variant
// from the maven_config blob.
type Factory struct{}

// NewFactory returns the Maven repository factory.
func NewFactory() Factory { return Factory{} }

// TypeName returns the repository-type tag.
func (Factory) TypeName() string { return TypeName }

// Load builds the handler for one repository row.
func (Factory) Load(ctx context.Context, record repository.Record, store storage.Storage, deps *repository.Deps) (repository.Repository, error) {
	cfg := DefaultConfig()
	if err := deps.Configs.GetOrDefault(record.ID, repository.ConfigTypeMavenConfig, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case "proxy":
		return loadProxy(record, store, deps, cfg)
	case "", "hosted":
		return loadHosted(record, store, deps, cfg)
	default:
		return nil, fmt.Errorf("unknown maven repository mode %q", cfg.Mode)
	}
}
