// Package catalog reads package versions from the gallery database.
//
// The index updater only needs GetLatestPackageVersions; the write side
// (EnsureSchema, SavePackage) exists for seeding a catalog from a YAML file.
package catalog

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Package is one version of a package registration.
type Package struct {
	// ID is the registration identifier, shared by all versions.
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	// Key is the surrogate key of this version.
	Key         int    `yaml:"key" json:"key"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description" json:"description"`
	// Tags is whitespace separated.
	Tags    string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	Authors []string `yaml:"authors,omitempty" json:"authors,omitempty"`
	// Published is zero for unpublished versions.
	Published  time.Time `yaml:"published,omitempty" json:"published,omitempty"`
	Prerelease bool      `yaml:"prerelease,omitempty" json:"prerelease,omitempty"`
}

// Catalog is the read side the index updater depends on.
type Catalog interface {
	// GetLatestPackageVersions returns the latest version of every
	// registration. With includePrerelease false the latest stable version
	// is returned instead, and registrations with only prereleases are skipped.
	GetLatestPackageVersions(ctx context.Context, includePrerelease bool) ([]Package, error)
}

// latest picks the latest and latest-stable version among the versions of
// one registration: highest Published, ties broken by higher Key.
// Returns nil for a category with no candidate.
func latest(versions []Package) (all, stable *Package) {
	for i := range versions {
		p := &versions[i]
		if all == nil || newer(p, all) {
			all = p
		}
		if !p.Prerelease && (stable == nil || newer(p, stable)) {
			stable = p
		}
	}
	return all, stable
}

func newer(a, b *Package) bool {
	if !a.Published.Equal(b.Published) {
		return a.Published.After(b.Published)
	}
	return a.Key > b.Key
}

// selectLatest groups versions by case-insensitive identifier and returns
// the latest of each group, ordered by Key.
func selectLatest(pkgs []Package, includePrerelease bool) []Package {
	groups := make(map[string][]Package)
	for _, p := range pkgs {
		id := strings.ToLower(p.ID)
		groups[id] = append(groups[id], p)
	}

	out := make([]Package, 0, len(groups))
	for _, versions := range groups {
		all, stable := latest(versions)
		pick := stable
		if includePrerelease {
			pick = all
		}
		if pick != nil {
			out = append(out, *pick)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
