package catalog

import (
	"context"
	"sync"
)

// MemoryCatalog keeps every version in memory. Used by tests and by
// `pkgsearch update --from file.yaml`.
type MemoryCatalog struct {
	mu       sync.RWMutex
	versions []Package
}

// NewMemoryCatalog creates a catalog holding pkgs.
func NewMemoryCatalog(pkgs ...Package) *MemoryCatalog {
	c := &MemoryCatalog{}
	c.Add(pkgs...)
	return c
}

// Add stores more versions. A version whose Key already exists replaces it.
func (c *MemoryCatalog) Add(pkgs ...Package) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range pkgs {
		p.Authors = append([]string(nil), p.Authors...)
		replaced := false
		for i := range c.versions {
			if c.versions[i].Key == p.Key {
				c.versions[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			c.versions = append(c.versions, p)
		}
	}
}

// GetLatestPackageVersions implements Catalog.
func (c *MemoryCatalog) GetLatestPackageVersions(ctx context.Context, includePrerelease bool) ([]Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return selectLatest(c.versions, includePrerelease), nil
}

var _ Catalog = (*MemoryCatalog)(nil)
