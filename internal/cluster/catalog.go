package cluster

import (
	"sync"

	copperrors "github.com/coppercore/copperplate/internal/errors"
)

// Catalog is the process-wide index of shared clusters by name: a hash
// table of hash tables.
type Catalog struct {
	mu       sync.Mutex
	clusters map[string]*Cluster
}

var defaultCatalog = &Catalog{clusters: make(map[string]*Cluster)}

func (cat *Catalog) register(c *Cluster) error {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if _, exists := cat.clusters[c.name]; exists {
		return copperrors.Named("cluster.catalog", c.name, copperrors.Exists, "cluster name already registered")
	}
	cat.clusters[c.name] = c
	return nil
}

func (cat *Catalog) unregister(name string) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	delete(cat.clusters, name)
}

func (cat *Catalog) lookup(name string) (*Cluster, bool) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	c, ok := cat.clusters[name]
	return c, ok
}

// Lookup finds a previously registered shared cluster by name in the
// default process-wide catalog.
func Lookup(name string) (*Cluster, bool) {
	return defaultCatalog.lookup(name)
}

// Forget removes a cluster from the default catalog, e.g. on Destroy.
func Forget(name string) {
	defaultCatalog.unregister(name)
}
