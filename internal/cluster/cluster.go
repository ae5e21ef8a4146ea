// Package cluster implements the clustered naming registry (component C):
// string-keyed object dictionaries shared by every process attached to a
// session, plus a process-wide catalog of those dictionaries by name.
package cluster

import (
	"fmt"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sys/unix"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/list"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
)

// MaxNameLen mirrors XNOBJECT_NAME_LEN: names longer than this are
// rejected outright rather than silently truncated.
const MaxNameLen = 64

// Handle identifies a live entry within a Cluster for later DelObj calls.
// It is a list.Index into the cluster's shared node pool.
type Handle = list.Index

const noHandle Handle = list.Nil

// LivenessProber reports whether the process that owns a cluster entry is
// still alive. The default implementation sends signal 0 via kill(2),
// the standard POSIX liveness probe.
type LivenessProber interface {
	Alive(pid int32) bool
}

type posixProber struct{}

func (posixProber) Alive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it:
	// still alive. Any other error (typically ESRCH) means it is gone.
	return err == unix.EPERM
}

// entry is the payload carried by each node in the cluster's shared pool;
// the prev/next chain links themselves live in list.Shared.
type entry struct {
	name  string
	value any
	owner int32
	epoch uint64
}

// Option configures a Cluster at construction time.
type Option func(*Cluster)

// WithLivenessProber overrides the default kill(2)-based owner probe,
// primarily for tests that want to simulate a dead owner without actually
// spawning and killing a process.
func WithLivenessProber(p LivenessProber) Option {
	return func(c *Cluster) { c.prober = p }
}

// WithDuplicates allows multiple live entries to share the same name
// (the _dup variants in the original contract), instead of the default
// no-duplicate mode where addobj rejects a name clash with a live owner.
func WithDuplicates() Option {
	return func(c *Cluster) { c.allowDup = true }
}

// WithObserver wires a metrics.Observer for lookup-hit/miss counters.
func WithObserver(obs metrics.Observer) Option {
	return func(c *Cluster) { c.obs = obs }
}

// Cluster is a named string→object dictionary with owner-liveness-probed
// stale-entry eviction, shared by hash bucket chains addressed by Handle
// rather than by pointer.
type Cluster struct {
	mu       sync.Mutex
	name     string
	epoch    uint64
	allowDup bool
	prober   LivenessProber
	obs      metrics.Observer
	log      *logging.Logger

	nodes   *list.Shared[entry]
	buckets []Handle
}

// New creates a process-local cluster. It is never registered in the
// shared catalog; AddObj and FindObj still owner-probe its entries on a
// name match, exactly as for a shared cluster.
func New(name string, nbuckets int, opts ...Option) *Cluster {
	c := newCluster(name, nbuckets, 0)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewShared creates a cluster intended to live in shared memory and
// registers it in the process-wide Catalog under name, tagged with
// epoch (ordinarily the owning session's start-epoch). The epoch is
// recorded on every entry but not consulted: staleness is decided by the
// liveness probe alone. Returns Exists if the name is already registered.
func NewShared(name string, nbuckets int, epoch uint64, opts ...Option) (*Cluster, error) {
	c := newCluster(name, nbuckets, epoch)
	for _, opt := range opts {
		opt(c)
	}
	if err := defaultCatalog.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func newCluster(name string, nbuckets int, epoch uint64) *Cluster {
	if nbuckets <= 0 {
		nbuckets = 64
	}
	buckets := make([]Handle, nbuckets)
	for i := range buckets {
		buckets[i] = noHandle
	}
	return &Cluster{
		name:    name,
		epoch:   epoch,
		prober:  posixProber{},
		obs:     metrics.NoOpObserver{},
		log:     logging.Default().WithObject(name),
		nodes:   list.NewShared[entry](nbuckets),
		buckets: buckets,
	}
}

func (c *Cluster) hashBucket(name string) int {
	h := xxhash.ChecksumString64(name)
	return int(h % uint64(len(c.buckets)))
}

// unlinkFromBucket removes h from bucket's chain, updating the bucket's
// head if h was it.
func (c *Cluster) unlinkFromBucket(bucket int, h Handle) {
	c.buckets[bucket] = c.nodes.Unlink(c.buckets[bucket], h)
}

// AddObj inserts obj under name, returning a Handle for later DelObj
// calls. If a live entry with the same name exists and duplicates are
// not allowed, returns Exists. Any entry discovered to be stale (owner
// process gone) while scanning the bucket is evicted first.
func (c *Cluster) AddObj(name string, obj any) (Handle, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return noHandle, copperrors.Named("cluster.addobj", c.name, copperrors.InvalidHandle, "name length out of range")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.hashBucket(name)
	cur := c.buckets[bucket]
	for cur != noHandle {
		next := c.nodes.Next(cur)
		n := c.nodes.Value(cur)
		if n.name == name {
			if c.prober.Alive(n.owner) {
				if !c.allowDup {
					return noHandle, copperrors.Named("cluster.addobj", c.name, copperrors.Exists, "name already bound to a live object")
				}
			} else {
				c.unlinkFromBucket(bucket, cur)
				c.nodes.Release(cur)
				c.log.Debug("evicted stale entry", "name", name, "owner", n.owner)
			}
		}
		cur = next
	}

	h := c.nodes.Alloc(entry{
		name:  name,
		value: obj,
		owner: int32(os.Getpid()),
		epoch: c.epoch,
	})
	c.buckets[bucket] = c.nodes.LinkFront(c.buckets[bucket], h)
	return h, nil
}

// DelObj removes the entry identified by h.
func (c *Cluster) DelObj(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nodes.Valid(h) {
		return copperrors.Named("cluster.delobj", c.name, copperrors.InvalidHandle, "stale or unknown handle")
	}
	bucket := c.hashBucket(c.nodes.Value(h).name)
	c.unlinkFromBucket(bucket, h)
	c.nodes.Release(h)
	return nil
}

// FindObj looks up name, evicting any stale entries encountered along
// the way. Returns (obj, true) on a live hit.
func (c *Cluster) FindObj(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.hashBucket(name)
	cur := c.buckets[bucket]
	for cur != noHandle {
		next := c.nodes.Next(cur)
		n := c.nodes.Value(cur)
		if n.name == name {
			if c.prober.Alive(n.owner) {
				c.obs.ObserveClusterLookup(c.name, true)
				return n.value, true
			}
			c.unlinkFromBucket(bucket, cur)
			c.nodes.Release(cur)
			c.log.Debug("evicted stale entry on lookup", "name", name, "owner", n.owner)
		}
		cur = next
	}
	c.obs.ObserveClusterLookup(c.name, false)
	return nil, false
}

// Len reports the number of live entries across every bucket.
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, head := range c.buckets {
		c.nodes.Each(head, func(_ list.Index, _ entry) bool {
			n++
			return true
		})
	}
	return n
}

// Name returns the cluster's name.
func (c *Cluster) Name() string { return c.name }

// Snapshot renders the cluster's occupancy as a textual state block.
func (c *Cluster) Snapshot() string {
	return fmt.Sprintf("name=%s entries=%d buckets=%d epoch=%d", c.name, c.Len(), len(c.buckets), c.epoch)
}
