package cluster

import (
	"sync"
	"time"

	copperrors "github.com/coppercore/copperplate/internal/errors"
)

// SyncCluster wraps a Cluster with a condition variable so that callers
// may block waiting for a name to appear. A timeout of zero polls without
// blocking; a negative timeout waits without bound; destroying the
// syncluster wakes every waiter with Deleted.
type SyncCluster struct {
	c         *Cluster
	mu        sync.Mutex
	cond      *sync.Cond
	destroyed bool
}

// NewSyncCluster wraps an existing cluster (process-local or shared) with
// wait-for-name semantics.
func NewSyncCluster(c *Cluster) *SyncCluster {
	sc := &SyncCluster{c: c}
	sc.cond = sync.NewCond(&sc.mu)
	return sc
}

// AddObj inserts obj under name and wakes every waiter blocked on that
// name (or any name — waiters recheck their own predicate on wake).
func (sc *SyncCluster) AddObj(name string, obj any) (Handle, error) {
	h, err := sc.c.AddObj(name, obj)
	if err == nil {
		sc.mu.Lock()
		sc.cond.Broadcast()
		sc.mu.Unlock()
	}
	return h, err
}

// DelObj removes the entry identified by h.
func (sc *SyncCluster) DelObj(h Handle) error {
	return sc.c.DelObj(h)
}

// FindObj returns the object bound to name if present; otherwise, per
// timeout: 0 returns WouldBlock immediately (a poll), negative blocks
// until name appears or the syncluster is destroyed, and positive blocks
// up to that duration before returning TimedOut.
func (sc *SyncCluster) FindObj(name string, timeout time.Duration) (any, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if obj, ok := sc.c.FindObj(name); ok {
		return obj, nil
	}
	if sc.destroyed {
		return nil, copperrors.Named("syncluster.findobj", sc.c.name, copperrors.Deleted, "syncluster destroyed")
	}
	if timeout == 0 {
		return nil, copperrors.Named("syncluster.findobj", sc.c.name, copperrors.WouldBlock, "name not present")
	}

	var expired bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			sc.mu.Lock()
			expired = true
			sc.cond.Broadcast()
			sc.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		sc.cond.Wait()
		if obj, ok := sc.c.FindObj(name); ok {
			return obj, nil
		}
		if sc.destroyed {
			return nil, copperrors.Named("syncluster.findobj", sc.c.name, copperrors.Deleted, "syncluster destroyed")
		}
		if expired {
			return nil, copperrors.Named("syncluster.findobj", sc.c.name, copperrors.TimedOut, "timed out waiting for name")
		}
	}
}

// Destroy marks the syncluster dead and wakes every blocked waiter with
// Deleted.
func (sc *SyncCluster) Destroy() {
	sc.mu.Lock()
	sc.destroyed = true
	sc.cond.Broadcast()
	sc.mu.Unlock()
}
