// Package syncobj implements the complex monitor (component F): a
// pend/post/drain/flush/destroy primitive with FIFO or priority wait
// ordering and deletion-safe, deferred-release semantics.
package syncobj

import (
	"fmt"
	"sync"
	"time"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
)

// Order selects how pend_list is kept ordered.
type Order int

const (
	// FIFO wakes waiters in arrival order regardless of priority.
	FIFO Order = iota
	// Priority wakes the highest-priority waiter first, FIFO among ties.
	Priority
)

type waiterNode struct {
	priority      int
	seq           uint64
	done          chan error
	releaseTagged bool
}

// Syncobj is the monitor for higher-level blocking primitives (semaphore
// wait, condition wait). Thread suspend/resume does not use it; it goes
// through internal/notifier.
type Syncobj struct {
	mu           sync.Mutex
	cond         *sync.Cond
	name         string
	order        Order
	pendList     []*waiterNode
	drainList    []*waiterNode
	destroyed    bool
	releaseCount int
	nextSeqVal   uint64

	obs metrics.Observer
	log *logging.Logger
}

// New creates a syncobj with the given wait ordering.
func New(name string, order Order, obs metrics.Observer, log *logging.Logger) *Syncobj {
	if obs == nil {
		obs = metrics.NoOpObserver{}
	}
	if log == nil {
		log = logging.Default()
	}
	s := &Syncobj{name: name, order: order, obs: obs, log: log.WithObject(name)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Syncobj) nextSeq() uint64 {
	s.nextSeqVal++
	return s.nextSeqVal
}

// insertPend locks must be held by caller. Maintains pend_list ordering:
// FIFO order always appends; Priority order inserts descending by
// priority, ties broken by arrival (seq) order.
func (s *Syncobj) insertPend(w *waiterNode) {
	if s.order == FIFO {
		s.pendList = append(s.pendList, w)
		return
	}
	idx := len(s.pendList)
	for i, other := range s.pendList {
		if w.priority > other.priority {
			idx = i
			break
		}
	}
	s.pendList = append(s.pendList, nil)
	copy(s.pendList[idx+1:], s.pendList[idx:])
	s.pendList[idx] = w
}

func removeWaiter(list []*waiterNode, w *waiterNode) ([]*waiterNode, bool) {
	for i, other := range list {
		if other == w {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Pend blocks the caller, inserted into pend_list per the syncobj's
// ordering, until Post, a matching Flush/Destroy, or timeout. timeout
// follows the convention used throughout this runtime: 0 polls
// (WouldBlock on a miss), negative waits without bound, positive bounds
// the wait (TimedOut on expiry).
func (s *Syncobj) Pend(priority int, timeout time.Duration) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return copperrors.Named("syncobj.pend", s.name, copperrors.Deleted, "syncobj destroyed")
	}
	if timeout == 0 {
		s.mu.Unlock()
		return copperrors.Named("syncobj.pend", s.name, copperrors.WouldBlock, "no waiter to pair with")
	}

	w := &waiterNode{priority: priority, seq: s.nextSeq(), done: make(chan error, 1)}
	s.insertPend(w)
	s.obs.ObserveSyncobjDepth(s.name, len(s.pendList), len(s.drainList))
	s.mu.Unlock()

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { s.timeoutPend(w) })
	}

	err := <-w.done
	if timer != nil {
		timer.Stop()
	}
	if w.releaseTagged {
		s.mu.Lock()
		s.releaseCount--
		if s.releaseCount == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Syncobj) timeoutPend(w *waiterNode) {
	s.mu.Lock()
	list, ok := removeWaiter(s.pendList, w)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.pendList = list
	s.mu.Unlock()
	w.done <- copperrors.Named("syncobj.pend", s.name, copperrors.TimedOut, "deadline reached")
}

// Post wakes the head of pend_list (by the syncobj's ordering) with a
// normal (nil-error) grant. Reports whether anyone was waiting.
func (s *Syncobj) Post() bool {
	s.mu.Lock()
	if len(s.pendList) == 0 {
		s.mu.Unlock()
		return false
	}
	w := s.pendList[0]
	s.pendList = s.pendList[1:]
	s.mu.Unlock()
	w.done <- nil
	return true
}

// WaitDrain appends the caller to drain_list; it is woken by SignalDrain
// (one waiter) or BroadcastDrain (all waiters), or by Flush/Destroy.
func (s *Syncobj) WaitDrain(timeout time.Duration) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return copperrors.Named("syncobj.wait_drain", s.name, copperrors.Deleted, "syncobj destroyed")
	}
	if timeout == 0 {
		s.mu.Unlock()
		return copperrors.Named("syncobj.wait_drain", s.name, copperrors.WouldBlock, "draining")
	}

	w := &waiterNode{seq: s.nextSeq(), done: make(chan error, 1)}
	s.drainList = append(s.drainList, w)
	s.obs.ObserveSyncobjDepth(s.name, len(s.pendList), len(s.drainList))
	s.mu.Unlock()

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { s.timeoutDrain(w) })
	}
	err := <-w.done
	if timer != nil {
		timer.Stop()
	}
	if w.releaseTagged {
		s.mu.Lock()
		s.releaseCount--
		if s.releaseCount == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Syncobj) timeoutDrain(w *waiterNode) {
	s.mu.Lock()
	list, ok := removeWaiter(s.drainList, w)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.drainList = list
	s.mu.Unlock()
	w.done <- copperrors.Named("syncobj.wait_drain", s.name, copperrors.TimedOut, "deadline reached")
}

// SignalDrain wakes a single drainer, if any. Reports whether anyone was
// waiting.
func (s *Syncobj) SignalDrain() bool {
	s.mu.Lock()
	if len(s.drainList) == 0 {
		s.mu.Unlock()
		return false
	}
	w := s.drainList[0]
	s.drainList = s.drainList[1:]
	s.mu.Unlock()
	w.done <- nil
	return true
}

// BroadcastDrain wakes every current drainer with a normal grant,
// returning how many were woken.
func (s *Syncobj) BroadcastDrain() int {
	s.mu.Lock()
	drain := s.drainList
	s.drainList = nil
	s.mu.Unlock()
	for _, w := range drain {
		w.done <- nil
	}
	return len(drain)
}

// Flush releases every waiter in pend_list and drain_list with the given
// error, incrementing release_count by the number woken, and returns
// that count.
func (s *Syncobj) Flush(code copperrors.Code, msg string) int {
	s.mu.Lock()
	pend := s.pendList
	drain := s.drainList
	s.pendList = nil
	s.drainList = nil
	n := len(pend) + len(drain)
	s.releaseCount += n
	s.mu.Unlock()

	reason := copperrors.Named("syncobj.flush", s.name, code, msg)
	for _, w := range pend {
		w.releaseTagged = true
		w.done <- reason
	}
	for _, w := range drain {
		w.releaseTagged = true
		w.done <- reason
	}
	return n
}

// Destroy flushes every waiter with Deleted and blocks until each has
// actually returned from its own Pend/WaitDrain call (the memory backing
// the syncobj must stay valid through the last such return).
func (s *Syncobj) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return copperrors.Named("syncobj.destroy", s.name, copperrors.Deleted, "already destroyed")
	}
	s.destroyed = true
	s.mu.Unlock()

	s.Flush(copperrors.Deleted, "syncobj destroyed")

	s.mu.Lock()
	for s.releaseCount > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return nil
}

// PendCount, DrainCount and ReleaseCount expose the syncobj's invariant
// quantities: pend_count == |pend_list|, drain_count == |drain_list|,
// release_count >= 0.
func (s *Syncobj) PendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendList)
}

func (s *Syncobj) DrainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drainList)
}

func (s *Syncobj) ReleaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseCount
}

// Snapshot renders the syncobj's wait-list occupancy as a textual state
// block.
func (s *Syncobj) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := "FIFO"
	if s.order == Priority {
		order = "PRIO"
	}
	return fmt.Sprintf("name=%s order=%s pend=%d drain=%d release=%d",
		s.name, order, len(s.pendList), len(s.drainList), s.releaseCount)
}
