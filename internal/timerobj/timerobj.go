// Package timerobj implements the timer dispatcher (component G): a
// single serialized dispatch thread draining a deadline-ordered list of
// armed timers and invoking each one's handler in turn.
package timerobj

import (
	"sync"
	"time"

	"github.com/google/btree"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
)

// Handler is invoked by the dispatcher thread when a timer's deadline is
// reached. It must never block on a syncobj it owns, nor call Close on
// its own dispatcher: neither case is detected, and either one blocks the
// dispatcher goroutine for good.
type Handler func(tmo *Timer)

// ErrSelfPend is the NotPermitted error value for an operation attempted
// from the dispatcher's own context. No function in this package returns
// it.
var ErrSelfPend = copperrors.New("timerobj", copperrors.NotPermitted, "dispatcher context cannot self-pend")

// Timer is one armed (or disarmed) timer entry.
type Timer struct {
	id       uint64
	name     string
	deadline int64 // absolute wall-clock Unix nanoseconds (not a monotonic reading)
	interval int64 // 0 = one-shot
	handler  Handler
	armed    bool
}

func (t *Timer) Deadline() time.Time { return time.Unix(0, t.deadline) }

type entry struct {
	deadline int64
	seq      uint64
	timer    *Timer
}

func byDeadline(a, b entry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Dispatcher runs a single serialized goroutine that invokes handlers in
// order of absolute expiry, ties broken by insertion order.
type Dispatcher struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[entry]
	byTimer map[uint64]entry
	nextID  uint64
	nextSeq uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	obs metrics.Observer
	log *logging.Logger
}

// NewDispatcher creates and starts a dispatcher goroutine.
func NewDispatcher(name string, obs metrics.Observer, log *logging.Logger) *Dispatcher {
	if obs == nil {
		obs = metrics.NoOpObserver{}
	}
	if log == nil {
		log = logging.Default()
	}
	d := &Dispatcher{
		tree:    btree.NewG(32, byDeadline),
		byTimer: make(map[uint64]entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		obs:     obs,
		log:     log.WithObject(name),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Init creates a disarmed timer bound to handler.
func (d *Dispatcher) Init(name string, handler Handler) *Timer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return &Timer{id: d.nextID, name: name, handler: handler}
}

// Start arms tmo for absolute deadline, repeating every interval if
// interval > 0.
func (d *Dispatcher) Start(tmo *Timer, deadline time.Time, interval time.Duration) {
	d.mu.Lock()
	if tmo.armed {
		d.removeLocked(tmo)
	}
	tmo.deadline = deadline.UnixNano()
	tmo.interval = int64(interval)
	tmo.armed = true
	d.insertLocked(tmo)
	d.mu.Unlock()
	d.signal()
}

// Stop disarms tmo. A no-op if it was not armed.
func (d *Dispatcher) Stop(tmo *Timer) {
	d.mu.Lock()
	if tmo.armed {
		d.removeLocked(tmo)
		tmo.armed = false
	}
	d.mu.Unlock()
}

// Destroy stops tmo; the Timer must not be used afterward.
func (d *Dispatcher) Destroy(tmo *Timer) {
	d.Stop(tmo)
}

func (d *Dispatcher) insertLocked(tmo *Timer) {
	d.nextSeq++
	e := entry{deadline: tmo.deadline, seq: d.nextSeq, timer: tmo}
	d.tree.ReplaceOrInsert(e)
	d.byTimer[tmo.id] = e
}

func (d *Dispatcher) removeLocked(tmo *Timer) {
	if e, ok := d.byTimer[tmo.id]; ok {
		d.tree.Delete(e)
		delete(d.byTimer, tmo.id)
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher goroutine. Outstanding timers are not
// invoked again.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain()
	}
}

// drain walks the timer list front-to-back while the head's deadline has
// passed, re-arming periodic timers before releasing the lock and
// invoking each handler outside it, then reacquiring to continue.
func (d *Dispatcher) drain() {
	now := time.Now().UnixNano()
	for {
		d.mu.Lock()
		min, ok := d.tree.Min()
		if !ok || min.deadline > now {
			d.mu.Unlock()
			return
		}
		d.tree.Delete(min)
		delete(d.byTimer, min.timer.id)

		if min.timer.interval > 0 {
			min.timer.deadline += min.timer.interval
			d.insertLocked(min.timer)
		} else {
			min.timer.armed = false
		}
		d.mu.Unlock()

		d.obs.ObserveTimerFire(min.timer.name)
		min.timer.handler(min.timer)
	}
}

// Len reports the number of currently armed timers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Len()
}
