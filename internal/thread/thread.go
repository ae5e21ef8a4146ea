// Package thread implements the thread object (component E): lifecycle
// (init/start/wait_start/prologue/cancel/finalize), suspend/resume via a
// notifier, priority and schedlock scheduling, round-robin quantum
// bookkeeping, and periodic release timing.
package thread

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coppercore/copperplate/internal/clock"
	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
	"github.com/coppercore/copperplate/internal/notifier"
)

// State is the thread's lifecycle state.
type State int32

const (
	StateWarmup State = iota
	StateRunning
	StateSuspended
	StateZombie
)

// lockPriority is the reserved single-kernel schedlock priority, one
// below the (implementation-defined) IRQ priority ceiling.
const lockPriority = 98

var nextID uint64

// Thread is a schedulable unit with cooperative suspension, priority,
// round-robin, and periodic timing support.
type Thread struct {
	mu sync.Mutex

	id       uint64
	name     string
	state    State
	priority int32
	// prioUnlocked holds the priority to restore on UnlockSched when a
	// priority change arrives while the schedlock is held.
	prioUnlocked   int32
	haveDeferredPr bool
	lockDepth      int32
	roundRobin     bool
	quantum        time.Duration

	aborted   bool
	startCh   chan struct{}
	startOnce sync.Once

	cancelRequested int32 // atomic
	joinCh          chan struct{}

	periodicSet bool
	period      time.Duration
	nextWakeup  time.Time

	notifier *notifier.Notifier

	finalizer func(*Thread)
	clk       *clock.Clock
	obs       metrics.Observer
	log       *logging.Logger
}

// Attr configures a new thread at Init time.
type Attr struct {
	Name      string
	Priority  int32
	Clock     *clock.Clock
	Observer  metrics.Observer
	Logger    *logging.Logger
	Finalizer func(*Thread)
}

// New creates a thread descriptor gated in WARMUP; it does not run until
// both Start is called (by the parent) and the goroutine created with Run
// reaches WaitStart.
func New(attr Attr) *Thread {
	if attr.Clock == nil {
		attr.Clock = clock.New(1)
	}
	if attr.Observer == nil {
		attr.Observer = metrics.NoOpObserver{}
	}
	if attr.Logger == nil {
		attr.Logger = logging.Default()
	}
	id := atomic.AddUint64(&nextID, 1)
	th := &Thread{
		id:        id,
		name:      attr.Name,
		state:     StateWarmup,
		priority:  attr.Priority,
		startCh:   make(chan struct{}),
		joinCh:    make(chan struct{}),
		clk:       attr.Clock,
		obs:       attr.Observer,
		log:       attr.Logger.WithThread(id),
		finalizer: attr.Finalizer,
		notifier:  notifier.Init(int32(id), nil),
	}
	return th
}

// ID returns the thread's stable identifier.
func (th *Thread) ID() uint64 { return th.id }

// Name returns the thread's registered name.
func (th *Thread) Name() string { return th.name }

// Start releases the thread from the WARMUP gate.
func (th *Thread) Start() {
	th.startOnce.Do(func() { close(th.startCh) })
}

// Abort releases the thread from WARMUP but marks it aborted; WaitStart
// returns an error in that case and the entry function must not run.
func (th *Thread) Abort() {
	th.mu.Lock()
	th.aborted = true
	th.mu.Unlock()
	th.startOnce.Do(func() { close(th.startCh) })
}

// WaitStart blocks the new thread's own goroutine until the parent calls
// Start or Abort.
func (th *Thread) WaitStart() error {
	<-th.startCh
	th.mu.Lock()
	aborted := th.aborted
	th.mu.Unlock()
	if aborted {
		return copperrors.Named("thread.wait_start", th.name, copperrors.Deleted, "aborted before start")
	}
	return nil
}

// Run executes the thread's prologue/wait_start/entry/finalize sequence
// on the calling goroutine; callers invoke it as `go th.Run(entry)`.
func (th *Thread) Run(entry func(*Thread)) {
	th.prologue()
	defer th.finalize()

	if err := th.WaitStart(); err != nil {
		return
	}

	th.mu.Lock()
	th.state = StateRunning
	th.mu.Unlock()

	entry(th)
}

func (th *Thread) prologue() {
	register(th)
	th.applyScheduling()
}

func (th *Thread) finalize() {
	th.mu.Lock()
	th.state = StateZombie
	th.mu.Unlock()
	unregister(th.id)
	if th.finalizer != nil {
		th.finalizer(th)
	}
	close(th.joinCh)
}

// applyScheduling attempts to apply the configured priority to the
// calling OS thread. Best-effort: lacking CAP_SYS_NICE or running on a
// host without a realtime scheduler policy is not fatal, only logged,
// since the runtime's logical behavior does not depend on the OS
// actually honoring the request.
func (th *Thread) applyScheduling() {
	runtime.LockOSThread()
	th.mu.Lock()
	prio := th.priority
	th.mu.Unlock()
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, int(20-prio)); err != nil {
		th.log.Debug("setpriority failed, continuing with default scheduling", "error", err)
	}
}

// SetPriority changes the thread's priority. While the schedlock is
// held, the change is deferred (stored for UnlockSched to apply) so the
// boosted locking priority stays live in the interim.
func (th *Thread) SetPriority(p int32) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.lockDepth > 0 {
		th.prioUnlocked = p
		th.haveDeferredPr = true
		return
	}
	th.priority = p
}

// Priority reports the thread's current effective priority.
func (th *Thread) Priority() int32 {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.priority
}

// LockSched boosts the thread to the reserved lock priority, recursively.
func (th *Thread) LockSched() {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.lockDepth == 0 {
		th.prioUnlocked = th.priority
		th.haveDeferredPr = false
		th.priority = lockPriority
	}
	th.lockDepth++
}

// UnlockSched releases one level of schedlock; at depth zero the prior
// priority (or any priority change deferred while locked) is restored.
func (th *Thread) UnlockSched() {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.lockDepth == 0 {
		return
	}
	th.lockDepth--
	if th.lockDepth == 0 {
		if th.haveDeferredPr {
			th.priority = th.prioUnlocked
			th.haveDeferredPr = false
		} else {
			th.priority = th.prioUnlocked
		}
	}
}

// SetRoundRobin enables or disables round-robin quantum tracking; Yield
// is expected to be called by the dispatcher driving a virtual RR timer.
func (th *Thread) SetRoundRobin(enabled bool, quantum time.Duration) {
	th.mu.Lock()
	th.roundRobin = enabled
	th.quantum = quantum
	th.mu.Unlock()
}

// Yield cooperatively yields the OS thread, the single-kernel emulation
// of an ITIMER_VIRTUAL-driven round-robin tick.
func (th *Thread) Yield() {
	runtime.Gosched()
}

// Suspend blocks the thread via its notifier until Resume is called.
// Level-triggered: a release is required regardless of how many times
// Suspend has been requested.
func (th *Thread) Suspend() error {
	th.mu.Lock()
	th.state = StateSuspended
	th.mu.Unlock()
	start := th.clk.Now()
	th.notifier.Signal()
	err := th.notifier.Wait()

	outcome := "resumed"
	if err != nil {
		outcome = "cancelled"
	}
	th.obs.ObserveSyncWait(th.name, outcome, th.clk.Now().Sub(start))

	th.mu.Lock()
	if th.state == StateSuspended {
		th.state = StateRunning
	}
	th.mu.Unlock()
	return err
}

// Resume releases a thread blocked in Suspend.
func (th *Thread) Resume() {
	th.notifier.Release()
}

// SetPeriodic arms periodic release timing: the first WaitPeriod call
// returns at idate (immediately if idate is already due), and every
// subsequent call at idate plus a further whole number of periods. A
// zero idate means "right now" — the common case of wanting the first
// release immediately and every one after that spaced by period.
func (th *Thread) SetPeriodic(idate time.Time, period time.Duration) {
	if idate.IsZero() {
		idate = th.clk.Now()
	}
	th.mu.Lock()
	th.period = period
	th.nextWakeup = idate
	th.periodicSet = true
	th.mu.Unlock()
}

// WaitPeriod sleeps until the next periodic deadline (or returns
// immediately with overruns if it has already passed), advances the
// deadline, and reports the overrun count: overruns == floor(elapsed/period)
// when elapsed >= period, else 0, where elapsed is measured against the
// deadline this call is servicing.
func (th *Thread) WaitPeriod() (int, error) {
	th.mu.Lock()
	if !th.periodicSet {
		th.mu.Unlock()
		return 0, copperrors.Named("thread.wait_period", th.name, copperrors.NotPermitted, "no periodic timing armed")
	}
	wake := th.nextWakeup
	period := th.period
	th.mu.Unlock()

	now := th.clk.Now()
	if wake.After(now) {
		time.Sleep(wake.Sub(now))
		now = th.clk.Now()
	}

	elapsed := now.Sub(wake)
	overruns := 0
	if elapsed >= period {
		overruns = int(elapsed / period)
	}

	th.mu.Lock()
	th.nextWakeup = wake.Add(time.Duration(overruns+1) * period)
	th.mu.Unlock()

	if overruns > 0 {
		th.obs.ObserveSyncWait(th.name, "overrun", elapsed)
		return overruns, copperrors.Named("thread.wait_period", th.name, copperrors.TimedOut, "missed one or more periodic deadlines")
	}
	th.obs.ObserveSyncWait(th.name, "on_time", elapsed)
	return 0, nil
}

// requestCancel marks the thread for deferred cancellation; the thread's
// own entry function must call CancellationPoint at a suspension point
// for the cancellation to take effect.
func (th *Thread) requestCancel() {
	atomic.StoreInt32(&th.cancelRequested, 1)
}

// Cancelled reports whether cancellation has been requested.
func (th *Thread) Cancelled() bool {
	return atomic.LoadInt32(&th.cancelRequested) != 0
}

// CancellationPoint unwinds the calling goroutine (running deferred
// finalizers, including Run's finalize) if cancellation has been
// requested. A no-op otherwise.
func (th *Thread) CancellationPoint() {
	if th.Cancelled() {
		runtime.Goexit()
	}
}

// Cancel synchronously cancels the thread: it does not return until the
// target has run its finalizer and joined.
func (th *Thread) Cancel() {
	th.requestCancel()
	th.notifier.Release() // unstick a thread parked in Suspend
	<-th.joinCh
}

// Join blocks until the thread has finalized.
func (th *Thread) Join() {
	<-th.joinCh
}

// State reports the thread's current lifecycle state.
func (th *Thread) State() State {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.state
}
