package runtime

import (
	"sync"
	"time"

	"github.com/teris-io/shortid"
	"golang.org/x/sys/unix"

	"github.com/coppercore/copperplate/internal/clock"
	"github.com/coppercore/copperplate/internal/cluster"
	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/heap"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
	"github.com/coppercore/copperplate/internal/registry"
	"github.com/coppercore/copperplate/internal/thread"
	"github.com/coppercore/copperplate/internal/timerobj"
)

// Session binds one running attach to a shared arena: the heap, the
// clustered naming registry's epoch tag, a clock, a timer dispatcher, the
// optional registry filesystem, and the threads spawned against it.
//
// The shared-memory file contract of a real attach (a POSIX shm object
// named "/xeno:<session>.heap", reattached by PID-liveness check) has no
// faithful Go rendition without a second real OS process to attach from;
// this Session's heap is backed by an anonymous MAP_SHARED mapping
// (internal/heap.NewArenaHeap) inherited by forked children instead, and
// ResetSession is therefore a same-process no-op: there is no persistent
// named object left behind to unlink between runs.
type Session struct {
	mu      sync.Mutex
	cfg     *Config
	label   string
	epoch   uint64
	heap    *heap.BackedHeap
	clock   *clock.Clock
	timers  *timerobj.Dispatcher
	reg     *registry.Registry
	metrics *metrics.Registry
	log     *logging.Logger
	threads []*thread.Thread
}

// New creates and initializes a session per cfg: reserves the arena,
// applies mlockall and CPU affinity (best-effort), and starts the
// session's timer dispatcher and registry.
func New(cfg *Config) (*Session, error) {
	label := cfg.Session
	if label == "" || label == "anon" {
		suffix, err := shortid.Generate()
		if err != nil {
			return nil, copperrors.Wrap("runtime.session.new", err)
		}
		label = "anon-" + suffix
	}

	log := logging.Default().WithSession(label)
	mreg := metrics.NewRegistry()
	epoch := uint64(time.Now().UnixNano())

	bh, err := heap.NewArenaHeap(label+".heap", cfg.MemPoolSizeKiB*1024, mreg, log)
	if err != nil {
		return nil, copperrors.Wrap("runtime.session.new", err)
	}

	if !cfg.NoMlock {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			log.Warn("mlockall failed, continuing without memory locking", "error", err)
		}
	}

	if len(cfg.CPUAffinity) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range cfg.CPUAffinity {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			log.Warn("sched_setaffinity failed, continuing with default affinity", "error", err, "cpus", cfg.CPUAffinity)
		}
	}

	reg := registry.New(cfg.RegistryMountpt, !cfg.NoRegistry, log)
	_ = reg.Register(label+".heap", bh.Snapshot, nil)

	disp := timerobj.NewDispatcher(label+".timer", mreg, log)

	s := &Session{
		cfg:     cfg,
		label:   label,
		epoch:   epoch,
		heap:    bh,
		clock:   clock.New(1000),
		timers:  disp,
		reg:     reg,
		metrics: mreg,
		log:     log,
	}
	log.Info("session initialized", "mem_pool_kib", cfg.MemPoolSizeKiB, "registry", reg.Enabled())
	return s, nil
}

// Label returns the session's effective name (the configured session
// label, or a generated anon-<suffix> one).
func (s *Session) Label() string { return s.label }

// Heap returns the session's shared arena.
func (s *Session) Heap() *heap.BackedHeap { return s.heap }

// Clock returns the session's clock.
func (s *Session) Clock() *clock.Clock { return s.clock }

// Timers returns the session's timer dispatcher.
func (s *Session) Timers() *timerobj.Dispatcher { return s.timers }

// Registry returns the session's virtual filesystem.
func (s *Session) Registry() *registry.Registry { return s.reg }

// Metrics returns the session's Prometheus collectors.
func (s *Session) Metrics() *metrics.Registry { return s.metrics }

// NewCluster creates a shared, catalog-registered cluster tagged with
// this session's start-epoch.
func (s *Session) NewCluster(name string, nbuckets int) (*cluster.Cluster, error) {
	c, err := cluster.NewShared(name, nbuckets, s.epoch, cluster.WithObserver(s.metrics))
	if err != nil {
		return nil, err
	}
	_ = s.reg.Register(name+".cluster", c.Snapshot, nil)
	return c, nil
}

// SpawnThread creates, registers, and starts a thread running entry,
// bound to this session's clock and metrics.
func (s *Session) SpawnThread(name string, priority int32, entry func(*thread.Thread)) *thread.Thread {
	th := thread.New(thread.Attr{
		Name:     name,
		Priority: priority,
		Clock:    s.clock,
		Observer: s.metrics,
		Logger:   s.log,
	})
	go th.Run(entry)
	th.Start()

	s.mu.Lock()
	s.threads = append(s.threads, th)
	s.mu.Unlock()
	return th
}

// Threads returns a snapshot of every thread spawned against this
// session.
func (s *Session) Threads() []*thread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*thread.Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// Destroy cancels every spawned thread, stops the timer dispatcher, and
// releases the arena. The Session must not be used afterward.
func (s *Session) Destroy() error {
	s.mu.Lock()
	threads := make([]*thread.Thread, len(s.threads))
	copy(threads, s.threads)
	s.mu.Unlock()

	for _, th := range threads {
		th.Cancel()
	}
	s.timers.Close()

	if err := s.heap.Destroy(); err != nil {
		return copperrors.Wrap("runtime.session.destroy", err)
	}
	s.log.Info("session destroyed")
	return nil
}
