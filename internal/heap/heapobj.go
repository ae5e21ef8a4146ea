package heap

import (
	"golang.org/x/sys/unix"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
)

// Backend provides the raw memory an extent is built over. ArenaHeap and
// ProcessHeap are the two supported backends: one shareable across forked
// processes via an anonymous MAP_SHARED mapping, the other private to the
// calling process.
type Backend interface {
	Reserve(length int) ([]byte, error)
	Release(mem []byte) error
}

// arenaBackend reserves memory with mmap(MAP_SHARED|MAP_ANONYMOUS), making
// it visible to any process that inherits the mapping across a fork —
// the shared-heap case (spec's "sheap", cluster-visible objects).
type arenaBackend struct{}

func (arenaBackend) Reserve(length int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, copperrors.Wrap("heap.arena.reserve", err)
	}
	return mem, nil
}

func (arenaBackend) Release(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return copperrors.Wrap("heap.arena.release", err)
	}
	return nil
}

// processBackend allocates ordinary Go-heap memory, private to this
// process — the private-heap case (process-local objects never looked up
// by name from another process).
type processBackend struct{}

func (processBackend) Reserve(length int) ([]byte, error) {
	return make([]byte, length), nil
}

func (processBackend) Release([]byte) error { return nil }

var (
	// ArenaBackend is the process-shared backend.
	ArenaBackend Backend = arenaBackend{}
	// ProcessBackend is the process-private backend.
	ProcessBackend Backend = processBackend{}
)

// NewArenaHeap creates a heap whose first extent is backed by
// MAP_SHARED|MAP_ANONYMOUS memory, sized to hold userBytes of allocatable
// space after accounting for bookkeeping overhead.
func NewArenaHeap(name string, userBytes int64, obs metrics.Observer, log *logging.Logger) (*BackedHeap, error) {
	return newBackedHeap(name, userBytes, ArenaBackend, obs, log)
}

// NewProcessHeap creates a heap whose first extent is backed by ordinary
// process-private memory.
func NewProcessHeap(name string, userBytes int64, obs metrics.Observer, log *logging.Logger) (*BackedHeap, error) {
	return newBackedHeap(name, userBytes, ProcessBackend, obs, log)
}

// BackedHeap is a Heap together with the Backend used to grow it, so
// Extend and Destroy can manage the backing memory without the caller
// having to track which allocator produced which bytes.
type BackedHeap struct {
	*Heap
	backend Backend
	regions [][]byte
}

func newBackedHeap(name string, userBytes int64, backend Backend, obs metrics.Observer, log *logging.Logger) (*BackedHeap, error) {
	size := ExtentSize(userBytes)
	mem, err := backend.Reserve(int(size))
	if err != nil {
		return nil, err
	}
	h := New(name, obs, log)
	if err := h.Init(mem); err != nil {
		_ = backend.Release(mem)
		return nil, err
	}
	return &BackedHeap{Heap: h, backend: backend, regions: [][]byte{mem}}, nil
}

// Grow reserves additional backing memory for userBytes more allocatable
// space and adds it to the heap as a new extent.
func (bh *BackedHeap) Grow(userBytes int64) error {
	size := ExtentSize(userBytes)
	mem, err := bh.backend.Reserve(int(size))
	if err != nil {
		return err
	}
	if err := bh.Heap.Extend(mem); err != nil {
		_ = bh.backend.Release(mem)
		return err
	}
	bh.regions = append(bh.regions, mem)
	return nil
}

// Destroy releases every extent's backing memory. The Heap must not be
// used afterward.
func (bh *BackedHeap) Destroy() error {
	var firstErr error
	for _, mem := range bh.regions {
		if err := bh.backend.Release(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bh.regions = nil
	return firstErr
}
