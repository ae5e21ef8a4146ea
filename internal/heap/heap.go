// Package heap implements a shared heap allocator: a buddy/bucket
// allocator over one or more fixed-size extents, supporting size-class
// buckets for small blocks and address/size-ordered range trees for
// multi-page blocks.
//
// All operations hold the heap's mutex; readers and writers are
// serialized, there is no lock-free fast path.
package heap

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	copperrors "github.com/coppercore/copperplate/internal/errors"
	"github.com/coppercore/copperplate/internal/list"
	"github.com/coppercore/copperplate/internal/logging"
	"github.com/coppercore/copperplate/internal/metrics"
)

const (
	// Page is the allocator's page size in bytes.
	Page = 512
	// MinAlign is the smallest alignment/allocation granularity.
	MinAlign = 16
	// MinLog2 is log2(MinAlign).
	MinLog2 = 4
	// pageShift is log2(Page); bucket classes run [MinLog2, pageShift-1].
	pageShift = 9
	// MaxBucket is the number of distinct small-block size classes.
	MaxBucket = pageShift - MinLog2
)

type pageKind uint8

const (
	pageFree pageKind = iota
	pageBucket
	pageList
	pageCont
)

type pageEntry struct {
	prev, next int32 // bucket chain links, -1 = none
	kind       pageKind
	log2size   uint8  // valid when kind == pageBucket
	bitmap     uint32 // valid when kind == pageBucket
	bsize      uint64 // valid when kind == pageList: byte length of the run
	headPage   int32  // valid when kind == pageCont: index of the owning pageList head
}

// extent is one contiguous region of user memory within a heap, with its
// own pagemap, bucket heads, and free-range index.
type extent struct {
	mem     []byte
	base    uintptr
	nrPages int
	pages   []pageEntry
	buckets [MaxBucket]int32 // head page index per bucket class, -1 = empty
	ranges  *list.RangeIndex
}

// Heap owns one or more extents placed in memory handed to it by a
// Backend (ArenaBackend or ProcessBackend); see heapobj.go.
type Heap struct {
	mu         sync.Mutex
	name       string
	extents    []*extent
	arenaSize  int64
	usableSize int64
	usedSize   int64
	obs        metrics.Observer
	log        *logging.Logger
}

// New creates an empty heap with no extents. Call Init before use.
func New(name string, obs metrics.Observer, log *logging.Logger) *Heap {
	if obs == nil {
		obs = metrics.NoOpObserver{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Heap{name: name, obs: obs, log: log.WithObject(name)}
}

// ExtentSize returns the total backing-memory size a caller must reserve
// to host an extent with userBytes of allocatable space: align(header +
// pgmap(user/PAGE), MIN_ALIGN) + user. The header and pagemap bytes are
// informational sizing only — pagemap metadata here lives in ordinary Go
// memory rather than inside the reserved region, so Init treats the whole
// reservation, overhead bytes included, as pages of user space.
func ExtentSize(userBytes int64) int64 {
	return alignUp(ExtentOverhead(userBytes), MinAlign) + userBytes
}

// ExtentOverhead returns the pure metadata overhead (header + pagemap)
// for userBytes of usable space, independent of alignment padding.
func ExtentOverhead(userBytes int64) int64 {
	nrPages := (userBytes + Page - 1) / Page
	const headerSize = 64               // heap_memory-equivalent control block
	const pageEntrySize = 24             // sizeof(pageEntry) approximation
	return headerSize + nrPages*pageEntrySize
}

func alignUp(v, align int64) int64 {
	return (v + align - 1) / align * align
}

// Init places the heap's first extent over mem. mem's length is truncated
// down to a whole number of pages; the remainder is unusable (same
// wastage tradeoff the original documents for sub-page tails).
func (h *Heap) Init(mem []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.extents) != 0 {
		return copperrors.New("heap.init", copperrors.InvalidHandle, "heap already initialized")
	}
	return h.addExtentLocked(mem)
}

// Extend grows the heap with an additional extent backed by mem.
func (h *Heap) Extend(mem []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.extents) == 0 {
		return copperrors.New("heap.extend", copperrors.InvalidHandle, "heap not initialized")
	}
	return h.addExtentLocked(mem)
}

func (h *Heap) addExtentLocked(mem []byte) error {
	if len(mem) < Page {
		return copperrors.New("heap.extend", copperrors.InvalidHandle, "extent smaller than one page")
	}
	nrPages := len(mem) / Page
	ext := &extent{
		mem:     mem,
		base:    uintptr(unsafe.Pointer(&mem[0])),
		nrPages: nrPages,
		pages:   make([]pageEntry, nrPages),
		ranges:  list.NewRangeIndex(),
	}
	for i := range ext.buckets {
		ext.buckets[i] = -1
	}
	for i := range ext.pages {
		ext.pages[i] = pageEntry{prev: -1, next: -1, kind: pageFree}
	}
	ext.ranges.Insert(list.Range{Addr: 0, Size: uint64(nrPages) * Page})

	h.extents = append(h.extents, ext)
	h.arenaSize += int64(len(mem))
	h.usableSize += int64(nrPages) * Page
	h.log.Debug("extent added", "pages", nrPages, "bytes", len(mem))
	h.obs.ObserveHeapOccupancy(h.name, h.usedSize, h.arenaSize)
	return nil
}

// classify computes the size class (and, for oversize requests, the
// page-aligned block size) for a requested allocation. Bucket classes run
// [MIN_LOG2, PAGE_SHIFT-1]; any request whose ceil(log2) reaches
// PAGE_SHIFT rolls over to the page-range path rather than overflowing
// the largest bucket class.
func classify(size int) (log2size uint8, isPage bool, bsize uint64) {
	if size < MinAlign {
		size = MinAlign
	}
	l := bits.Len(uint(size - 1))
	if l < MinLog2 {
		l = MinLog2
	}
	if l >= pageShift {
		return 0, true, uint64(alignUp(int64(size), Page))
	}
	return uint8(l), false, 0
}

// RoundUpToClass reports the block size Alloc would actually hand back
// for a request of size bytes — the value Check reports for that block
// under the allocator-roundtrip testable property.
func RoundUpToClass(size int) uint64 {
	log2size, isPage, bsize := classify(size)
	if isPage {
		return bsize
	}
	return uint64(1) << log2size
}

func fullMask(log2size uint8) uint32 {
	n := Page >> log2size
	if n >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<uint(n) - 1
}

// Alloc reserves size bytes and returns a slice over the allocated block.
func (h *Heap) Alloc(size int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log2size, isPage, bsize := classify(size)
	var out []byte
	var err error
	if isPage {
		out, err = h.allocPageLocked(bsize)
	} else {
		out, err = h.allocBucketLocked(log2size)
	}
	h.obs.ObserveAlloc(h.name, size, err == nil)
	if err == nil {
		h.obs.ObserveHeapOccupancy(h.name, h.usedSize, h.arenaSize)
	}
	return out, err
}

func (h *Heap) allocBucketLocked(log2size uint8) ([]byte, error) {
	bucketIdx := int(log2size - MinLog2)

	for _, ext := range h.extents {
		head := ext.buckets[bucketIdx]
		if head == -1 {
			continue
		}
		pe := &ext.pages[head]
		if pe.bitmap == fullMask(log2size) {
			continue
		}
		return h.takeBucketSlot(ext, head, log2size), nil
	}

	// No extent has a ready bucket page; seed one.
	for _, ext := range h.extents {
		if pg, ok := h.reservePageLocked(ext, Page); ok {
			ext.pages[pg] = pageEntry{prev: -1, next: -1, kind: pageBucket, log2size: log2size}
			h.linkBucketFront(ext, bucketIdx, pg)
			return h.takeBucketSlot(ext, pg, log2size), nil
		}
	}
	return nil, copperrors.New("heap.alloc", copperrors.OutOfMemory, "no extent has room for a new page")
}

func (h *Heap) takeBucketSlot(ext *extent, pg int32, log2size uint8) []byte {
	pe := &ext.pages[pg]
	free := ^pe.bitmap
	b := uint(bits.TrailingZeros32(free))
	pe.bitmap |= 1 << b
	h.usedSize += int64(1) << log2size

	if pe.bitmap == fullMask(log2size) {
		h.moveBucketPage(ext, int(log2size-MinLog2), pg, false /* toBack */)
	}

	off := int(pg)*Page + int(b)<<log2size
	return ext.mem[off : off+int(1)<<log2size]
}

func (h *Heap) linkBucketFront(ext *extent, bucketIdx int, pg int32) {
	head := ext.buckets[bucketIdx]
	ext.pages[pg].next = head
	ext.pages[pg].prev = -1
	if head != -1 {
		ext.pages[head].prev = pg
	}
	ext.buckets[bucketIdx] = pg
}

func (h *Heap) unlinkBucket(ext *extent, bucketIdx int, pg int32) {
	pe := &ext.pages[pg]
	if pe.prev != -1 {
		ext.pages[pe.prev].next = pe.next
	} else {
		ext.buckets[bucketIdx] = pe.next
	}
	if pe.next != -1 {
		ext.pages[pe.next].prev = pe.prev
	}
	pe.prev, pe.next = -1, -1
}

// moveBucketPage relinks pg to the front or back of its bucket's chain
// without touching any other page's allocation state.
func (h *Heap) moveBucketPage(ext *extent, bucketIdx int, pg int32, toFront bool) {
	if toFront && ext.buckets[bucketIdx] == pg {
		return
	}
	h.unlinkBucket(ext, bucketIdx, pg)
	if toFront {
		h.linkBucketFront(ext, bucketIdx, pg)
		return
	}
	// push to back
	pe := &ext.pages[pg]
	pe.prev, pe.next = -1, -1
	if ext.buckets[bucketIdx] == -1 {
		ext.buckets[bucketIdx] = pg
		return
	}
	tail := ext.buckets[bucketIdx]
	for ext.pages[tail].next != -1 {
		tail = ext.pages[tail].next
	}
	ext.pages[tail].next = pg
	pe.prev = tail
}

func (h *Heap) allocPageLocked(bsize uint64) ([]byte, error) {
	for _, ext := range h.extents {
		if pg, ok := h.reservePageLocked(ext, bsize); ok {
			ext.pages[pg].kind = pageList
			ext.pages[pg].bsize = bsize
			nrPages := int(bsize) / Page
			for i := int32(1); i < int32(nrPages); i++ {
				ext.pages[pg+i] = pageEntry{prev: -1, next: -1, kind: pageCont, headPage: pg}
			}
			h.usedSize += int64(bsize)
			off := int(pg) * Page
			return ext.mem[off : off+int(bsize)], nil
		}
	}
	return nil, copperrors.New("heap.alloc", copperrors.OutOfMemory, "no extent has a range big enough")
}

// reservePageLocked removes need bytes worth of whole pages from ext's
// free-range index (best fit; when the chosen range is larger, the lower
// portion stays free and the upper portion is taken) and returns the head
// page index.
func (h *Heap) reservePageLocked(ext *extent, need uint64) (int32, bool) {
	r, ok := ext.ranges.BestFit(need)
	if !ok {
		return -1, false
	}
	ext.ranges.Delete(r)
	if r.Size > need {
		ext.ranges.Insert(list.Range{Addr: r.Addr, Size: r.Size - need})
	}
	allocAddr := r.Addr + (r.Size - need)
	return int32(allocAddr / Page), true
}

// Free releases a block previously returned by Alloc.
func (h *Heap) Free(ptr []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ext, pg, err := h.locate(ptr)
	if err != nil {
		return err
	}
	pe := &ext.pages[pg]

	switch pe.kind {
	case pageList:
		size := pe.bsize
		nrPages := int(size) / Page
		for i := int32(0); i < int32(nrPages); i++ {
			ext.pages[pg+i] = pageEntry{prev: -1, next: -1, kind: pageFree}
		}
		h.usedSize -= int64(size)
		h.releaseRange(ext, int64(pg)*Page, size)
		h.obs.ObserveFree(h.name, int(size))
	case pageBucket:
		off := uintptr(unsafe.Pointer(&ptr[0])) - ext.base - uintptr(pg)*Page
		if off&((1<<pe.log2size)-1) != 0 {
			return copperrors.New("heap.free", copperrors.InvalidHandle, "misaligned pointer")
		}
		n := uint(off >> pe.log2size)
		wasFull := pe.bitmap == fullMask(pe.log2size)
		pe.bitmap &^= 1 << n
		h.usedSize -= int64(1) << pe.log2size
		h.obs.ObserveFree(h.name, int(1)<<pe.log2size)

		bucketIdx := int(pe.log2size - MinLog2)
		if pe.bitmap == 0 {
			h.unlinkBucket(ext, bucketIdx, pg)
			ext.pages[pg] = pageEntry{prev: -1, next: -1, kind: pageFree}
			h.releaseRange(ext, int64(pg)*Page, Page)
		} else if wasFull {
			h.moveBucketPage(ext, bucketIdx, pg, true /* toFront */)
		}
	default:
		return copperrors.New("heap.free", copperrors.InvalidHandle, "pointer is not a live allocation")
	}
	return nil
}

func (h *Heap) releaseRange(ext *extent, addr int64, size uint64) {
	a := uint64(addr)
	if left, ok := ext.ranges.LeftNeighbor(a); ok && left.Addr+left.Size == a {
		ext.ranges.Delete(left)
		a = left.Addr
		size += left.Size
	}
	if right, ok := ext.ranges.RightNeighbor(a + size); ok && right.Addr == a+size {
		ext.ranges.Delete(right)
		size += right.Size
	}
	ext.ranges.Insert(list.Range{Addr: a, Size: size})
}

// Check returns the allocated block size for ptr, or an error if ptr is
// not a live allocation from this heap.
func (h *Heap) Check(ptr []byte) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ext, pg, err := h.locate(ptr)
	if err != nil {
		return -1, err
	}
	pe := &ext.pages[pg]
	switch pe.kind {
	case pageList:
		return int64(pe.bsize), nil
	case pageBucket:
		return int64(1) << pe.log2size, nil
	default:
		return -1, copperrors.New("heap.check", copperrors.InvalidHandle, "pointer is not a live allocation")
	}
}

func (h *Heap) locate(ptr []byte) (*extent, int32, error) {
	if len(ptr) == 0 {
		return nil, 0, copperrors.New("heap", copperrors.InvalidHandle, "nil/empty pointer")
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	for _, ext := range h.extents {
		if addr >= ext.base && addr < ext.base+uintptr(len(ext.mem)) {
			pg := int32((addr - ext.base) / Page)
			return ext, pg, nil
		}
	}
	return nil, 0, copperrors.New("heap", copperrors.InvalidHandle, "pointer outside any extent")
}

// UsedSize, ArenaSize and UsableSize report the heap's occupancy
// property 1.
func (h *Heap) UsedSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedSize
}

func (h *Heap) ArenaSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.arenaSize
}

func (h *Heap) UsableSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usableSize
}

// FreeBytes sums every extent's free-range index — used by the allocator
// closure property test.
func (h *Heap) FreeBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total int64
	for _, ext := range h.extents {
		ext.ranges.Ascend(func(r list.Range) bool {
			total += int64(r.Size)
			return true
		})
	}
	return total
}

// Snapshot renders the heap's current occupancy as the textual state
// block a registry file read returns.
func (h *Heap) Snapshot() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("name=%s extents=%d arena=%d usable=%d used=%d free=%d",
		h.name, len(h.extents), h.arenaSize, h.usableSize, h.usedSize, h.usableSize-h.usedSize)
}
