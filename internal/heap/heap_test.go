package heap

import (
	"strings"
	"testing"
)

func newTestHeap(t *testing.T, userBytes int) *Heap {
	t.Helper()
	h := New("test", nil, nil)
	if err := h.Init(make([]byte, userBytes)); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

func TestAllocRoundUpToClass(t *testing.T) {
	cases := []struct {
		size int
		want uint64
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{255, 256},
		{256, 256},
		{257, 512},
		{500, 512},
		{2048, 2048},
	}
	for _, c := range cases {
		if got := RoundUpToClass(c.size); got != c.want {
			t.Errorf("RoundUpToClass(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

// TestScenarioS1 matches seed scenario S1: alloc(17), alloc(500),
// alloc(2048), free the 500-byte block, then check the survivors and the
// heap's used-byte count.
func TestScenarioS1(t *testing.T) {
	h := newTestHeap(t, 64*1024)

	a, err := h.Alloc(17)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := h.Alloc(500)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	c, err := h.Alloc(2048)
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}

	if err := h.Free(b); err != nil {
		t.Fatalf("free b: %v", err)
	}

	gotA, err := h.Check(a)
	if err != nil {
		t.Fatalf("check a: %v", err)
	}
	if gotA != 32 {
		t.Errorf("check(a) = %d, want 32", gotA)
	}

	gotC, err := h.Check(c)
	if err != nil {
		t.Fatalf("check c: %v", err)
	}
	if gotC != 2048 {
		t.Errorf("check(c) = %d, want 2048", gotC)
	}

	if want := int64(32 + 2048); h.UsedSize() != want {
		t.Errorf("used size = %d, want %d", h.UsedSize(), want)
	}
}

// TestAllocatorClosure exercises property 1: after a mix of bucket and
// page-range allocations, used size equals the sum of each request's
// class size; once every block is freed, used size is 0 and the
// free-range index again covers the whole usable size.
func TestAllocatorClosure(t *testing.T) {
	h := newTestHeap(t, 64*1024)

	var blocks [][]byte
	sizes := []int{8, 16, 17, 33, 65, 129, 257, 600, 4096}
	for _, s := range sizes {
		b, err := h.Alloc(s)
		if err != nil {
			t.Fatalf("alloc %d: %v", s, err)
		}
		blocks = append(blocks, b)
	}

	var wantUsed int64
	for _, s := range sizes {
		wantUsed += int64(RoundUpToClass(s))
	}
	if h.UsedSize() != wantUsed {
		t.Fatalf("used size = %d, want %d", h.UsedSize(), wantUsed)
	}

	for _, b := range blocks {
		if err := h.Free(b); err != nil {
			t.Fatalf("free: %v", err)
		}
	}
	if h.UsedSize() != 0 {
		t.Errorf("used size after freeing everything = %d, want 0", h.UsedSize())
	}
	if h.FreeBytes() != h.UsableSize() {
		t.Errorf("free bytes = %d, want usable size %d", h.FreeBytes(), h.UsableSize())
	}
}

// TestRoundtrip checks property 2 across a representative sweep of sizes:
// check(alloc(s)) always equals RoundUpToClass(s).
func TestRoundtrip(t *testing.T) {
	h := newTestHeap(t, 256*1024)
	for s := 1; s <= 4096; s += 37 {
		b, err := h.Alloc(s)
		if err != nil {
			t.Fatalf("alloc %d: %v", s, err)
		}
		got, err := h.Check(b)
		if err != nil {
			t.Fatalf("check %d: %v", s, err)
		}
		if want := int64(RoundUpToClass(s)); got != want {
			t.Errorf("check(alloc(%d)) = %d, want %d", s, got, want)
		}
		if err := h.Free(b); err != nil {
			t.Fatalf("free %d: %v", s, err)
		}
	}
}

// TestFreeRangeCoalescing allocates three adjacent page-range blocks then
// frees them out of address order, expecting the free-range index to
// merge back down to a single span covering the whole extent.
func TestFreeRangeCoalescing(t *testing.T) {
	h := newTestHeap(t, 3*Page)

	a, err := h.Alloc(Page)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := h.Alloc(Page)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	c, err := h.Alloc(Page)
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}

	if h.FreeBytes() != 0 {
		t.Fatalf("expected fully reserved extent, free bytes = %d", h.FreeBytes())
	}

	if err := h.Free(b); err != nil {
		t.Fatalf("free b: %v", err)
	}
	if err := h.Free(a); err != nil {
		t.Fatalf("free a: %v", err)
	}
	if err := h.Free(c); err != nil {
		t.Fatalf("free c: %v", err)
	}

	if h.FreeBytes() != 3*Page {
		t.Errorf("free bytes = %d, want %d after full coalesce", h.FreeBytes(), 3*Page)
	}

	ext := h.extents[0]
	if ext.ranges.Len() != 1 {
		t.Errorf("expected a single coalesced free range, got %d ranges", ext.ranges.Len())
	}
}

func TestFreeInvalidPointer(t *testing.T) {
	h := newTestHeap(t, 4*1024)
	other := make([]byte, 16)
	if err := h.Free(other); err == nil {
		t.Error("expected error freeing a pointer from outside the heap")
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	h := newTestHeap(t, 4*1024)
	b, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := h.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := h.Free(b); err == nil {
		t.Error("expected double free to be rejected")
	}
}

func TestExtend(t *testing.T) {
	h := newTestHeap(t, Page)
	if err := h.Extend(make([]byte, 4*Page)); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if h.UsableSize() != 5*Page {
		t.Errorf("usable size = %d, want %d", h.UsableSize(), 5*Page)
	}

	// A request too big for the first extent should now succeed against
	// the second.
	b, err := h.Alloc(3 * Page)
	if err != nil {
		t.Fatalf("alloc after extend: %v", err)
	}
	if n, err := h.Check(b); err != nil || n != 3*Page {
		t.Errorf("check after extend = %d, %v, want %d", n, err, 3*Page)
	}
}

func TestOutOfMemory(t *testing.T) {
	h := newTestHeap(t, Page)
	if _, err := h.Alloc(4096); err == nil {
		t.Error("expected out-of-memory error for a request larger than the heap")
	}
}

func TestExtentSizeAccountsForOverhead(t *testing.T) {
	user := int64(64 * 1024)
	if got := ExtentSize(user); got <= user {
		t.Errorf("ExtentSize(%d) = %d, expected more than user bytes alone", user, got)
	}
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	h := newTestHeap(t, 4*Page)
	if _, err := h.Alloc(100); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	snap := h.Snapshot()
	if !strings.Contains(snap, "name=test") || !strings.Contains(snap, "used=") {
		t.Fatalf("snapshot missing expected fields: %q", snap)
	}
}
