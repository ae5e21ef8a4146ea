package list

import "github.com/google/btree"

// Range describes a free page range within an extent: Addr is the page's
// byte offset from the extent base, Size is its length in bytes.
// RangeIndex keeps two github.com/google/btree ordered indices over the
// same set of ranges, one keyed by address (for neighbour coalescing) and
// one keyed by size (for best-fit search), giving O(log n) queries on
// both axes without an intrusive tree structure.
type Range struct {
	Addr uint64
	Size uint64
}

func byAddr(a, b Range) bool {
	return a.Addr < b.Addr
}

func bySize(a, b Range) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Addr < b.Addr
}

// RangeIndex maintains the address-ordered and size-ordered views of a
// set of free ranges in lockstep.
type RangeIndex struct {
	addrTree *btree.BTreeG[Range]
	sizeTree *btree.BTreeG[Range]
}

// NewRangeIndex creates an empty range index.
func NewRangeIndex() *RangeIndex {
	return &RangeIndex{
		addrTree: btree.NewG(32, byAddr),
		sizeTree: btree.NewG(32, bySize),
	}
}

// Insert adds a free range to both trees.
func (ri *RangeIndex) Insert(r Range) {
	ri.addrTree.ReplaceOrInsert(r)
	ri.sizeTree.ReplaceOrInsert(r)
}

// Delete removes a free range from both trees. r must match exactly
// (same Addr and Size) an entry previously inserted.
func (ri *RangeIndex) Delete(r Range) {
	ri.addrTree.Delete(r)
	ri.sizeTree.Delete(r)
}

// Len reports the number of free ranges currently indexed.
func (ri *RangeIndex) Len() int { return ri.addrTree.Len() }

// BestFit returns the smallest free range whose Size is >= need, or false
// if none satisfies the request. Used by the page-range allocation path.
func (ri *RangeIndex) BestFit(need uint64) (Range, bool) {
	var found Range
	ok := false
	ri.sizeTree.AscendGreaterOrEqual(Range{Size: need}, func(r Range) bool {
		found = r
		ok = true
		return false
	})
	return found, ok
}

// LeftNeighbor returns the range whose [Addr, Addr+Size) ends at or before
// addr, closest to it — the candidate for merging on the left.
func (ri *RangeIndex) LeftNeighbor(addr uint64) (Range, bool) {
	var found Range
	ok := false
	ri.addrTree.DescendLessOrEqual(Range{Addr: addr}, func(r Range) bool {
		if r.Addr < addr {
			found = r
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// RightNeighbor returns the free range starting at or after addr, closest
// to it — the candidate for merging on the right.
func (ri *RangeIndex) RightNeighbor(addr uint64) (Range, bool) {
	var found Range
	ok := false
	ri.addrTree.AscendGreaterOrEqual(Range{Addr: addr}, func(r Range) bool {
		found = r
		ok = true
		return false
	})
	return found, ok
}

// Ascend visits every free range in address order.
func (ri *RangeIndex) Ascend(fn func(Range) bool) {
	ri.addrTree.Ascend(fn)
}
