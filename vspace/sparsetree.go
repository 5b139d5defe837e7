package vspace

// sparseTree is the 4-level sparse frame tree spec.md §3 describes for
// both memory objects and view frame-slot caches: a byte offset resolves
// to either "unmapped" or a specific frame, via three 9-bit page-index
// levels plus a leaf array of slots (12 bits of in-page offset are
// irrelevant to the tree — lookups are always page-aligned).
//
// Grounded on the sparse radix-tree shape used for the connection
// registry in the rest of this repo's conn package (itself grounded on
// github.com/hashicorp/go-immutable-radix from the nestybox-sysbox-fs
// pack member) adapted here to a fixed fan-out-512, fixed-depth-3 tree
// since frame offsets are bounded page indices rather than arbitrary
// strings.
const (
	fanout    = 512
	fanoutBits = 9
	pageBits  = 12
)

type frameSlot struct {
	cap   uint64 // kernel.Cap, stored as uint64 to avoid an import cycle with kernel
	valid bool
}

type leafLevel struct {
	slots [fanout]frameSlot
}

type midLevel struct {
	children [fanout]*leafLevel
}

type sparseTree struct {
	root [fanout]*midLevel
}

func pageIndices(offset uintptr) (i0, i1, i2 int) {
	page := offset >> pageBits
	i2 = int(page & (fanout - 1))
	i1 = int((page >> fanoutBits) & (fanout - 1))
	i0 = int((page >> (2 * fanoutBits)) & (fanout - 1))
	return
}

func (t *sparseTree) lookup(offset uintptr) (frameSlot, bool) {
	i0, i1, i2 := pageIndices(offset)
	mid := t.root[i0]
	if mid == nil {
		return frameSlot{}, false
	}
	leaf := mid.children[i1]
	if leaf == nil {
		return frameSlot{}, false
	}
	s := leaf.slots[i2]
	return s, s.valid
}

func (t *sparseTree) insert(offset uintptr, cap uint64) {
	i0, i1, i2 := pageIndices(offset)
	mid := t.root[i0]
	if mid == nil {
		mid = &midLevel{}
		t.root[i0] = mid
	}
	leaf := mid.children[i1]
	if leaf == nil {
		leaf = &leafLevel{}
		mid.children[i1] = leaf
	}
	leaf.slots[i2] = frameSlot{cap: cap, valid: true}
}

func (t *sparseTree) remove(offset uintptr) {
	i0, i1, i2 := pageIndices(offset)
	mid := t.root[i0]
	if mid == nil {
		return
	}
	leaf := mid.children[i1]
	if leaf == nil {
		return
	}
	leaf.slots[i2] = frameSlot{}
}
