// Package ut implements the untyped-memory table: the free list of
// physical frames backing every kernel object and every user page
// (spec.md §3 "Untyped authority", §4.2).
//
// Grounded on original_source/crates/root_server/src/ut.rs (per-size
// free lists keyed by size-bits, plus a device free list keyed by
// physical address) and on the free-list bookkeeping pattern the
// teacher uses for frame reuse (fuse/bufferpool.go keeps a slice per
// size class and pops/pushes from the tail instead of allocating).
package ut

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sel4rt/rootserver/kernel"
)

// ErrOutOfMemory is returned when no free list at or above the
// requested size has an entry.
type ErrOutOfMemory struct{ SizeBits uint }

func (e ErrOutOfMemory) Error() string {
	return fmt.Sprintf("ut: out of memory for size-bits %d", e.SizeBits)
}

// MaxSizeBits bounds the per-size free-list array; untypeds this large
// or larger are never produced by splitting in practice (boot hands
// down everything above this size pre-split).
const MaxSizeBits = 47

// Region is a physical-memory authority: a contiguous range of size
// 2^SizeBits bytes at Paddr, not yet retyped into anything.
type Region struct {
	Paddr    uintptr
	SizeBits uint
	Device   bool
	Cap      kernel.Cap
}

// Table is the untyped table: one free list per size class, plus a
// device free list keyed by physical address.
type Table struct {
	k kernel.Syscall

	free [MaxSizeBits + 1][]Region
	// device holds 4K device-backed regions, kept separate because
	// alloc_4k_device (spec.md §4.2) looks them up by physical
	// address, not by size class.
	device map[uintptr]Region
}

func New(k kernel.Syscall) *Table {
	return &Table{k: k, device: make(map[uintptr]Region)}
}

// AddRange registers n pages of physical memory starting at paddr,
// already backed by cap, as available for allocation (spec.md §4.2
// add_range). Device memory goes to the device list; ordinary memory is
// filed by its natural size class (page granularity, so size-bits
// mem.PageBits).
func (t *Table) AddRange(paddr uintptr, cap kernel.Cap, nPages int, device bool) {
	for i := 0; i < nPages; i++ {
		r := Region{Paddr: paddr + uintptr(i)<<12, SizeBits: 12, Cap: cap, Device: device}
		if device {
			t.device[r.Paddr] = r
		} else {
			t.free[12] = append(t.free[12], r)
		}
	}
}

// AddUntyped registers a single untyped region of arbitrary size-bits,
// used for the larger boot-time untypeds the kernel hands the root
// server directly (rather than individual pages).
func (t *Table) AddUntyped(r Region) {
	if r.Device {
		t.device[r.Paddr] = r
		return
	}
	t.free[r.SizeBits] = append(t.free[r.SizeBits], r)
}

// Alloc returns an untyped authority of at least 2^sizeBits bytes,
// halving a larger region until it fits if no exact-size region is free
// (spec.md §4.2 alloc). The split is table bookkeeping only: no retype
// is issued, and every piece keeps the parent's Cap. Splitting is
// irreversible per spec: the smaller
// remainder pieces are filed at their split size and never recombined.
func (t *Table) Alloc(sizeBits uint) (Region, error) {
	if sizeBits > MaxSizeBits {
		return Region{}, ErrOutOfMemory{sizeBits}
	}
	for sz := sizeBits; sz <= MaxSizeBits; sz++ {
		n := len(t.free[sz])
		if n == 0 {
			continue
		}
		r := t.free[sz][n-1]
		t.free[sz] = t.free[sz][:n-1]
		for sz > sizeBits {
			sz--
			half := uintptr(1) << sz
			child := Region{Paddr: r.Paddr, SizeBits: sz, Cap: r.Cap}
			sibling := Region{Paddr: r.Paddr + half, SizeBits: sz, Cap: r.Cap}
			t.free[sz] = append(t.free[sz], sibling)
			r = child
		}
		logrus.WithFields(logrus.Fields{"size_bits": sizeBits, "paddr": r.Paddr}).Trace("ut: alloc")
		return r, nil
	}
	return Region{}, ErrOutOfMemory{sizeBits}
}

// Alloc4KDevice finds a device-backed page by physical address and
// removes it from the device list (spec.md §4.2 alloc_4k_device).
func (t *Table) Alloc4KDevice(paddr uintptr) (Region, bool) {
	r, ok := t.device[paddr]
	if ok {
		delete(t.device, paddr)
	}
	return r, ok
}

// Free returns r to the free list matching its (possibly already
// split-down) size. Splitting is irreversible, so a region freed at a
// smaller size than it was originally allocated at never merges back.
func (t *Table) Free(r Region) {
	if r.Device {
		t.device[r.Paddr] = r
		return
	}
	t.free[r.SizeBits] = append(t.free[r.SizeBits], r)
}

// FreeCounts reports, for debugging/tests, how many regions sit in each
// size class's free list, keyed by size-bits (a map, so unordered;
// SortedSizes lists the classes ascending).
func (t *Table) FreeCounts() map[uint]int {
	out := make(map[uint]int)
	for sz, lst := range t.free {
		if len(lst) > 0 {
			out[uint(sz)] = len(lst)
		}
	}
	return out
}

// SortedSizes returns the size classes that currently have free
// regions, ascending.
func (t *Table) SortedSizes() []uint {
	sizes := make([]uint, 0)
	for sz, lst := range t.free {
		if len(lst) > 0 {
			sizes = append(sizes, uint(sz))
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}
