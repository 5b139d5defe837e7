// Package frame implements the frame table (spec.md §3 "Frame", §4.4):
// page-granularity allocation with dual doubly-linked free/allocated
// lists, backed by real mmap'd pages so reads/writes/zeroing exercise
// actual memory instead of a bookkeeping-only slice.
//
// Grounded on original_source/crates/root_server/src/frame_table.rs
// (FrameRef as a compact table index, intrusive prev/next links, a
// ListID discriminating which list a frame sits on) and on the
// teacher's buffer-pool reuse pattern
// (_examples/hanwen-go-fuse/fuse/bufferpool.go), which pops tails off a
// slice instead of allocating fresh backing storage whenever possible.
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
)

// Ref is a compact reference to a frame: its index in the table.
type Ref uint32

const noRef Ref = ^Ref(0)

type listID int

const (
	listNone listID = iota
	listFree
	listAllocated
)

type frameEntry struct {
	cap    kernel.Cap
	data   []byte // mmap'd PAGE_SIZE backing store
	prev   Ref
	next   Ref
	list   listID
	inUse  bool
}

type list struct {
	id     listID
	first  Ref
	last   Ref
	length int
}

func newList(id listID) list { return list{id: id, first: noRef, last: noRef} }

// Table is the frame table: a contiguous slice of frameEntry, a free
// list and an allocated list threading through it. mu guards every
// field below it: procmgr's spawn pipeline allocates frames for
// multiple ELF segments and stack pages concurrently (see elf.go,
// procmgr.go Spawn), and grow()'s own calls into cs/ut must likewise be
// serialized one at a time rather than racing each other.
type Table struct {
	k  kernel.Syscall
	cs *cspace.CSpace
	ut *ut.Table

	vspace kernel.Cap // root server's own VSpace, for self-mapping new frames

	mu      sync.Mutex
	entries []frameEntry
	used    int
	free    list
	alloc   list
}

func New(k kernel.Syscall, cs *cspace.CSpace, u *ut.Table, rootVSpace kernel.Cap) *Table {
	return &Table{
		k:      k,
		cs:     cs,
		ut:     u,
		vspace: rootVSpace,
		free:   newList(listFree),
		alloc:  newList(listAllocated),
	}
}

func (t *Table) grow() error {
	region, err := t.ut.Alloc(mem.PageBits)
	if err != nil {
		return err
	}
	slot, err := t.cs.AllocSlot()
	if err != nil {
		t.ut.Free(region)
		return err
	}
	if err := t.cs.UntypedRetype(region, kernel.ObjFrame, mem.PageBits, slot); err != nil {
		t.ut.Free(region)
		return err
	}
	vaddr := uintptr(len(t.entries)) * mem.PageSize // reserved table-data area, statically laid out by index
	if err := t.k.MapPage(t.vspace, slot, vaddr, kernel.RightsAll()); err != nil {
		return err
	}
	data, err := unix.Mmap(-1, 0, mem.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("frame: mmap backing page: %w", err)
	}
	t.entries = append(t.entries, frameEntry{cap: slot, data: data, prev: noRef, next: noRef, list: listNone})
	t.pushFree(Ref(len(t.entries) - 1))
	return nil
}

func (t *Table) pushFree(r Ref) {
	e := &t.entries[r]
	e.list = listFree
	e.prev = t.free.last
	e.next = noRef
	if t.free.last != noRef {
		t.entries[t.free.last].next = r
	} else {
		t.free.first = r
	}
	t.free.last = r
	t.free.length++
}

func (t *Table) popFront(l *list) (Ref, bool) {
	if l.first == noRef {
		return noRef, false
	}
	head := l.first
	e := &t.entries[head]
	if l.last == head {
		l.last = noRef
	} else {
		t.entries[e.next].prev = noRef
	}
	l.first = e.next
	e.next, e.prev, e.list = noRef, noRef, listNone
	l.length--
	return head, true
}

func (t *Table) remove(r Ref, l *list) {
	e := &t.entries[r]
	if e.prev != noRef {
		t.entries[e.prev].next = e.next
	} else {
		l.first = e.next
	}
	if e.next != noRef {
		t.entries[e.next].prev = e.prev
	} else {
		l.last = e.prev
	}
	e.prev, e.next, e.list = noRef, noRef, listNone
	l.length--
}

// AllocFrame detaches the head of the free list, extending the table by
// one page if it is empty, and appends the result to the allocated
// list (spec.md §4.4 alloc_frame).
func (t *Table) AllocFrame() (Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.popFront(&t.free)
	if !ok {
		if err := t.grow(); err != nil {
			return 0, err
		}
		r, ok = t.popFront(&t.free)
		if !ok {
			return 0, fmt.Errorf("frame: grow succeeded but free list still empty")
		}
	}
	e := &t.entries[r]
	e.list = listAllocated
	e.prev = t.alloc.last
	e.next = noRef
	if t.alloc.last != noRef {
		t.entries[t.alloc.last].next = r
	} else {
		t.alloc.first = r
	}
	t.alloc.last = r
	t.alloc.length++
	e.inUse = true
	t.used++
	return r, nil
}

// FreeFrame removes ref from the allocated list and prepends it to the
// free list (spec.md §4.4 free_frame, testable property 6).
func (t *Table) FreeFrame(r Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(r, &t.alloc)
	e := &t.entries[r]
	e.inUse = false
	e.list = listFree
	e.prev = noRef
	e.next = t.free.first
	if t.free.first != noRef {
		t.entries[t.free.first].prev = r
	} else {
		t.free.last = r
	}
	t.free.first = r
	t.free.length++
}

// Cap returns the kernel capability for the frame at ref.
func (t *Table) Cap(r Ref) kernel.Cap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[r].cap
}

// Data returns the PAGE_SIZE backing bytes for the frame at ref, for
// zeroing or populating content.
func (t *Table) Data(r Ref) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[r].data
}

// InFreeList reports whether ref currently sits in the free list
// (testable property 6).
func (t *Table) InFreeList(r Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[r].list == listFree
}

// InAllocatedList reports whether ref currently sits in the allocated
// list.
func (t *Table) InAllocatedList(r Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[r].list == listAllocated
}

// AllocDeviceMem retypes a run of device untypeds into page
// capabilities without touching the free/allocated lists: device
// frames are owned by their object, not recyclable here (spec.md §4.4
// alloc_device_mem).
func (t *Table) AllocDeviceMem(paddr uintptr, nPages int) ([]kernel.Cap, error) {
	caps := make([]kernel.Cap, 0, nPages)
	for i := 0; i < nPages; i++ {
		region, ok := t.ut.Alloc4KDevice(paddr + uintptr(i)*mem.PageSize)
		if !ok {
			return nil, fmt.Errorf("frame: no device region at paddr %#x", paddr+uintptr(i)*mem.PageSize)
		}
		slot, err := t.cs.AllocSlot()
		if err != nil {
			return nil, err
		}
		if err := t.cs.UntypedRetype(region, kernel.ObjFrame, mem.PageBits, slot); err != nil {
			return nil, err
		}
		caps = append(caps, slot)
	}
	return caps, nil
}
