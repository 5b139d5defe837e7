// Package handle implements the per-process handle table and the
// process-global handle-capability table (spec.md §3 "Handle"/"Handle
// capability", §4.5).
//
// Grounded directly on the free-list HandleMap in
// _examples/hanwen-go-fuse/fuse/handle.go (portableHandleMap): a slice
// of slots plus a stack of freed indices, returning the lowest freed
// index before growing the slice. The handle-capability table adds the
// badge-per-slot minting from
// original_source/crates/root_server/src/handle_capability.rs, plus the
// dedicated tag bit resolving spec.md §9's "handle-cap badging... could
// be spoofed" open question (see DESIGN.md).
package handle

import (
	"fmt"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/wire"
)

// Kind discriminates the resource sum-type a handle or handle-cap
// names.
type Kind int

const (
	KindWindow Kind = iota
	KindObject
	KindView
	KindConnection
	KindServer
	KindProcess
	KindReply
	KindConnRegistration
	KindWindowRegistration
	KindIRQRegistration
	KindChannel
)

// Resource is implemented by every concrete resource type a handle can
// name (*vspace.Window, *vspace.Object, ... — those packages import
// handle, not the other way around, so Resource is opaque here).
type Resource interface {
	HandleKind() Kind
}

// Entry is one slot of a handle table.
type Entry struct {
	Resource Resource
}

// ErrOutOfHandles is returned when a process's handle table has no free
// slot (spec.md §7).
type ErrOutOfHandles struct{}

func (ErrOutOfHandles) Error() string { return "handle: out of handles" }

// Table is a per-process handle table: a fixed-capacity array of
// optional entries, allocate returns the first empty slot (spec.md
// §4.5).
type Table struct {
	capacity int
	slots    []*Entry
	free     []int // freed indices; Allocate reuses the lowest before scanning untouched slots
}

func NewTable(capacity int) *Table {
	return &Table{capacity: capacity, slots: make([]*Entry, capacity)}
}

// Allocate returns the first empty slot and its index, reusing the
// lowest freed index before scanning for an untouched one (every freed
// index lies below every never-used slot) — the free-list reuse of
// portableHandleMap in _examples/hanwen-go-fuse/fuse/handle.go.
func (t *Table) Allocate(r Resource) (int, error) {
	if n := len(t.free); n > 0 {
		low := 0
		for i := 1; i < n; i++ {
			if t.free[i] < t.free[low] {
				low = i
			}
		}
		idx := t.free[low]
		t.free[low] = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx] = &Entry{Resource: r}
		return idx, nil
	}
	best := -1
	for i, s := range t.slots {
		if s == nil {
			best = i
			break
		}
	}
	if best == -1 {
		return 0, ErrOutOfHandles{}
	}
	t.slots[best] = &Entry{Resource: r}
	return best, nil
}

// Get returns the resource at idx, or false if the slot is empty or out
// of range.
func (t *Table) Get(idx int) (Resource, bool) {
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return nil, false
	}
	return t.slots[idx].Resource, true
}

// Cleanup clears the slot at idx and pushes it onto the free stack for
// Allocate to reuse.
func (t *Table) Cleanup(idx int) error {
	if idx < 0 || idx >= len(t.slots) {
		return fmt.Errorf("handle: index %d out of range", idx)
	}
	if t.slots[idx] == nil {
		return nil
	}
	t.slots[idx] = nil
	t.free = append(t.free, idx)
	return nil
}

// Capacity reports the table's fixed size.
func (t *Table) Capacity() int { return t.capacity }

// --- handle-capability table ---

// CapBadgeTag is OR'd into every handle-capability badge so a plain
// endpoint capability minted for some other purpose can never be
// mistaken for one (spec.md §9 open question, resolved in
// SPEC_FULL.md/DESIGN.md: add a dedicated tag bit). Shares its bit
// position with wire.HandleCapBadgeTag so the dispatch loop's badge
// decoder and this package's own minting agree on the same constant.
const CapBadgeTag = wire.HandleCapBadgeTag

// ErrOutOfHandleCaps is returned when the handle-cap table is full.
type ErrOutOfHandleCaps struct{}

func (ErrOutOfHandleCaps) Error() string { return "handle: out of handle capabilities" }

type capSlot struct {
	resource Resource
	rootCap  kernel.Cap
}

// CapTable is the process-global, system-wide sparse array of
// transferable handle capabilities: every slot is pre-associated with a
// unique badged endpoint capability minted at initialization, badge
// equal to the slot index OR'd with CapBadgeTag (spec.md §4.5).
type CapTable struct {
	slots []capSlot
}

// NewCapTable mints n badged aliases of ep into cs, one per slot, the
// way original_source's initialise_handle_cap_table does.
func NewCapTable(cs *cspace.CSpace, ep kernel.Cap, n int) (*CapTable, error) {
	ct := &CapTable{slots: make([]capSlot, n)}
	for i := 0; i < n; i++ {
		slot, err := cs.AllocSlot()
		if err != nil {
			return nil, err
		}
		badge := uint64(i) | CapBadgeTag
		if err := cs.Mint(ep, slot, badge, kernel.RightsNone()); err != nil {
			return nil, err
		}
		ct.slots[i] = capSlot{rootCap: slot}
	}
	return ct, nil
}

// Allocate returns the first empty slot's (index, absolute-cptr);
// caller stores the resource via Set.
func (ct *CapTable) Allocate() (int, kernel.Cap, error) {
	for i := range ct.slots {
		if ct.slots[i].resource == nil {
			return i, ct.slots[i].rootCap, nil
		}
	}
	return 0, 0, ErrOutOfHandleCaps{}
}

// Set installs resource into slot idx (called once Allocate has
// returned a free index).
func (ct *CapTable) Set(idx int, r Resource) error {
	if idx < 0 || idx >= len(ct.slots) {
		return fmt.Errorf("handle: cap index %d out of range", idx)
	}
	ct.slots[idx].resource = r
	return nil
}

// Get returns the resource named by badge (with CapBadgeTag already
// masked off by the caller) or false if idx is unset/out of range.
func (ct *CapTable) Get(idx int) (Resource, bool) {
	if idx < 0 || idx >= len(ct.slots) || ct.slots[idx].resource == nil {
		return nil, false
	}
	return ct.slots[idx].resource, true
}

// Cleanup revokes every capability derived from the badged endpoint at
// idx and clears the slot (spec.md §4.5).
func (ct *CapTable) Cleanup(cs *cspace.CSpace, idx int) error {
	if idx < 0 || idx >= len(ct.slots) {
		return fmt.Errorf("handle: cap index %d out of range", idx)
	}
	root := ct.slots[idx].rootCap
	if err := cs.Revoke(root); err != nil {
		if _, ok := err.(kernel.ErrNoSuchCap); !ok {
			return err
		}
	}
	ct.slots[idx].resource = nil
	return nil
}

// DecodeBadge reports whether badge carries the handle-cap tag bit,
// and if so, the slot index it names.
func DecodeBadge(badge uint64) (idx int, ok bool) {
	if badge&CapBadgeTag == 0 {
		return 0, false
	}
	return int(badge &^ CapBadgeTag), true
}
