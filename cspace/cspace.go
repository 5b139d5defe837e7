// Package cspace implements the two-level capability-slot allocator
// described in spec.md §3/§4.3: a fixed top-level CNode whose slots
// lazily fill in with bottom-level CNodes carved out of untyped memory,
// with a watermark reserve that breaks the circular dependency between
// "allocate a slot" and "allocate the CNode that slot lives in".
//
// Grounded on original_source/crates/root_server/src/cspace.rs
// (bf_first_free-driven alloc_slot, watermark refill) and on the
// free-list allocation shape of the teacher's HandleMap
// (_examples/hanwen-go-fuse/fuse/handle.go): both hand back the lowest
// free index and reuse freed indices before growing.
package cspace

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sel4rt/rootserver/bitfield"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
)

const (
	// MappingSlots is the number of page-table-mapping slots a new
	// bottom-level CNode's backing frame may need (spec.md §4.3).
	MappingSlots = 3
	// WatermarkSlots is the number of slots the allocator keeps
	// pre-filled so that materializing a new bottom CNode never
	// recurses into alloc_slot more than one level deep.
	WatermarkSlots = MappingSlots + 1

	// BotLvlBits is the default size-bits of a bottom-level CNode.
	BotLvlBits = 8 // 256 slots per bottom CNode
)

// ErrCSpaceFull is returned when the top-level bitfield has no free
// index, i.e. every bottom-level CNode that could exist already does
// and is full.
type ErrCSpaceFull struct{}

func (ErrCSpaceFull) Error() string { return "cspace: full" }

type botLevel struct {
	cnode    kernel.Cap // the kernel CNode object for this bottom level
	bf       []uint64
	materialized bool
}

// CSpace is the per-address-space two-level slot allocator. The root
// server's own CSpace and every spawned process's CSpace are each one
// of these.
type CSpace struct {
	k    kernel.Syscall
	ut   *ut.Table
	root kernel.Cap // root CNode capability

	// base is this CSpace's private slice of the single flat cptr space
	// kernel.Sim's object table actually lives in (see the kernel package
	// doc): every absolute slot this CSpace hands out or consumes
	// internally is base plus a local offset, so two independently
	// addressed CSpaces — the root server's own and each spawned
	// process's — never collide on the same underlying kernel.Cap, even
	// though each addresses its own local slots starting from 0.
	base uint64

	topBits uint
	botBits uint
	topBF   []uint64
	bot     []*botLevel

	watermark [WatermarkSlots]kernel.Cap
	nextFree  kernel.Cap // next never-before-used absolute cptr for slot bookkeeping
}

// namespaceBits bounds how large a single CSpace's local address space
// (2^(topBits+botBits)) may be, comfortably above any topBits+botBits
// this tree actually constructs.
const namespaceBits = 32

// namespaceCounter hands each CSpace instance, in process and in every
// spawned process alike, its own disjoint slice of kernel.Sim's single
// flat cptr space (see the kernel package doc for why that table is
// shared). A counter rather than deriving the offset from root itself,
// because root is already a cptr inside some ancestor CSpace's own
// namespace, and shifting an already-shifted value again would overflow
// after only one level of process spawning.
var namespaceCounter uint64

// New creates a CSpace rooted at root, sized for 2^topBits top-level
// entries each fanning out to a 2^botBits-slot bottom CNode. The
// watermark is filled immediately so the very first alloc_slot call
// that needs to materialize a bottom CNode already has what it needs
// (spec.md's self-bootstrapping invariant).
func New(k kernel.Syscall, u *ut.Table, root kernel.Cap, topBits, botBits uint) (*CSpace, error) {
	base := atomic.AddUint64(&namespaceCounter, 1) << namespaceBits
	cs := &CSpace{
		k:        k,
		ut:       u,
		root:     root,
		base:     base,
		topBits:  topBits,
		botBits:  botBits,
		topBF:    bitfield.New(1 << topBits),
		bot:      make([]*botLevel, 1<<topBits),
		// The structured (topIdx<<botBits|botIdx) range occupies
		// [base, base+1<<(topBits+botBits)); raw bootstrap slots (the
		// watermark) start right above it.
		nextFree: kernel.Cap(base + 1<<(topBits+botBits)),
	}
	for i := 0; i < 1<<topBits; i++ {
		cs.bot[i] = &botLevel{bf: bitfield.New(1 << botBits)}
	}
	for i := range cs.watermark {
		slot, err := cs.newRawSlot()
		if err != nil {
			return nil, err
		}
		cs.watermark[i] = slot
	}
	return cs, nil
}

// newRawSlot hands out the next never-allocated absolute cptr without
// touching the bitfields — used only to seed the watermark during New,
// before any bottom CNode bookkeeping exists to track.
func (cs *CSpace) newRawSlot() (kernel.Cap, error) {
	slot := cs.nextFree
	cs.nextFree++
	return slot, nil
}

func (cs *CSpace) local(cptr kernel.Cap) uint64 { return uint64(cptr) - cs.base }
func (cs *CSpace) topIndex(cptr kernel.Cap) int { return int(cs.local(cptr) >> cs.botBits) }
func (cs *CSpace) botIndex(cptr kernel.Cap) int {
	return int(uintptr(cs.local(cptr)) & mem.Mask(cs.botBits))
}

// materialize retypes a fresh bottom-level CNode object into the kernel
// for top-level index idx, consuming watermark slot 0 for the object
// itself (bit 0 of usedMask). No bookkeeping frame is allocated and no
// page-table mapping slots are consumed (spec.md §4.3 step 2).
func (cs *CSpace) materialize(idx int) (usedMask uint, err error) {
	b := cs.bot[idx]
	if b.materialized {
		return 0, nil
	}
	cnodeSlot := cs.watermark[0]
	region, err := cs.ut.Alloc(cs.botBits + 4) // rough size class for a CNode of this fan-out
	if err != nil {
		return 0, err
	}
	if err := cs.k.RetypeUntyped(kernel.UntypedRegion{Paddr: region.Paddr, SizeBits: region.SizeBits}, kernel.ObjCNode, cs.botBits, cnodeSlot); err != nil {
		cs.ut.Free(region)
		return 0, err
	}
	b.cnode = cnodeSlot
	b.materialized = true
	usedMask |= 1
	logrus.WithFields(logrus.Fields{"top_index": idx}).Debug("cspace: materialized bottom cnode")
	return usedMask, nil
}

// refillWatermark replaces any watermark slot consumed during the last
// materialize call, using alloc_slot itself — safe because the
// watermark is always WatermarkSlots deep before any call that might
// need to materialize, so this never recurses past one level.
func (cs *CSpace) refillWatermark(usedMask uint) error {
	for i := 0; i < WatermarkSlots; i++ {
		if usedMask&(1<<uint(i)) == 0 {
			continue
		}
		slot, err := cs.AllocSlot()
		if err != nil {
			return err
		}
		cs.watermark[i] = slot
	}
	return nil
}

// AllocSlot returns a fresh absolute cptr with its bit set in the
// relevant bottom-level bitfield and, if that CNode is now full, the
// top-level bit set too (spec.md §4.3 alloc_slot, invariants 1-2 of
// §8). The caller installs a capability into the slot themselves via
// Retype/Mint/Copy; AllocSlot never does so.
func (cs *CSpace) AllocSlot() (kernel.Cap, error) {
	topIdx, err := bitfield.FirstFree(cs.topBF)
	if err != nil || topIdx >= 1<<cs.topBits {
		return 0, ErrCSpaceFull{}
	}

	b := cs.bot[topIdx]
	var usedMask uint
	if !b.materialized {
		usedMask, err = cs.materialize(topIdx)
		if err != nil {
			return 0, err
		}
	}

	botIdx, err := bitfield.FirstFree(b.bf)
	if err != nil {
		// Bottom CNode is actually full; top bit should already be
		// set, but guard against the race of concurrent frees.
		bitfield.Set(cs.topBF, topIdx)
		return 0, ErrCSpaceFull{}
	}
	bitfield.Set(b.bf, botIdx)

	if _, err := bitfield.FirstFree(b.bf); err != nil {
		bitfield.Set(cs.topBF, topIdx)
	}

	if usedMask != 0 {
		if err := cs.refillWatermark(usedMask); err != nil {
			return 0, err
		}
	}

	cptr := kernel.Cap(cs.base + (uint64(topIdx)<<cs.botBits | uint64(botIdx)))
	return cptr, nil
}

// FreeSlot clears the slot's bit (and the top-level bit, if it had been
// set because the bottom CNode was full) and optionally deletes the
// installed capability first (spec.md §4.3 free_slot).
func (cs *CSpace) FreeSlot(cptr kernel.Cap, deleteCap bool) error {
	topIdx := cs.topIndex(cptr)
	botIdx := cs.botIndex(cptr)
	if topIdx >= len(cs.bot) {
		return fmt.Errorf("cspace: slot %d out of range", cptr)
	}
	if deleteCap {
		if err := cs.k.Delete(cptr); err != nil {
			if _, ok := err.(kernel.ErrNoSuchCap); !ok {
				return err
			}
		}
	}
	b := cs.bot[topIdx]
	bitfield.Clear(b.bf, botIdx)
	bitfield.Clear(cs.topBF, topIdx)
	return nil
}

// UntypedRetype invokes the kernel retype operation on ut into
// targetSlot, producing exactly one object of kind/sizeBits (spec.md
// §4.3 untyped_retype).
func (cs *CSpace) UntypedRetype(region ut.Region, kind kernel.ObjectKind, sizeBits uint, target kernel.Cap) error {
	return cs.k.RetypeUntyped(kernel.UntypedRegion{Paddr: region.Paddr, SizeBits: region.SizeBits, Device: region.Device}, kind, sizeBits, target)
}

// Root returns the CSpace's root CNode capability, e.g. for mint
// operations that must reference "this CSpace" as a whole.
func (cs *CSpace) Root() kernel.Cap { return cs.root }

// Mint installs dest as a badged alias of src.
func (cs *CSpace) Mint(src, dest kernel.Cap, badge uint64, rights kernel.Rights) error {
	return cs.k.Mint(src, dest, badge, rights)
}

// Copy installs dest as an alias of src carrying src's badge unchanged.
func (cs *CSpace) Copy(src, dest kernel.Cap, rights kernel.Rights) error {
	return cs.k.Copy(src, dest, rights)
}

// Revoke deletes every capability derived from src.
func (cs *CSpace) Revoke(src kernel.Cap) error {
	return cs.k.Revoke(src)
}

// Delete removes the capability at slot.
func (cs *CSpace) Delete(slot kernel.Cap) error {
	return cs.k.Delete(slot)
}
