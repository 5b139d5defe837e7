// Package kernel models the microkernel capability-invocation surface the
// root server sits on top of: untyped retype, capability mint/copy/
// delete/revoke, page mapping, endpoint/notification IPC, and TCB
// control. spec.md treats the microkernel itself as a given; this
// package is the seam the rest of the tree programs against, the way
// the teacher's "raw" package is the seam go-fuse programs against for
// the actual FUSE kernel driver. A production build would replace Sim
// with a thin wrapper around real capability-invocation syscalls; tests
// and the rest of this repo only ever see the Syscall interface.
//
// Sim keeps every capability slot in one flat table keyed by Cap and
// shared by every CSpace built over it; cspace.New gives each CSpace a
// disjoint range of that key space so their slots never collide.
package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Cap is an absolute capability pointer: a key into the kernel's single
// slot table, of which every CSpace (the root server's own and each
// spawned process's) addresses a disjoint range. The zero value is the
// null capability slot.
type Cap uint64

// ObjectKind enumerates the kernel object types retype can produce.
type ObjectKind int

const (
	ObjUntyped ObjectKind = iota
	ObjCNode
	ObjFrame
	ObjEndpoint
	ObjNotification
	ObjTCB
	ObjVSpace
	ObjIRQHandler
	ObjReply
)

func (k ObjectKind) String() string {
	switch k {
	case ObjUntyped:
		return "Untyped"
	case ObjCNode:
		return "CNode"
	case ObjFrame:
		return "Frame"
	case ObjEndpoint:
		return "Endpoint"
	case ObjNotification:
		return "Notification"
	case ObjTCB:
		return "TCB"
	case ObjVSpace:
		return "VSpace"
	case ObjIRQHandler:
		return "IRQHandler"
	case ObjReply:
		return "Reply"
	default:
		return "Unknown"
	}
}

// Rights mirrors seL4's capability rights bitset closely enough for our
// purposes: read/write/grant.
type Rights struct {
	Read  bool
	Write bool
	Grant bool
}

func RightsAll() Rights { return Rights{Read: true, Write: true, Grant: true} }
func RightsNone() Rights { return Rights{} }

// UntypedRegion names a physical-memory region backing a retype call.
type UntypedRegion struct {
	Paddr    uintptr
	SizeBits uint
	Device   bool
}

// Message is the positional-argument IPC payload: a label, message
// registers, and any accompanying capabilities — the wire shape spec.md
// §6 calls msg_regs[]/caps[].
type Message struct {
	Label int32
	Args  []uint64
	Caps  []Cap
}

// ErrNoSuchCap is returned when an operation names a slot with no
// installed capability.
type ErrNoSuchCap struct{ Slot Cap }

func (e ErrNoSuchCap) Error() string { return fmt.Sprintf("kernel: no capability at slot %d", e.Slot) }

// ErrSlotOccupied is returned when retype/mint/copy targets a slot that
// already holds a capability.
type ErrSlotOccupied struct{ Slot Cap }

func (e ErrSlotOccupied) Error() string { return fmt.Sprintf("kernel: slot %d already occupied", e.Slot) }

// Syscall is the capability-invocation surface the rest of the root
// server is written against.
type Syscall interface {
	RetypeUntyped(region UntypedRegion, kind ObjectKind, childSizeBits uint, target Cap) error
	Mint(src, dest Cap, badge uint64, rights Rights) error
	Copy(src, dest Cap, rights Rights) error
	Delete(slot Cap) error
	Revoke(slot Cap) error

	MapPage(vspace, frame Cap, vaddr uintptr, rights Rights) error
	UnmapPage(vspace Cap, vaddr uintptr) error
	Lookup(vspace Cap, vaddr uintptr) (Cap, bool)

	Send(ep Cap, msg Message) error
	Recv(ep Cap) (Message, uint64, error)
	Reply(reply Cap, msg Message) error
	Signal(ntfn Cap, bits uint64) error
	PendingSignal(ntfn Cap) (uint64, bool)

	ConfigureTCB(tcb, cspaceRoot, vspaceRoot Cap, ipcBufferAddr uintptr) error
	WriteRegisters(tcb Cap, pc, sp uintptr) error
	Resume(tcb Cap) error
	Suspend(tcb Cap) error

	IRQControlGet(irqNum int, edgeTriggered bool, target Cap) error
	BindNotification(ntfn, irqHandler Cap) error
	AckIRQ(irqHandler Cap) error
}

type object struct {
	kind     ObjectKind
	sizeBits uint
	badge    uint64
	rights   Rights
	// derived tracks every slot minted/copied from this slot's root
	// installation, so Revoke can tear them all down.
	root *capRecord
}

type capRecord struct {
	slots map[Cap]bool
}

type mapping struct {
	vaddr uintptr
	frame Cap
}

// Sim is an in-process simulation of the capability-invoking
// microkernel: no real hardware retype happens, but the bookkeeping
// (occupied slots, derivation trees for Revoke, per-vspace page
// mappings, per-notification accumulated badge) is real enough to drive
// every invariant in spec.md §8.
type Sim struct {
	mu sync.Mutex

	slots map[Cap]*object
	maps  map[Cap][]mapping // vspace -> mappings
	queue map[Cap][]queuedMsg
	sig   map[Cap]uint64 // notification -> accumulated badge
	irqs  map[int]Cap    // irq number -> handler slot
}

type queuedMsg struct {
	msg   Message
	badge uint64
}

func NewSim() *Sim {
	return &Sim{
		slots: make(map[Cap]*object),
		maps:  make(map[Cap][]mapping),
		queue: make(map[Cap][]queuedMsg),
		sig:   make(map[Cap]uint64),
		irqs:  make(map[int]Cap),
	}
}

func (s *Sim) RetypeUntyped(region UntypedRegion, kind ObjectKind, childSizeBits uint, target Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[target]; ok {
		return ErrSlotOccupied{target}
	}
	s.slots[target] = &object{kind: kind, sizeBits: childSizeBits, root: &capRecord{slots: map[Cap]bool{target: true}}}
	logrus.WithFields(logrus.Fields{
		"paddr": region.Paddr, "kind": kind, "target": target,
	}).Trace("kernel: retype")
	return nil
}

func (s *Sim) Mint(src, dest Cap, badge uint64, rights Rights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.slots[src]
	if !ok {
		return ErrNoSuchCap{src}
	}
	if _, occ := s.slots[dest]; occ {
		return ErrSlotOccupied{dest}
	}
	cp := *o
	cp.badge = badge
	cp.rights = rights
	s.slots[dest] = &cp
	o.root.slots[dest] = true
	return nil
}

// Copy installs dest as a new copy of src in the same derivation tree,
// carrying src's badge forward unchanged — real seL4 CNode_Copy leaves
// the badge alone, unlike CNode_Mint which sets a fresh one. A
// handle-cap (handle.CapBadgeTag) relies on this to survive a plain
// Copy into another CSpace (dispatch/handlers.go's ObjStat-over-
// transferred-handle path, spec.md §8 scenario 5).
func (s *Sim) Copy(src, dest Cap, rights Rights) error {
	s.mu.Lock()
	o, ok := s.slots[src]
	if !ok {
		s.mu.Unlock()
		return ErrNoSuchCap{src}
	}
	badge := o.badge
	s.mu.Unlock()
	return s.Mint(src, dest, badge, rights)
}

func (s *Sim) Delete(slot Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.slots[slot]
	if !ok {
		return ErrNoSuchCap{slot}
	}
	delete(o.root.slots, slot)
	delete(s.slots, slot)
	return nil
}

func (s *Sim) Revoke(slot Cap) error {
	s.mu.Lock()
	o, ok := s.slots[slot]
	if !ok {
		s.mu.Unlock()
		return ErrNoSuchCap{slot}
	}
	victims := make([]Cap, 0, len(o.root.slots))
	for c := range o.root.slots {
		if c != slot {
			victims = append(victims, c)
		}
	}
	s.mu.Unlock()
	for _, c := range victims {
		_ = s.Delete(c)
	}
	return nil
}

func (s *Sim) MapPage(vspace, frame Cap, vaddr uintptr, rights Rights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[frame]; !ok {
		return ErrNoSuchCap{frame}
	}
	ms := s.maps[vspace]
	for i, m := range ms {
		if m.vaddr == vaddr {
			ms[i].frame = frame
			return nil
		}
	}
	s.maps[vspace] = append(ms, mapping{vaddr: vaddr, frame: frame})
	return nil
}

func (s *Sim) UnmapPage(vspace Cap, vaddr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.maps[vspace]
	for i, m := range ms {
		if m.vaddr == vaddr {
			s.maps[vspace] = append(ms[:i], ms[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Sim) Lookup(vspace Cap, vaddr uintptr) (Cap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.maps[vspace] {
		if m.vaddr == vaddr {
			return m.frame, true
		}
	}
	return 0, false
}

func (s *Sim) Send(ep Cap, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.slots[ep]
	if !ok {
		return ErrNoSuchCap{ep}
	}
	s.queue[ep] = append(s.queue[ep], queuedMsg{msg: msg, badge: o.badge})
	return nil
}

func (s *Sim) Recv(ep Cap) (Message, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue[ep]
	if len(q) == 0 {
		return Message{}, 0, nil
	}
	head := q[0]
	s.queue[ep] = q[1:]
	return head.msg, head.badge, nil
}

func (s *Sim) Reply(reply Cap, msg Message) error {
	return s.Send(reply, msg)
}

func (s *Sim) Signal(ntfn Cap, bits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[ntfn]; !ok {
		return ErrNoSuchCap{ntfn}
	}
	s.sig[ntfn] |= bits
	return nil
}

// PendingSignal returns and clears the accumulated badge for ntfn,
// matching the seL4 semantics spec.md's testable property 9 relies on:
// the word observed is the OR of every signal since the last wait.
func (s *Sim) PendingSignal(ntfn Cap) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.sig[ntfn]
	if b == 0 {
		return 0, false
	}
	s.sig[ntfn] = 0
	return b, true
}

func (s *Sim) ConfigureTCB(tcb, cspaceRoot, vspaceRoot Cap, ipcBufferAddr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[tcb]; !ok {
		return ErrNoSuchCap{tcb}
	}
	return nil
}

func (s *Sim) WriteRegisters(tcb Cap, pc, sp uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[tcb]; !ok {
		return ErrNoSuchCap{tcb}
	}
	return nil
}

func (s *Sim) Resume(tcb Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[tcb]; !ok {
		return ErrNoSuchCap{tcb}
	}
	return nil
}

func (s *Sim) Suspend(tcb Cap) error {
	return s.Resume(tcb)
}

func (s *Sim) IRQControlGet(irqNum int, edgeTriggered bool, target Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[target]; ok {
		return ErrSlotOccupied{target}
	}
	s.slots[target] = &object{kind: ObjIRQHandler, root: &capRecord{slots: map[Cap]bool{target: true}}}
	s.irqs[irqNum] = target
	return nil
}

func (s *Sim) BindNotification(ntfn, irqHandler Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[ntfn]; !ok {
		return ErrNoSuchCap{ntfn}
	}
	if _, ok := s.slots[irqHandler]; !ok {
		return ErrNoSuchCap{irqHandler}
	}
	return nil
}

func (s *Sim) AckIRQ(irqHandler Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[irqHandler]; !ok {
		return ErrNoSuchCap{irqHandler}
	}
	return nil
}

var _ Syscall = (*Sim)(nil)
