// Package notify implements the badged-notification fan-in spec.md
// §4.8 describes: many independent sources (IRQs, user-registered
// waiters, internal fault/destroy events) share a single seL4
// notification object, each given a private bit of its badge word, so
// the dispatch loop can demultiplex a single Wait/Poll into however
// many sources actually fired (spec.md's testable property 9: the
// observed badge is the OR of every signal since the last wait).
//
// Grounded on original_source/crates/root_server/src/irq.rs
// (IRQDispatch/UserNotificationDispatch, bf_first_free over a
// WORD_SIZE bitfield) and on the teacher's handle-table reuse pattern
// for the free-bit allocator (_examples/hanwen-go-fuse/fuse/handle.go).
package notify

import (
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/sel4rt/rootserver/bitfield"
	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/kernel"
)

// IRQRegistration is the handle IRQRegister (spec.md §6) hands back: the
// IRQ number, the badge bit it was assigned, and the kernel-issued
// handler capability a caller acks through after servicing the
// interrupt.
type IRQRegistration struct {
	IRQ     int
	Bit     int
	Handler kernel.Cap
}

func (r *IRQRegistration) HandleKind() handle.Kind { return handle.KindIRQRegistration }

// WordBits is the number of independent badge bits available to share
// a single notification object, matching seL4's machine word width.
const WordBits = 64

// IRQCallback is invoked synchronously from Dispatch for each IRQ bit
// that was set in an observed badge.
type IRQCallback func(irq int, handler kernel.Cap)

type irqHandlerInfo struct {
	irq     int
	handler kernel.Cap
	ntfn    kernel.Cap
	cb      IRQCallback
}

// Dispatch is the badge-bit multiplexer bound to one root-server-owned
// notification object: it hands out the free bits of the badge word to
// registrants and mints each one a copy of that notification badged
// with its bit alone (1<<bit); no notification flag bit is OR'd into
// the minted badge.
//
// A single Dispatch instance is reused for both IRQs and user
// notifications; spec.md §4.8 keeps them conceptually distinct only in
// which table answers a set bit.
type Dispatch struct {
	k  kernel.Syscall
	cs *cspace.CSpace

	ntfn kernel.Cap

	allocated []uint64 // bitfield.New(WordBits), 1 = bit claimed

	irqHandlers  [WordBits]*irqHandlerInfo
	userNtfns    [WordBits]kernel.Cap // badged copies handed to waiters
}

// New builds a Dispatch over ntfn, the root server's own notification
// capability (spec.md §4.8 "one notification object, many badge bits").
func New(k kernel.Syscall, cs *cspace.CSpace, ntfn kernel.Cap) *Dispatch {
	return &Dispatch{
		k:    k,
		cs:   cs,
		ntfn: ntfn,
		allocated: bitfield.New(WordBits),
	}
}

func (d *Dispatch) allocBit() (int, error) {
	bit, err := bitfield.FirstFree(d.allocated)
	if err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	bitfield.Set(d.allocated, bit)
	return bit, nil
}

func (d *Dispatch) freeBit(bit int) {
	bitfield.Clear(d.allocated, bit)
}

// RegisterIRQ implements handle_irq_register (spec.md §4.8): allocates
// a badge bit, gets the IRQ handler capability from the kernel, mints a
// badged copy of ntfn naming that bit, and binds the two together so
// a real IRQ actually signals it.
func (d *Dispatch) RegisterIRQ(irq int, edgeTriggered bool, cb IRQCallback) (handlerSlot kernel.Cap, bit int, err error) {
	bit, err = d.allocBit()
	if err != nil {
		return 0, 0, err
	}

	handlerSlot, err = d.cs.AllocSlot()
	if err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}
	if err := d.k.IRQControlGet(irq, edgeTriggered, handlerSlot); err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}

	ntfnSlot, err := d.cs.AllocSlot()
	if err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}
	badge := uint64(1) << uint(bit)
	if err := d.cs.Mint(d.ntfn, ntfnSlot, badge, kernel.Rights{Write: true}); err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}
	if err := d.k.BindNotification(ntfnSlot, handlerSlot); err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}

	d.irqHandlers[bit] = &irqHandlerInfo{irq: irq, handler: handlerSlot, ntfn: ntfnSlot, cb: cb}
	logrus.WithFields(logrus.Fields{"irq": irq, "bit": bit}).Debug("notify: registered irq")
	return handlerSlot, bit, nil
}

// RegisterUser implements ntfn_register (spec.md §4.8): allocates a
// badge bit and mints a private notification capability a client can
// Wait/Poll on, without going through the kernel's IRQ machinery.
func (d *Dispatch) RegisterUser() (bit int, ntfn kernel.Cap, err error) {
	bit, err = d.allocBit()
	if err != nil {
		return 0, 0, err
	}
	slot, err := d.cs.AllocSlot()
	if err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}
	badge := uint64(1) << uint(bit)
	if err := d.cs.Mint(d.ntfn, slot, badge, kernel.Rights{Write: true}); err != nil {
		d.freeBit(bit)
		return 0, 0, err
	}
	d.userNtfns[bit] = slot
	return bit, slot, nil
}

// DeregisterUser releases a previously-registered user badge bit.
func (d *Dispatch) DeregisterUser(bit int) error {
	if slot := d.userNtfns[bit]; slot != 0 {
		if err := d.cs.Revoke(slot); err != nil {
			return err
		}
		if err := d.cs.Delete(slot); err != nil {
			return err
		}
		d.userNtfns[bit] = 0
	}
	d.freeBit(bit)
	return nil
}

// Handle demultiplexes an observed badge: for every bit that names a
// registered IRQ, it invokes that IRQ's callback (if any) and acks the
// handler; it returns every other set bit, user-notification bits
// included, for the caller to treat as a plain notification (spec.md
// §4.8 handle_irq).
func (d *Dispatch) Handle(badge uint64) (unhandled uint64) {
	remaining := badge
	unhandled = badge
	for remaining != 0 {
		bit := bits.TrailingZeros64(remaining)
		remaining &^= uint64(1) << uint(bit)
		info := d.irqHandlers[bit]
		if info == nil {
			continue
		}
		if info.cb != nil {
			info.cb(info.irq, info.handler)
		}
		_ = d.k.AckIRQ(info.handler)
		unhandled &^= uint64(1) << uint(bit)
	}
	return unhandled
}
