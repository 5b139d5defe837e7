// Package dispatch implements the root server's single-threaded
// run-to-completion event loop (spec.md §5): recv on the root
// endpoint, decode the badge to route an invocation, a fault, or a
// notification, handle it, and reply — exactly once per iteration,
// never re-entering the loop body from a handler.
//
// Grounded directly on the teacher's fuse.MountState.Loop/loop/
// handleRequest shape (_examples/hanwen-go-fuse/fuse/mountstate.go):
// read one request, parse its opcode, dispatch to a handler, write one
// reply. Our "opcode" is wire.Invocation and our "read" is
// kernel.Syscall.Recv; the rest of the shape — a tight loop with a
// single handling call per iteration and structured logging around
// failures instead of log.Printf — is carried over as-is.
package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/sel4rt/rootserver/conn"
	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/notify"
	"github.com/sel4rt/rootserver/procmgr"
	"github.com/sel4rt/rootserver/ut"
	"github.com/sel4rt/rootserver/vspace"
	"github.com/sel4rt/rootserver/wire"
)

// Config is the set of tunables a deployment picks at startup (spec.md
// §6 Configuration), the way the teacher's MountOptions struct
// (fuse/api.go) is a plain struct of tunables applied once at Mount.
type Config struct {
	TopLevelBits  uint
	BotLevelBits  uint
	MaxHandles    int
	MaxHandleCaps int
	RingCapacity  int
}

// DefaultConfig mirrors the defaults Mount applies when MountOptions
// leaves a field at its zero value.
func DefaultConfig() Config {
	return Config{
		TopLevelBits:  6,
		BotLevelBits:  cspace.BotLvlBits,
		MaxHandles:    256,
		MaxHandleCaps: 64,
		RingCapacity:  32,
	}
}

// Core wires together every subsystem the dispatch loop routes into:
// the "Global-state replacement" of spec.md §9 Design Notes, as a
// single struct instead of a set of module-level statics.
type Core struct {
	cfg Config

	k  kernel.Syscall
	cs *cspace.CSpace
	ut *ut.Table
	ft *frame.Table

	vm    *vspace.Manager
	procs *procmgr.Manager
	conns *conn.Registry
	ntfn  *notify.Dispatch

	// objects is the name -> *vspace.Object directory ObjOpen/ObjCreate
	// (named variant) consult, distinct from conns (server names):
	// spec.md §6 ObjOpen(name, ...) implies published objects live in
	// their own namespace.
	objects map[string]*vspace.Object

	rootEP kernel.Cap
}

// New builds a Core over an already-bootstrapped CSpace/UT/frame
// table; a production main() performs that bootstrap (retyping the
// root CNode itself, seeding UT from the boot info) before calling
// this (spec.md §4.1-4.2).
func New(cfg Config, k kernel.Syscall, cs *cspace.CSpace, u *ut.Table, ft *frame.Table, images procmgr.ImageReader, rootEP, ntfnObj kernel.Cap) (*Core, error) {
	procs, err := procmgr.NewManager(k, cs, u, ft, images, rootEP, cfg.MaxHandles, cfg.MaxHandleCaps)
	if err != nil {
		return nil, err
	}
	return &Core{
		cfg:     cfg,
		k:       k,
		cs:      cs,
		ut:      u,
		ft:      ft,
		vm:      vspace.NewManager(k, cs, ft, u),
		procs:   procs,
		conns:   conn.NewRegistry(),
		ntfn:    notify.New(k, cs, ntfnObj),
		objects: make(map[string]*vspace.Object),
		rootEP:  rootEP,
	}, nil
}

// Run is the top-level loop: Recv, decode badge, dispatch, Reply.
// Mirrors fuse.MountState.Loop/loop: a tight iteration with exactly one
// handling call per message, logging and continuing past recoverable
// failures rather than exiting.
func (c *Core) Run() {
	for {
		msg, badge, err := c.k.Recv(c.rootEP)
		if err != nil {
			logrus.WithError(err).Error("dispatch: recv failed")
			continue
		}
		c.handle(msg, badge)
	}
}

func (c *Core) handle(msg kernel.Message, badge uint64) {
	kind, rest := wire.DecodeBadge(badge)
	switch kind {
	case wire.BadgeNotification:
		c.handleNotification(rest)
	case wire.BadgeFault:
		c.handleFault(msg, rest)
	case wire.BadgeHandleCap:
		c.handleCapInvocation(msg, rest)
	default:
		c.handleInvocation(msg, rest)
	}
}

// handleNotification demultiplexes a signaled badge through the IRQ/
// user-notification dispatcher, the way handle_irq in
// original_source/crates/root_server/src/irq.rs walks set bits
// (spec.md §4.8).
func (c *Core) handleNotification(bits uint64) {
	unhandled := c.ntfn.Handle(bits)
	if unhandled != 0 {
		logrus.WithField("bits", unhandled).Debug("dispatch: unhandled notification bits")
	}
}

// handleFault resolves a VM fault reported on a process's fault
// endpoint (spec.md §4.6 handle_vm_fault). pid names which process's
// fault this is, decoded from the low bits of the badge the way
// ProcSpawn mints the fault endpoint (spec.md §4.7 step 6).
func (c *Core) handleFault(msg kernel.Message, pid uint64) {
	proc, ok := c.procs.Get(pid)
	if !ok {
		logrus.WithField("pid", pid).Warn("dispatch: fault from unknown process")
		return
	}
	if len(msg.Args) < 1 {
		logrus.WithField("pid", pid).Warn("dispatch: fault message missing address")
		return
	}
	faultAddr := uintptr(msg.Args[0])

	replySlot, err := c.cs.AllocSlot()
	if err != nil {
		logrus.WithError(err).Error("dispatch: out of slots for fault reply")
		return
	}

	resume, forwarded, ferr := c.vm.HandleVMFault(proc, proc.VSpace, faultAddr, replySlot)
	if ferr != nil {
		logrus.WithError(ferr).WithField("pid", pid).Error("dispatch: fault handling error")
		_ = c.cs.FreeSlot(replySlot, true)
		return
	}
	if forwarded {
		// Reply capability now parked in the view's Pending state;
		// HandlePageMap releases it once the managing server responds.
		return
	}
	_ = c.cs.FreeSlot(replySlot, true)
	if !resume {
		logrus.WithFields(logrus.Fields{"pid": pid, "addr": faultAddr}).Warn("dispatch: unresolvable fault")
		return
	}
	if err := c.k.Reply(replySlot, kernel.Message{}); err != nil {
		logrus.WithError(err).Error("dispatch: fault reply failed")
	}
}

// handleInvocation routes an ordinary client invocation (spec.md §6)
// to its handler and replies with the result, mirroring
// handleRequest's parse -> Func -> write sequence.
func (c *Core) handleInvocation(msg kernel.Message, pid uint64) {
	wmsg := wire.Message{
		Label: wire.Invocation(msg.Label),
		Args:  msg.Args,
		Caps:  capsToUint64(msg.Caps),
	}

	proc, ok := c.procs.Get(pid)
	if !ok {
		logrus.WithField("pid", pid).Warn("dispatch: invocation from unknown process")
		return
	}

	payload, reply := c.dispatchInvocation(proc, wmsg)
	c.replyTo(proc, wmsg.Label, payload, reply)
}

// replyTo encodes the success payload or, on error, the error label
// (spec.md §7) as both the reply label and the first word, followed by
// any payload words; which argument was at fault is not encoded. It
// writes the result back to the invoking
// process's invocation endpoint, the reply target every Recv in this
// model implicitly produces (real seL4 ties it to the IPC call itself
// via a dedicated one-shot reply object; the Syscall interface's Reply
// takes an explicit capability, so Core uses the process's own
// invocation endpoint as a stand-in).
func (c *Core) replyTo(proc *procmgr.Process, label wire.Invocation, payload []uint64, reply wire.Error) {
	replyLabel := int32(wire.LabelNoError)
	args := payload
	if reply != nil {
		replyLabel = reply.Label()
		args = append([]uint64{uint64(reply.Label())}, payload...)
		logrus.WithFields(logrus.Fields{"pid": proc.PID, "label": label, "error": reply}).Warn("dispatch: invocation failed")
	}
	if err := c.k.Reply(proc.InvocationEP, kernel.Message{Label: replyLabel, Args: args}); err != nil {
		logrus.WithError(err).Error("dispatch: invocation reply failed")
	}
}

// handleCapInvocation routes an invocation arriving on a badged
// handle-capability endpoint rather than a process's ordinary
// invocation endpoint (spec.md §3 "Handle capability"; scenario 5 of
// §8, "Handle-cap transfer"). The caller identifies itself in
// msg.Args[0] so the reply can still be routed to its invocation
// endpoint — the badge alone only names the resource being invoked,
// not who is invoking it.
func (c *Core) handleCapInvocation(msg kernel.Message, capIdx uint64) {
	resource, ok := c.procs.Caps().Get(int(capIdx))
	if !ok {
		logrus.WithField("cap_index", capIdx).Warn("dispatch: handle-cap invocation for unknown slot")
		return
	}
	label := wire.Invocation(msg.Label)
	if len(msg.Args) == 0 {
		logrus.Warn("dispatch: handle-cap invocation missing caller pid")
		return
	}
	proc, ok := c.procs.Get(msg.Args[0])
	if !ok {
		logrus.WithField("pid", msg.Args[0]).Warn("dispatch: handle-cap invocation from unknown process")
		return
	}

	var payload []uint64
	var rerr wire.Error
	switch label {
	case wire.InvObjStat:
		payload, rerr = c.handleObjStatResource(resource)
	case wire.InvChannelOpen:
		payload, rerr = c.handleChannelOpenResource(proc, resource)
	default:
		rerr = wire.ErrUnsupportedInvocation(int32(label))
	}
	c.replyTo(proc, label, payload, rerr)
}

func (c *Core) dispatchInvocation(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if !msg.Label.Valid() {
		return nil, wire.ErrInvalidInvocation()
	}

	switch msg.Label {
	case wire.InvWindowCreate:
		return c.handleWindowCreate(proc, msg)
	case wire.InvWindowDestroy:
		return nil, c.handleWindowDestroy(proc, msg)
	case wire.InvWindowRegister:
		return c.handleWindowRegister(proc, msg)
	case wire.InvWindowDeregister:
		return nil, c.handleWindowDeregister(proc, msg)
	case wire.InvObjCreate:
		return c.handleObjCreate(proc, msg)
	case wire.InvObjOpen:
		return c.handleObjOpen(proc, msg)
	case wire.InvObjClose:
		return nil, c.handleObjClose(proc, msg)
	case wire.InvObjDestroy:
		return nil, c.handleObjDestroy(proc, msg)
	case wire.InvObjStat:
		return c.handleObjStat(proc, msg)
	case wire.InvView:
		return c.handleView(proc, msg)
	case wire.InvUnview:
		return nil, c.handleUnview(proc, msg)
	case wire.InvPageMap:
		return nil, c.handlePageMap(proc, msg)
	case wire.InvConnCreate:
		return c.handleConnCreate(proc, msg)
	case wire.InvConnDestroy:
		return nil, c.handleConnDestroy(proc, msg)
	case wire.InvConnPublish:
		return c.handleConnPublish(proc, msg)
	case wire.InvConnOpen:
		return c.handleConnOpen(proc, msg)
	case wire.InvConnClose:
		return nil, c.handleConnClose(proc, msg)
	case wire.InvConnRegister:
		return c.handleConnRegister(proc, msg)
	case wire.InvConnDeregister:
		return nil, c.handleConnDeregister(proc, msg)
	case wire.InvProcSpawn:
		return c.handleProcSpawn(proc, msg)
	case wire.InvReplyCreate:
		return c.handleReplyCreate(proc, msg)
	case wire.InvIRQRegister:
		return c.handleIRQRegister(proc, msg)
	case wire.InvChannelCreate:
		return c.handleChannelCreate(proc, msg)
	case wire.InvChannelOpen:
		return nil, c.handleChannelOpen(proc, msg)
	default:
		return nil, wire.ErrUnsupportedInvocation(int32(msg.Label))
	}
}

func capsToUint64(caps []kernel.Cap) []uint64 {
	out := make([]uint64, len(caps))
	for i, c := range caps {
		out[i] = uint64(c)
	}
	return out
}
