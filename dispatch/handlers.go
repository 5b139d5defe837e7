package dispatch

import (
	"context"

	connpkg "github.com/sel4rt/rootserver/conn"
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/notify"
	"github.com/sel4rt/rootserver/procmgr"
	"github.com/sel4rt/rootserver/vspace"
	"github.com/sel4rt/rootserver/wire"
)

// finishCreate builds the standard *Create reply payload: the local
// handle index, plus (if wantCap) a handle-capability cptr installed
// directly into the caller's own CSpace (spec.md §6 "want_cap"; §8
// scenario 5 "Handle-cap transfer" exercises this for ObjCreate).
func (c *Core) finishCreate(proc *procmgr.Process, idx int, r handle.Resource, wantCap bool) ([]uint64, wire.Error) {
	payload := []uint64{uint64(idx)}
	if !wantCap {
		return payload, nil
	}
	cptr, err := c.mintHandleCap(proc, r)
	if err != nil {
		return payload, err
	}
	return append(payload, cptr), nil
}

// mintHandleCap allocates a slot in the system-wide handle-capability
// table for r and copies the badged alias into proc's own CSpace, the
// way ProcSpawn copies the invocation/fault endpoints in (spec.md §4.5).
// The returned cptr is transferable: any process presenting it invokes
// straight into handleCapInvocation regardless of who originally minted
// it.
func (c *Core) mintHandleCap(proc *procmgr.Process, r handle.Resource) (uint64, wire.Error) {
	idx, rootCap, err := c.procs.Caps().Allocate()
	if err != nil {
		return 0, wire.ErrOutOfHandleCaps()
	}
	if err := c.procs.Caps().Set(idx, r); err != nil {
		return 0, wire.ErrServer(err)
	}
	destSlot, err := proc.CSpace.AllocSlot()
	if err != nil {
		return 0, wire.ErrCSpaceFull()
	}
	if err := proc.CSpace.Copy(rootCap, destSlot, kernel.RightsAll()); err != nil {
		return 0, wire.ErrServer(err)
	}
	return uint64(destSlot), nil
}

func encodeObjRights(r vspace.ObjRights) uint64 {
	var bits uint64
	if r.Contiguous {
		bits |= 1
	}
	if r.Device {
		bits |= 2
	}
	if r.Eager {
		bits |= 4
	}
	return bits
}

func decodeObjRights(bits uint64) vspace.ObjRights {
	return vspace.ObjRights{
		Contiguous: bits&1 != 0,
		Device:     bits&2 != 0,
		Eager:      bits&4 != 0,
	}
}

// handleWindowCreate implements InvWindowCreate: msg.Args = [base,
// size, want_cap] (spec.md §4.6 handle_window_create).
func (c *Core) handleWindowCreate(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(3); err != nil {
		return nil, err
	}
	base, _ := msg.Arg(0)
	size, _ := msg.Arg(1)
	wantCap, _ := msg.Arg(2)

	w, err := c.vm.CreateWindow(proc, uintptr(base), uintptr(size))
	if err != nil {
		return nil, err
	}
	idx, aerr := proc.Handles.Allocate(w)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return c.finishCreate(proc, idx, w, wantCap != 0)
}

// handleWindowDestroy implements InvWindowDestroy: msg.Args =
// [windowHandle] (spec.md §4.6 handle_window_destroy).
func (c *Core) handleWindowDestroy(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	winH, _ := msg.Arg(0)
	w, ok := lookupTyped[*vspace.Window](proc.Handles, int(winH), handle.KindWindow)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	c.vm.DestroyWindow(proc, w)
	_ = proc.Handles.Cleanup(int(winH))
	return nil
}

// handleWindowRegister implements InvWindowRegister: msg.Args =
// [publishHandle, windowCapIndex, reference] (spec.md §4.7
// WindowRegister). windowCapIndex names a slot in the system-wide
// handle-capability table: the window's creator passed its cptr to the
// managing server out of band (e.g. over an already-open connection),
// the same transfer mechanism scenario 5 of §8 exercises for ObjStat.
func (c *Core) handleWindowRegister(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(3); err != nil {
		return nil, err
	}
	pubH, _ := msg.Arg(0)
	windowCapIdx, _ := msg.Arg(1)
	reference, _ := msg.Arg(2)

	srv, ok := lookupTyped[*connpkg.Server](proc.Handles, int(pubH), handle.KindServer)
	if !ok {
		return nil, wire.ErrInvalidHandle(0)
	}
	resource, ok := c.procs.Caps().Get(int(windowCapIdx))
	if !ok {
		return nil, wire.ErrInvalidHandleCapability(1)
	}
	window, ok := resource.(*vspace.Window)
	if !ok {
		return nil, wire.ErrInvalidHandleCapability(1)
	}

	view, verr := c.vm.CreateExternalView(window, &vspace.ManagingInfo{
		Server:    srv,
		ClientID:  window.Owner,
		Reference: uintptr(reference),
	}, kernel.Rights{Read: true, Write: true})
	if verr != nil {
		return nil, verr
	}

	reg := &vspace.WindowRegistration{Window: window, View: view}
	idx, aerr := proc.Handles.Allocate(reg)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleWindowDeregister implements InvWindowDeregister: msg.Args =
// [registrationHandle].
func (c *Core) handleWindowDeregister(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	regH, _ := msg.Arg(0)
	reg, ok := lookupTyped[*vspace.WindowRegistration](proc.Handles, int(regH), handle.KindWindowRegistration)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	c.vm.Unview(reg.View)
	_ = proc.Handles.Cleanup(int(regH))
	return nil
}

// handleObjCreate implements InvObjCreate: msg.Args = [size,
// rightsBits, want_cap, paddr_if_device], msg.Buffer = name_opt
// (spec.md §4.6 handle_obj_create). A non-empty name publishes the
// object into the root server's object directory for later ObjOpen. A
// DEVICE-attributed object (spec.md §3, SPEC_FULL.md supplemented
// feature #6) takes a fourth argument naming the physical address its
// pages start at, and is backed eagerly through frame.Table.AllocDeviceMem
// rather than populated lazily on first fault (device memory has no
// content to zero and is not owned by the recyclable frame-table free
// list).
func (c *Core) handleObjCreate(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(3); err != nil {
		return nil, err
	}
	size, _ := msg.Arg(0)
	rightsBits, _ := msg.Arg(1)
	wantCap, _ := msg.Arg(2)
	name := string(msg.Buffer)

	if name != "" {
		if _, exists := c.objects[name]; exists {
			return nil, wire.ErrInvalidArguments()
		}
	}

	rights := decodeObjRights(rightsBits)
	obj := vspace.NewObject(uintptr(size), rights)
	obj.Name = name

	if rights.Device {
		if err := msg.RequireArgs(4); err != nil {
			return nil, err
		}
		paddr, _ := msg.Arg(3)
		nPages := int(mem.RoundUp(uintptr(size), mem.PageSize) / mem.PageSize)
		caps, derr := c.ft.AllocDeviceMem(uintptr(paddr), nPages)
		if derr != nil {
			return nil, wire.ErrInsufficientResources()
		}
		for i, cap := range caps {
			obj.InsertFrameAt(uintptr(i)*mem.PageSize, cap)
		}
	}

	idx, aerr := proc.Handles.Allocate(obj)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	if name != "" {
		c.objects[name] = obj
	}
	return c.finishCreate(proc, idx, obj, wantCap != 0)
}

// handleObjOpen implements InvObjOpen: msg.Args = [want_cap], msg.Buffer
// = name (spec.md §4.6 handle_obj_open — opens a previously published
// object by name, handing the caller its own local handle onto the same
// *vspace.Object).
func (c *Core) handleObjOpen(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(1); err != nil {
		return nil, err
	}
	wantCap, _ := msg.Arg(0)
	name := string(msg.Buffer)
	if name == "" {
		return nil, wire.ErrDataBufferNotSet()
	}
	obj, ok := c.objects[name]
	if !ok {
		return nil, wire.ErrInvalidArguments()
	}
	idx, aerr := proc.Handles.Allocate(obj)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return c.finishCreate(proc, idx, obj, wantCap != 0)
}

// handleObjClose implements InvObjClose: msg.Args = [objHandle]. Drops
// the caller's own reference; the object itself survives until
// ObjDestroy (spec.md §4.6).
func (c *Core) handleObjClose(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	objH, _ := msg.Arg(0)
	if _, ok := lookupTyped[*vspace.Object](proc.Handles, int(objH), handle.KindObject); !ok {
		return wire.ErrInvalidHandle(0)
	}
	_ = proc.Handles.Cleanup(int(objH))
	return nil
}

// handleObjDestroy implements InvObjDestroy: msg.Args = [objHandle]
// (spec.md §4.6 handle_obj_destroy). Tears down every view still bound
// to the object, unpublishes its name, and clears the caller's handle.
func (c *Core) handleObjDestroy(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	objH, _ := msg.Arg(0)
	obj, ok := lookupTyped[*vspace.Object](proc.Handles, int(objH), handle.KindObject)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	for _, v := range append([]*vspace.View(nil), obj.AssociatedViews...) {
		c.vm.Unview(v)
	}
	if obj.Name != "" {
		delete(c.objects, obj.Name)
	}
	_ = proc.Handles.Cleanup(int(objH))
	return nil
}

// handleObjStat implements InvObjStat over a local handle: msg.Args =
// [objHandle] (spec.md §4.6, SPEC_FULL.md supplemented feature #1).
func (c *Core) handleObjStat(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(1); err != nil {
		return nil, err
	}
	objH, _ := msg.Arg(0)
	obj, ok := lookupTyped[*vspace.Object](proc.Handles, int(objH), handle.KindObject)
	if !ok {
		return nil, wire.ErrInvalidHandle(0)
	}
	return []uint64{uint64(obj.Size), encodeObjRights(obj.Rights)}, nil
}

// handleObjStatResource implements ObjStat over a transferred handle
// capability (§8 scenario 5: process B invokes ObjStat with a cap
// process A minted).
func (c *Core) handleObjStatResource(resource handle.Resource) ([]uint64, wire.Error) {
	obj, ok := resource.(*vspace.Object)
	if !ok {
		return nil, wire.ErrInvalidHandleCapability(0)
	}
	return []uint64{uint64(obj.Size), encodeObjRights(obj.Rights)}, nil
}

// handleView implements InvView: msg.Args = [windowHandle,
// objectHandle, winOffset, objOffset, size, rightsBits] (spec.md §4.6
// handle_view).
func (c *Core) handleView(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(6); err != nil {
		return nil, err
	}
	winH, _ := msg.Arg(0)
	objH, _ := msg.Arg(1)
	winOff, _ := msg.Arg(2)
	objOff, _ := msg.Arg(3)
	size, _ := msg.Arg(4)
	rightsBits, _ := msg.Arg(5)

	window, ok := lookupTyped[*vspace.Window](proc.Handles, int(winH), handle.KindWindow)
	if !ok {
		return nil, wire.ErrInvalidHandle(0)
	}
	object, ok := lookupTyped[*vspace.Object](proc.Handles, int(objH), handle.KindObject)
	if !ok {
		return nil, wire.ErrInvalidHandle(1)
	}

	rights := kernel.Rights{
		Read:  rightsBits&1 != 0,
		Write: rightsBits&2 != 0,
		Grant: rightsBits&4 != 0,
	}
	v, err := c.vm.CreateView(window, object, uintptr(winOff), uintptr(objOff), uintptr(size), rights)
	if err != nil {
		return nil, err
	}
	idx, aerr := proc.Handles.Allocate(v)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleUnview implements InvUnview: msg.Args = [viewHandle].
func (c *Core) handleUnview(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	viewH, _ := msg.Arg(0)
	v, ok := lookupTyped[*vspace.View](proc.Handles, int(viewH), handle.KindView)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	c.vm.Unview(v)
	_ = proc.Handles.Cleanup(int(viewH))
	return nil
}

// handlePageMap implements InvPageMap: msg.Args = [windowRegistration,
// viewOffset, contentVAddr] (spec.md §4.6 handle_page_map). The source
// view is located in the calling process itself, the managing server
// that already resolved the forwarded fault.
func (c *Core) handlePageMap(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(3); err != nil {
		return err
	}
	regH, _ := msg.Arg(0)
	viewOffset, _ := msg.Arg(1)
	contentVAddr, _ := msg.Arg(2)

	reg, ok := lookupTyped[*vspace.WindowRegistration](proc.Handles, int(regH), handle.KindWindowRegistration)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	return c.vm.HandlePageMap(reg.View, uintptr(viewOffset), proc, uintptr(contentVAddr))
}

// handleConnCreate implements InvConnCreate: msg.Buffer = server name
// (spec.md §4.7: "mints a new badged endpoint, with badge = client pid
// + invocation-tag bits, into the client's CSpace"). Returns a local
// handle plus the raw cptr the client invokes the server through.
func (c *Core) handleConnCreate(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	name := string(msg.Buffer)
	if name == "" {
		return nil, wire.ErrDataBufferNotSet()
	}
	srv, ok := c.conns.Lookup(name)
	if !ok {
		return nil, wire.ErrInvalidArguments()
	}
	destSlot, err := proc.CSpace.AllocSlot()
	if err != nil {
		return nil, wire.ErrCSpaceFull()
	}
	badge := wire.EncodeInvocationBadge(proc.PID)
	if err := proc.CSpace.Mint(srv.EP, destSlot, badge, kernel.RightsAll()); err != nil {
		return nil, wire.ErrServer(err)
	}
	ch := &connpkg.Channel{Server: srv, EP: destSlot}
	idx, aerr := proc.Handles.Allocate(ch)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx), uint64(destSlot)}, nil
}

// handleConnDestroy implements InvConnDestroy: msg.Args = [connCreateHandle]
// (spec.md §4.7), releasing the endpoint ConnCreate minted.
func (c *Core) handleConnDestroy(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	h, _ := msg.Arg(0)
	ch, ok := lookupTyped[*connpkg.Channel](proc.Handles, int(h), handle.KindChannel)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	if err := proc.CSpace.FreeSlot(ch.EP, true); err != nil {
		return wire.ErrServer(err)
	}
	_ = proc.Handles.Cleanup(int(h))
	return nil
}

// handleConnPublish implements InvConnPublish: msg.Args =
// [notificationBufferAddr], msg.Caps = [endpoint], msg.Buffer = name
// (spec.md §4.7 "Servers register a name via ConnPublish (name,
// notification buffer, endpoint)").
func (c *Core) handleConnPublish(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	name := string(msg.Buffer)
	if name == "" {
		return nil, wire.ErrDataBufferNotSet()
	}
	if err := msg.RequireArgs(1); err != nil {
		return nil, err
	}
	if err := msg.RequireCaps(1); err != nil {
		return nil, err
	}
	ep := kernel.Cap(msg.Caps[0])

	srv, err := connpkg.Create(name, ep, c.ntfn, c.cfg.RingCapacity, c.k)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}
	if perr := c.conns.Publish(name, srv); perr != nil {
		return nil, perr
	}
	idx, aerr := proc.Handles.Allocate(srv)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleConnOpen implements InvConnOpen: msg.Buffer carries the
// server name (SPEC_FULL.md resolved Open Question #1: opening an
// already-open or unpublished connection is InvalidArguments).
func (c *Core) handleConnOpen(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if len(msg.Buffer) == 0 {
		return nil, wire.ErrDataBufferNotSet()
	}
	name := string(msg.Buffer)
	srv, ok := c.conns.Lookup(name)
	if !ok {
		return nil, wire.ErrInvalidArguments()
	}
	conn, err := srv.Open(proc.PID)
	if err != nil {
		return nil, err
	}
	idx, aerr := proc.Handles.Allocate(conn)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleConnClose implements InvConnClose: msg.Args = [connHandle].
func (c *Core) handleConnClose(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	connH, _ := msg.Arg(0)
	conn, ok := lookupTyped[*connpkg.Connection](proc.Handles, int(connH), handle.KindConnection)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	if err := conn.Server.Close(conn.ClientID); err != nil {
		return err
	}
	_ = proc.Handles.Cleanup(int(connH))
	return nil
}

// handleConnRegister implements InvConnRegister: msg.Args =
// [publishHandle, clientID] (spec.md §4.7 ConnRegister — a server
// recording a client it learned about out of band, e.g. from a
// forwarded notification's client_id, as an open connection).
func (c *Core) handleConnRegister(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(2); err != nil {
		return nil, err
	}
	pubH, _ := msg.Arg(0)
	clientID, _ := msg.Arg(1)
	srv, ok := lookupTyped[*connpkg.Server](proc.Handles, int(pubH), handle.KindServer)
	if !ok {
		return nil, wire.ErrInvalidHandle(0)
	}
	reg, err := srv.Register(clientID)
	if err != nil {
		return nil, err
	}
	idx, aerr := proc.Handles.Allocate(reg)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleConnDeregister implements InvConnDeregister: msg.Args =
// [registrationHandle].
func (c *Core) handleConnDeregister(proc *procmgr.Process, msg wire.Message) wire.Error {
	if err := msg.RequireArgs(1); err != nil {
		return err
	}
	regH, _ := msg.Arg(0)
	reg, ok := lookupTyped[*connpkg.Registration](proc.Handles, int(regH), handle.KindConnRegistration)
	if !ok {
		return wire.ErrInvalidHandle(0)
	}
	if err := reg.Server.Deregister(reg.ClientID); err != nil {
		return err
	}
	_ = proc.Handles.Cleanup(int(regH))
	return nil
}

// handleProcSpawn implements InvProcSpawn: msg.Buffer = executable
// name, msg.Args = [priority] (spec.md §4.7 ProcSpawn). file_server_name
// and argv are accepted by the wire format but not modeled further: the
// ImageReader seam resolves names directly (SPEC_FULL.md's
// procmgr.ImageReader is the narrow interface standing in for a real
// boot file server).
func (c *Core) handleProcSpawn(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	name := string(msg.Buffer)
	if name == "" {
		return nil, wire.ErrDataBufferNotSet()
	}
	child, err := c.procs.Spawn(context.Background(), name)
	if err != nil {
		return nil, err
	}
	idx, aerr := proc.Handles.Allocate(child)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx), child.PID}, nil
}

// handleReplyCreate implements InvReplyCreate (spec.md §6,
// SPEC_FULL.md supplemented feature #2): retypes a fresh reply object
// and wraps it as a first-class handle.
func (c *Core) handleReplyCreate(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	region, err := c.ut.Alloc(mem.PageBits)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}
	slot, err := c.cs.AllocSlot()
	if err != nil {
		c.ut.Free(region)
		return nil, wire.ErrCSpaceFull()
	}
	if err := c.cs.UntypedRetype(region, kernel.ObjReply, 0, slot); err != nil {
		c.ut.Free(region)
		return nil, wire.ErrServer(err)
	}
	rh := &ReplyHandle{Cap: slot}
	idx, aerr := proc.Handles.Allocate(rh)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleIRQRegister implements InvIRQRegister: msg.Args = [publishHandle,
// irqNum, edgeTriggered] (spec.md §4.8 handle_irq_register).
func (c *Core) handleIRQRegister(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(3); err != nil {
		return nil, err
	}
	pubH, _ := msg.Arg(0)
	irqNum, _ := msg.Arg(1)
	edge, _ := msg.Arg(2)

	if _, ok := lookupTyped[*connpkg.Server](proc.Handles, int(pubH), handle.KindServer); !ok {
		return nil, wire.ErrInvalidHandle(0)
	}

	handlerSlot, bit, err := c.ntfn.RegisterIRQ(int(irqNum), edge != 0, nil)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}
	reg := &notify.IRQRegistration{IRQ: int(irqNum), Bit: bit, Handler: handlerSlot}
	idx, aerr := proc.Handles.Allocate(reg)
	if aerr != nil {
		return nil, wire.ErrOutOfHandles()
	}
	return []uint64{uint64(idx)}, nil
}

// handleChannelCreate implements InvChannelCreate: msg.Args =
// [publishHandle] (spec.md §6). Mints a bare endpoint behind a
// transferable handle capability: the returned cptr is the
// "channel_authority_cap" ChannelOpen later redeems, possibly from a
// different process than the one that created it.
func (c *Core) handleChannelCreate(proc *procmgr.Process, msg wire.Message) ([]uint64, wire.Error) {
	if err := msg.RequireArgs(1); err != nil {
		return nil, err
	}
	pubH, _ := msg.Arg(0)
	srv, ok := lookupTyped[*connpkg.Server](proc.Handles, int(pubH), handle.KindServer)
	if !ok {
		return nil, wire.ErrInvalidHandle(0)
	}

	region, err := c.ut.Alloc(mem.PageBits)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}
	epSlot, err := c.cs.AllocSlot()
	if err != nil {
		c.ut.Free(region)
		return nil, wire.ErrCSpaceFull()
	}
	if err := c.cs.UntypedRetype(region, kernel.ObjEndpoint, 0, epSlot); err != nil {
		c.ut.Free(region)
		return nil, wire.ErrServer(err)
	}

	ch := &connpkg.Channel{Server: srv, EP: epSlot}
	cptr, cerr := c.mintHandleCap(proc, ch)
	if cerr != nil {
		return nil, cerr
	}
	return []uint64{cptr}, nil
}

// handleChannelOpen is the ordinary-invocation fallback for
// InvChannelOpen. A channel_authority_cap is a handle capability, so a
// correctly-formed ChannelOpen always arrives on the badged handle-cap
// path (handleChannelOpenResource); reaching here means the caller
// invoked the label directly rather than through the cap it names.
func (c *Core) handleChannelOpen(proc *procmgr.Process, msg wire.Message) wire.Error {
	return wire.ErrUnsupportedInvocation(int32(wire.InvChannelOpen))
}

// handleChannelOpenResource implements InvChannelOpen over the handle
// capability named by the invoked badge: copies the channel's endpoint
// into the invoking process's own CSpace.
func (c *Core) handleChannelOpenResource(proc *procmgr.Process, resource handle.Resource) ([]uint64, wire.Error) {
	ch, ok := resource.(*connpkg.Channel)
	if !ok {
		return nil, wire.ErrInvalidHandleCapability(0)
	}
	destSlot, err := proc.CSpace.AllocSlot()
	if err != nil {
		return nil, wire.ErrCSpaceFull()
	}
	if err := proc.CSpace.Copy(ch.EP, destSlot, kernel.RightsAll()); err != nil {
		return nil, wire.ErrServer(err)
	}
	return []uint64{uint64(destSlot)}, nil
}

// lookupTyped fetches idx from t, checking both that a resource is
// present and that it's the expected concrete kind before the type
// assertion (spec.md §7 InvalidHandle).
func lookupTyped[T handle.Resource](t *handle.Table, idx int, kind handle.Kind) (T, bool) {
	var zero T
	r, ok := t.Get(idx)
	if !ok || r.HandleKind() != kind {
		return zero, false
	}
	typed, ok := r.(T)
	return typed, ok
}
