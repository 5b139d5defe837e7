package vspace

import (
	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
	"github.com/sel4rt/rootserver/wire"
)

// Manager implements the window/object/view operations of spec.md §4.6:
// handle_window_create, handle_view, handle_vm_fault, handle_page_map,
// handle_window_destroy/handle_unview/handle_obj_destroy.
type Manager struct {
	k  kernel.Syscall
	cs *cspace.CSpace
	ft *frame.Table
	ut *ut.Table
}

func NewManager(k kernel.Syscall, cs *cspace.CSpace, ft *frame.Table, u *ut.Table) *Manager {
	return &Manager{k: k, cs: cs, ft: ft, ut: u}
}

// CreateWindow implements handle_window_create (spec.md §4.6).
func (m *Manager) CreateWindow(proc ProcessWindows, base, size uintptr) (*Window, wire.Error) {
	if !mem.PageAligned(base) {
		return nil, wire.ErrAlignmentError(0)
	}
	if base+size < base {
		return nil, wire.ErrInvalidArguments()
	}
	if proc.OverlappingWindow(base, size) != nil {
		return nil, wire.ErrInvalidArguments()
	}
	w := &Window{Start: base, Size: size, Owner: proc.Owner()}
	proc.AddWindow(w)
	return w, nil
}

// CreateView implements handle_view (spec.md §4.6).
func (m *Manager) CreateView(window *Window, object *Object, winOffset, objOffset, size uintptr, rights kernel.Rights) (*View, wire.Error) {
	if size == 0 || !mem.PageAligned(winOffset) || !mem.PageAligned(objOffset) {
		return nil, wire.ErrInvalidArguments()
	}
	if objOffset+size > object.Size || winOffset+size > window.Size {
		return nil, wire.ErrInvalidArguments()
	}
	if window.BoundView != nil {
		return nil, wire.ErrInvalidArguments()
	}
	v := &View{
		BoundWindow: window,
		BoundObject: object,
		WinOffset:   winOffset,
		ObjOffset:   objOffset,
		Size:        size,
		Rights:      rights,
	}
	object.addView(v)
	window.BoundView = v
	return v, nil
}

// CreateExternalView implements handle_window_register (spec.md §4.7):
// a view whose fault source is an external managing server rather than
// a memory object.
func (m *Manager) CreateExternalView(window *Window, managing *ManagingInfo, rights kernel.Rights) (*View, wire.Error) {
	if window.BoundView != nil {
		return nil, wire.ErrInvalidArguments()
	}
	v := &View{BoundWindow: window, Managing: managing, Rights: rights}
	window.BoundView = v
	return v, nil
}

// Unview implements handle_unview: releases the window's bound_view
// back to None and detaches the view from its object, if any.
func (m *Manager) Unview(view *View) {
	if view.BoundObject != nil {
		view.BoundObject.removeView(view)
	}
	if view.BoundWindow != nil {
		view.BoundWindow.BoundView = nil
	}
}

// DestroyWindow implements handle_window_destroy, cascading into any
// bound view and notifying a managing server if present (spec.md §9:
// the Open Question over cascade-vs-refuse is resolved as "always
// cascade with managing-server notification").
func (m *Manager) DestroyWindow(proc ProcessWindows, window *Window) {
	if bv := window.BoundView; bv != nil {
		if bv.Managing != nil {
			_ = bv.Managing.Server.NotifyWindowDestroy(bv.Managing.ClientID, bv.Managing.Reference)
		}
		m.Unview(bv)
	}
	proc.RemoveWindow(window)
}

// HandleVMFault implements handle_vm_fault (spec.md §4.6). It returns
// (resume=true) when the fault was resolved and the process should
// resume, (resume=false, forwarded=false) when the fault is
// unresolvable, and (forwarded=true) when the fault was handed to a
// managing server and the process remains blocked — the caller must not
// reply in that case.
func (m *Manager) HandleVMFault(proc ProcessWindows, procVSpace kernel.Cap, faultAddr uintptr, reply kernel.Cap) (resume, forwarded bool, err error) {
	window := proc.WindowContaining(faultAddr)
	if window == nil || window.BoundView == nil {
		return false, false, nil
	}
	faultOffset := faultAddr - window.Start
	view := window.BoundView

	if _, ok := view.LookupCap(faultOffset); ok {
		cap, _ := view.LookupCap(faultOffset)
		if err := m.k.MapPage(procVSpace, cap, mem.RoundDown(faultAddr, mem.PageSize), view.Rights); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	if view.BoundObject == nil {
		// Externally managed: forward the fault and park the reply.
		if view.Managing == nil {
			return false, false, nil
		}
		aligned := mem.RoundDown(faultOffset, mem.PageSize)
		if err := view.Managing.Server.NotifyVMFault(view.Managing.ClientID, view.Managing.Reference, aligned); err != nil {
			return false, false, err
		}
		view.Pending = &PendingFault{Reply: reply, VSpace: procVSpace, FaultAddr: faultAddr}
		return false, true, nil
	}

	cap, err := m.populateAndCache(view, faultOffset)
	if err != nil {
		return false, false, err
	}
	if err := m.k.MapPage(procVSpace, cap, mem.RoundDown(faultAddr, mem.PageSize), view.Rights); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// populateAndCache resolves the view's object-backed frame at
// faultOffset (allocating and zeroing it if the object has none yet),
// copies it into the view's cache, and returns the copied capability.
func (m *Manager) populateAndCache(view *View, winOffset uintptr) (kernel.Cap, error) {
	object := view.BoundObject
	objOffset := view.ObjOffset + (winOffset - view.WinOffset)

	objCap, ok := object.LookupFrame(objOffset)
	if !ok {
		ref, err := m.ft.AllocFrame()
		if err != nil {
			return 0, err
		}
		objCap = m.ft.Cap(ref)
		object.InsertFrameAt(objOffset, objCap)
		data := m.ft.Data(ref)
		for i := range data {
			data[i] = 0
		}
	}

	slot, err := m.cs.AllocSlot()
	if err != nil {
		return 0, err
	}
	if err := m.cs.Copy(objCap, slot, kernel.RightsAll()); err != nil {
		return 0, err
	}
	view.InsertCapAt(winOffset, slot)
	return slot, nil
}

// HandlePageMap implements handle_page_map (spec.md §4.6): a managing
// server calls this after resolving a forwarded fault, supplying the
// window-relative content it read from one of its own windows.
func (m *Manager) HandlePageMap(dstView *View, viewOffset uintptr, srcProc ProcessWindows, contentVAddr uintptr) wire.Error {
	if !mem.PageAligned(viewOffset) || !mem.PageAligned(contentVAddr) {
		return wire.ErrAlignmentError(1)
	}

	srcWindow := srcProc.WindowContaining(contentVAddr)
	if srcWindow == nil {
		return wire.ErrInvalidArguments()
	}
	srcOffset := contentVAddr - srcWindow.Start
	srcView := srcWindow.BoundView
	if srcView == nil {
		return wire.ErrInvalidArguments()
	}

	srcCap, ok := srcView.LookupCap(srcOffset)
	if !ok {
		if srcView.BoundObject == nil {
			return wire.ErrInvalidArguments()
		}
		cap, err := m.populateAndCache(srcView, srcOffset)
		if err != nil {
			return wire.ErrInsufficientResources()
		}
		srcCap = cap
	}

	dstSlot, err := m.cs.AllocSlot()
	if err != nil {
		return wire.ErrCSpaceFull()
	}
	if err := m.cs.Copy(srcCap, dstSlot, kernel.RightsAll()); err != nil {
		return wire.ErrServer(err)
	}
	dstView.InsertCapAt(viewOffset, dstSlot)

	if dstView.Pending != nil {
		p := dstView.Pending
		if err := m.k.MapPage(p.VSpace, dstSlot, mem.RoundDown(p.FaultAddr, mem.PageSize), dstView.Rights); err != nil {
			return wire.ErrServer(err)
		}
		_ = m.k.Reply(p.Reply, kernel.Message{})
		_ = m.cs.Delete(p.Reply)
		dstView.Pending = nil
	}
	return nil
}
