package vspace

import (
	"testing"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
)

// fakeProc is a minimal ProcessWindows implementation for these tests,
// mirroring procmgr.Process's window bookkeeping without importing
// procmgr (which itself imports vspace).
type fakeProc struct {
	pid     uint64
	windows []*Window
}

func (p *fakeProc) Windows() []*Window { return p.windows }
func (p *fakeProc) Owner() uint64      { return p.pid }
func (p *fakeProc) AddWindow(w *Window) { p.windows = append(p.windows, w) }
func (p *fakeProc) RemoveWindow(w *Window) bool {
	for i, x := range p.windows {
		if x == w {
			p.windows = append(p.windows[:i], p.windows[i+1:]...)
			return true
		}
	}
	return false
}
func (p *fakeProc) OverlappingWindow(start, size uintptr) *Window {
	cand := &Window{Start: start, Size: size}
	for _, w := range p.windows {
		if w.Overlaps(cand) {
			return w
		}
	}
	return nil
}
func (p *fakeProc) WindowContaining(addr uintptr) *Window {
	for _, w := range p.windows {
		if addr >= w.Start && addr < w.End() {
			return w
		}
	}
	return nil
}

var _ ProcessWindows = (*fakeProc)(nil)

func newTestManager(t *testing.T) (*Manager, *kernel.Sim, kernel.Cap) {
	t.Helper()
	k := kernel.NewSim()
	u := ut.New(k)
	u.AddUntyped(ut.Region{SizeBits: 32})
	root := kernel.Cap(1)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 12}, kernel.ObjCNode, 12, root); err != nil {
		t.Fatalf("bootstrap root cnode: %v", err)
	}
	cs, err := cspace.New(k, u, root, 3, 6)
	if err != nil {
		t.Fatalf("cspace.New: %v", err)
	}
	rootVSpace := kernel.Cap(2)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjVSpace, 0, rootVSpace); err != nil {
		t.Fatalf("bootstrap root vspace: %v", err)
	}
	ft := frame.New(k, cs, u, rootVSpace)

	procVSpace := kernel.Cap(3)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjVSpace, 0, procVSpace); err != nil {
		t.Fatalf("bootstrap proc vspace: %v", err)
	}

	return NewManager(k, cs, ft, u), k, procVSpace
}

func TestCreateWindowRejectsMisalignedBase(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	if _, err := m.CreateWindow(p, 0x1001, 0x1000); err == nil {
		t.Fatal("expected AlignmentError for a non-page-aligned base")
	}
}

func TestCreateWindowRejectsOverlap(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	if _, err := m.CreateWindow(p, 0x100000, 0x1000); err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if _, err := m.CreateWindow(p, 0x100800, 0x1000); err == nil {
		t.Fatal("expected InvalidArguments for an overlapping window")
	}
}

func TestCreateWindowStampsOwner(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 9}
	w, err := m.CreateWindow(p, 0x200000, 0x1000)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if w.Owner != 9 {
		t.Fatalf("Owner = %d, want 9", w.Owner)
	}
}

func TestCreateViewRejectsOutOfBoundsOffsets(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, err := m.CreateWindow(p, 0x300000, 0x4000)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	o := NewObject(0x4000, ObjRights{})

	if _, err := m.CreateView(w, o, 0, 0, 0x5000, kernel.RightsAll()); err == nil {
		t.Fatal("expected InvalidArguments: obj_offset+size > object.size")
	}
	if _, err := m.CreateView(w, o, 0x3000, 0, 0x2000, kernel.RightsAll()); err == nil {
		t.Fatal("expected InvalidArguments: win_offset+size > window.size")
	}
}

func TestCreateViewRejectsSecondViewOnSameWindow(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, err := m.CreateWindow(p, 0x400000, 0x4000)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	o := NewObject(0x4000, ObjRights{})
	if _, err := m.CreateView(w, o, 0, 0, 0x4000, kernel.RightsAll()); err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	if _, err := m.CreateView(w, o, 0, 0, 0x4000, kernel.RightsAll()); err == nil {
		t.Fatal("expected InvalidArguments binding a second view to the same window")
	}
}

func TestCreateViewRegistersObjectAssociation(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, _ := m.CreateWindow(p, 0x500000, 0x4000)
	o := NewObject(0x4000, ObjRights{})
	v, err := m.CreateView(w, o, 0, 0, 0x4000, kernel.RightsAll())
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	if len(o.AssociatedViews) != 1 || o.AssociatedViews[0] != v {
		t.Fatalf("expected the view registered on the object, got %+v", o.AssociatedViews)
	}
	if w.BoundView != v || v.BoundWindow != w {
		t.Fatal("window<->view back-references should be set")
	}
}

func TestHandleVMFaultLazilyPopulatesOnlyTheFaultedPage(t *testing.T) {
	m, k, procVSpace := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, err := m.CreateWindow(p, 0x600000, 0x4000) // 16 KiB window
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	o := NewObject(0x4000, ObjRights{})
	if _, err := m.CreateView(w, o, 0, 0, 0x4000, kernel.RightsAll()); err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	faultAddr := w.Start + 0x2000 // second page, byte offset 8192
	resume, forwarded, err := m.HandleVMFault(p, procVSpace, faultAddr, 0)
	if err != nil {
		t.Fatalf("HandleVMFault: %v", err)
	}
	if !resume || forwarded {
		t.Fatalf("resume=%v forwarded=%v, want resume=true forwarded=false", resume, forwarded)
	}

	if _, ok := o.LookupFrame(0); ok {
		t.Fatal("expected no frame installed at offset 0, only at the faulted offset")
	}
	if _, ok := o.LookupFrame(0x2000); !ok {
		t.Fatal("expected a frame installed at offset 0x2000 after the fault")
	}

	if _, ok := k.Lookup(procVSpace, w.Start+0x2000); !ok {
		t.Fatal("expected the fault to have mapped a page into the faulting process")
	}
}

func TestHandleVMFaultUnresolvableWithoutWindow(t *testing.T) {
	m, _, procVSpace := newTestManager(t)
	p := &fakeProc{pid: 1}
	resume, forwarded, err := m.HandleVMFault(p, procVSpace, 0xDEADB000, 0)
	if err != nil {
		t.Fatalf("HandleVMFault: %v", err)
	}
	if resume || forwarded {
		t.Fatal("expected an unresolvable fault for an address outside any window")
	}
}

func TestHandleVMFaultRepeatedAccessReusesCache(t *testing.T) {
	m, k, procVSpace := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, _ := m.CreateWindow(p, 0x700000, 0x1000)
	o := NewObject(0x1000, ObjRights{})
	m.CreateView(w, o, 0, 0, 0x1000, kernel.RightsAll())

	if _, _, err := m.HandleVMFault(p, procVSpace, w.Start, 0); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	firstCap, _ := k.Lookup(procVSpace, w.Start)

	// Unmap, then fault again: the view's cache should serve the same
	// already-installed capability rather than allocating a new frame.
	_ = k.UnmapPage(procVSpace, w.Start)
	if _, _, err := m.HandleVMFault(p, procVSpace, w.Start, 0); err != nil {
		t.Fatalf("second fault: %v", err)
	}
	secondCap, _ := k.Lookup(procVSpace, w.Start)
	if firstCap != secondCap {
		t.Fatalf("expected the same cached cap reused, got %d then %d", firstCap, secondCap)
	}
}

func TestUnviewReleasesBoundView(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, _ := m.CreateWindow(p, 0x800000, 0x1000)
	o := NewObject(0x1000, ObjRights{})
	v, err := m.CreateView(w, o, 0, 0, 0x1000, kernel.RightsAll())
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	m.Unview(v)
	if w.BoundView != nil {
		t.Fatal("expected window.BoundView to be nil after Unview")
	}
	if len(o.AssociatedViews) != 0 {
		t.Fatal("expected the view detached from the object after Unview")
	}
}

func TestDestroyWindowCascadesAndNotifiesManagingServer(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, _ := m.CreateWindow(p, 0x900000, 0x1000)

	notified := false
	mgr := &fakeManagingServer{
		onWindowDestroy: func(clientID uint64, reference uintptr) error {
			notified = true
			return nil
		},
	}
	if _, err := m.CreateExternalView(w, &ManagingInfo{Server: mgr, ClientID: 1, Reference: 0x42}, kernel.RightsAll()); err != nil {
		t.Fatalf("CreateExternalView: %v", err)
	}

	m.DestroyWindow(p, w)

	if !notified {
		t.Fatal("expected the managing server to be notified of the window destroy")
	}
	if len(p.windows) != 0 {
		t.Fatal("expected the window removed from the process's window list")
	}
}

type fakeManagingServer struct {
	onVMFault       func(clientID uint64, reference, faultOffset uintptr) error
	onWindowDestroy func(clientID uint64, reference uintptr) error
}

func (f *fakeManagingServer) NotifyVMFault(clientID uint64, reference, faultOffset uintptr) error {
	if f.onVMFault != nil {
		return f.onVMFault(clientID, reference, faultOffset)
	}
	return nil
}

func (f *fakeManagingServer) NotifyWindowDestroy(clientID uint64, reference uintptr) error {
	if f.onWindowDestroy != nil {
		return f.onWindowDestroy(clientID, reference)
	}
	return nil
}

func TestHandleVMFaultForwardsToManagingServerAndParksPending(t *testing.T) {
	m, _, procVSpace := newTestManager(t)
	p := &fakeProc{pid: 1}
	w, _ := m.CreateWindow(p, 0xA00000, 0x1000)

	var gotClient, gotRef, gotOffset uintptr
	mgr := &fakeManagingServer{
		onVMFault: func(clientID uint64, reference, faultOffset uintptr) error {
			gotClient = uintptr(clientID)
			gotRef = reference
			gotOffset = faultOffset
			return nil
		},
	}
	v, err := m.CreateExternalView(w, &ManagingInfo{Server: mgr, ClientID: 5, Reference: 0x99}, kernel.RightsAll())
	if err != nil {
		t.Fatalf("CreateExternalView: %v", err)
	}

	resume, forwarded, err := m.HandleVMFault(p, procVSpace, w.Start, 77)
	if err != nil {
		t.Fatalf("HandleVMFault: %v", err)
	}
	if resume || !forwarded {
		t.Fatalf("resume=%v forwarded=%v, want resume=false forwarded=true", resume, forwarded)
	}
	if gotClient != 5 || gotRef != 0x99 || gotOffset != 0 {
		t.Fatalf("got (client=%d ref=%#x offset=%#x)", gotClient, gotRef, gotOffset)
	}
	if v.Pending == nil {
		t.Fatal("expected a PendingFault parked on the view")
	}
	if v.Pending.Reply != 77 {
		t.Fatalf("Pending.Reply = %d, want 77", v.Pending.Reply)
	}
}

func TestHandlePageMapResolvesPendingFault(t *testing.T) {
	m, k, procVSpace := newTestManager(t)
	client := &fakeProc{pid: 1}
	dstWindow, err := m.CreateWindow(client, 0xB00000, 0x1000)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}

	mgr := &fakeManagingServer{}
	dstView, err := m.CreateExternalView(dstWindow, &ManagingInfo{Server: mgr, ClientID: 2, Reference: 1}, kernel.RightsAll())
	if err != nil {
		t.Fatalf("CreateExternalView: %v", err)
	}

	replyCap := kernel.Cap(555)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjReply, 0, replyCap); err != nil {
		t.Fatalf("retype reply: %v", err)
	}
	if _, forwarded, err := m.HandleVMFault(client, procVSpace, dstWindow.Start, replyCap); err != nil || !forwarded {
		t.Fatalf("HandleVMFault forward: forwarded=%v err=%v", forwarded, err)
	}

	server := &fakeProc{pid: 3}
	srcWindow, err := m.CreateWindow(server, 0xC00000, 0x1000)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	srcObj := NewObject(0x1000, ObjRights{})
	if _, err := m.CreateView(srcWindow, srcObj, 0, 0, 0x1000, kernel.RightsAll()); err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	if err := m.HandlePageMap(dstView, 0, server, srcWindow.Start); err != nil {
		t.Fatalf("HandlePageMap: %v", err)
	}

	if dstView.Pending != nil {
		t.Fatal("expected Pending cleared after HandlePageMap resolves the fault")
	}
	if _, ok := k.Lookup(procVSpace, dstWindow.Start); !ok {
		t.Fatal("expected the faulting process's page to be mapped after HandlePageMap")
	}
}
