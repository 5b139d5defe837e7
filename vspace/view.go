package vspace

import (
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/kernel"
)

// ManagingServer is implemented by whatever owns an externally-managed
// view (the conn package's server registration). Defined here, not
// there, so vspace never imports conn: the dependency runs the other
// way (conn depends on vspace for Window/View types used by
// WindowRegister).
type ManagingServer interface {
	// NotifyVMFault enqueues a VMFaultNotification into the managing
	// server's ring buffer and signals its badged notification
	// (spec.md §4.6 handle_vm_fault, externally-managed branch).
	NotifyVMFault(clientID uint64, reference uintptr, faultOffset uintptr) error
	// NotifyWindowDestroy does the same for a WindowDestroyNotification
	// (spec.md §4.6 handle_window_destroy).
	NotifyWindowDestroy(clientID uint64, reference uintptr) error
}

// ManagingInfo names the server managing an externally-backed view and
// the opaque (clientID, reference) pair it needs to correlate
// notifications back to this view.
type ManagingInfo struct {
	Server    ManagingServer
	ClientID  uint64
	Reference uintptr
}

// PendingFault parks the reply capability for a process blocked on a
// forwarded fault (spec.md §4.6, §9 "Fault-resumption state machine").
// A view with Pending != nil is in the Pending state; nil is Idle.
type PendingFault struct {
	Reply     kernel.Cap
	VSpace    kernel.Cap
	FaultAddr uintptr
}

// View is the binding of a window to an object, or to an externally
// managed fault source (spec.md §3 "View").
type View struct {
	BoundWindow *Window
	BoundObject *Object

	WinOffset uintptr
	ObjOffset uintptr
	Size      uintptr
	Rights    kernel.Rights

	cache sparseTree

	Managing *ManagingInfo
	Pending  *PendingFault
}

func (v *View) HandleKind() handle.Kind { return handle.KindView }

// LookupCap resolves a window offset to a cached frame capability
// (spec.md §3 "per-frame slot cache").
func (v *View) LookupCap(offset uintptr) (kernel.Cap, bool) {
	s, ok := v.cache.lookup(offset)
	if !ok {
		return 0, false
	}
	return kernel.Cap(s.cap), true
}

// InsertCapAt caches cap at the given window offset.
func (v *View) InsertCapAt(offset uintptr, cap kernel.Cap) {
	v.cache.insert(offset, uint64(cap))
}
