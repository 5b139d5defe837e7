// Package vspace implements the window / memory-object / view triad
// that decouples a region of virtual address space (Window) from its
// backing store (Object) via a mapping record (View), including
// on-demand paging (spec.md §3, §4.6).
//
// Grounded on original_source/crates/root_server/src/window.rs,
// object.rs, view.rs, and vm.rs. Shared-ownership cycles (window <->
// view, object <-> view) are broken the way spec.md §9 recommends:
// stable pointers with explicit back-references instead of reference
// counting, since Go has no borrow checker to make Rc<RefCell<_>>
// necessary.
package vspace

import (
	"github.com/sel4rt/rootserver/handle"
)

// Window is a named region of a single process's virtual address space
// (spec.md §3 "Window").
type Window struct {
	Start     uintptr
	Size      uintptr
	BoundView *View

	// Owner is the pid of the process the window was carved out of,
	// recorded so WindowRegister (spec.md §6) can tell a managing
	// server which client a forwarded fault on this window belongs to
	// without the server supplying it separately.
	Owner uint64
}

func (w *Window) HandleKind() handle.Kind { return handle.KindWindow }

// End returns the exclusive end address of the window.
func (w *Window) End() uintptr { return w.Start + w.Size }

// Overlaps reports whether w and other cover any common address.
func (w *Window) Overlaps(other *Window) bool {
	return w.Start < other.End() && other.Start < w.End()
}

// WindowRegistration is the handle a managing server holds after
// WindowRegister (spec.md §6): it names the external view bound to a
// client's window so later PageMap/Deregister invocations can find it
// again without walking the client's window list (spec.md §4.6
// handle_page_map's window_registration argument).
type WindowRegistration struct {
	Window *Window
	View   *View
}

func (r *WindowRegistration) HandleKind() handle.Kind { return handle.KindWindowRegistration }

// ProcessWindows is the subset of process state the window/view
// operations need: the process's window list. Defined here rather than
// depending on the procmgr package (which depends on vspace for Window/
// Object/View) to avoid an import cycle.
type ProcessWindows interface {
	Windows() []*Window
	AddWindow(w *Window)
	RemoveWindow(w *Window) bool
	OverlappingWindow(start, size uintptr) *Window
	WindowContaining(addr uintptr) *Window
	// Owner returns the pid CreateWindow should stamp onto a new
	// Window (spec.md §6 WindowRegister's implicit client_id).
	Owner() uint64
}
