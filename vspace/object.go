package vspace

import (
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/kernel"
)

// ObjRights mirror the attribute flags spec.md §3 lists for a memory
// object.
type ObjRights struct {
	Contiguous bool
	Device     bool
	Eager      bool
}

// Object is a content store with logical size and access-rights
// attributes, backed by a sparse frame tree indexed by byte offset
// (spec.md §3 "Memory object").
type Object struct {
	Name   string
	Size   uintptr
	Rights ObjRights

	frames sparseTree

	// AssociatedViews lists every view bound to this object (spec.md
	// §4.6, testable property 5).
	AssociatedViews []*View

	// ContiguousAlloc is set when Rights.Contiguous allocated one
	// physically-contiguous run up front rather than populating frames
	// lazily.
	ContiguousAlloc bool
}

func NewObject(size uintptr, rights ObjRights) *Object {
	return &Object{Size: size, Rights: rights}
}

func (o *Object) HandleKind() handle.Kind { return handle.KindObject }

// LookupFrame resolves a byte offset to a frame capability, or reports
// "unmapped" (spec.md §3).
func (o *Object) LookupFrame(offset uintptr) (kernel.Cap, bool) {
	s, ok := o.frames.lookup(offset)
	if !ok {
		return 0, false
	}
	return kernel.Cap(s.cap), true
}

// InsertFrameAt installs cap as the object's backing frame at offset.
func (o *Object) InsertFrameAt(offset uintptr, cap kernel.Cap) {
	o.frames.insert(offset, uint64(cap))
}

// RemoveFrameAt clears whatever frame was installed at offset.
func (o *Object) RemoveFrameAt(offset uintptr) {
	o.frames.remove(offset)
}

// addView records v in AssociatedViews (spec.md §4.6, testable
// property 5: v in o.AssociatedViews iff v.BoundObject == o).
func (o *Object) addView(v *View) {
	o.AssociatedViews = append(o.AssociatedViews, v)
}

// removeView drops v from AssociatedViews.
func (o *Object) removeView(v *View) {
	for i, x := range o.AssociatedViews {
		if x == v {
			o.AssociatedViews = append(o.AssociatedViews[:i], o.AssociatedViews[i+1:]...)
			return
		}
	}
}
