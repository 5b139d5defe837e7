package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/procmgr"
	"github.com/sel4rt/rootserver/ut"
	"github.com/sel4rt/rootserver/vspace"
	"github.com/sel4rt/rootserver/wire"
)

type fakeImages struct{ images map[string][]byte }

func (f fakeImages) ReadImage(name string) ([]byte, error) {
	img, ok := f.images[name]
	if !ok {
		return nil, fmt.Errorf("dispatch test: no such image %q", name)
	}
	return img, nil
}

// buildMinimalELF assembles a tiny well-formed ELF64 executable with a
// single PT_LOAD segment, enough for debug/elf.NewFile to parse without a
// real toolchain-produced binary (mirrors procmgr's elf_test.go builder,
// needed again here since that one is unexported across package
// boundaries).
func buildMinimalELF(vaddr, entry uint64, data []byte) []byte {
	const ehsize = 64
	const phsize = 56

	buf := new(bytes.Buffer)
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(62))
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, entry)
	binary.Write(buf, binary.LittleEndian, uint64(ehsize))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(buf, binary.LittleEndian, uint16(phsize))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	fileOff := uint64(ehsize + phsize)
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(5))
	binary.Write(buf, binary.LittleEndian, fileOff)
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, uint64(len(data)))
	binary.Write(buf, binary.LittleEndian, uint64(len(data)))
	binary.Write(buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(data)
	return buf.Bytes()
}

func minimalImage() []byte {
	return buildMinimalELF(0x400000, 0x400000, []byte{0x90, 0x90})
}

func newTestCore(t *testing.T, images map[string][]byte) (*Core, *kernel.Sim) {
	t.Helper()
	cfg := DefaultConfig()

	k := kernel.NewSim()
	u := ut.New(k)
	u.AddUntyped(ut.Region{SizeBits: 40})

	root := kernel.Cap(1)
	rootBits := cfg.TopLevelBits + cfg.BotLevelBits
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: rootBits}, kernel.ObjCNode, rootBits, root); err != nil {
		t.Fatalf("bootstrap root cnode: %v", err)
	}
	cs, err := cspace.New(k, u, root, cfg.TopLevelBits, cfg.BotLevelBits)
	if err != nil {
		t.Fatalf("cspace.New: %v", err)
	}

	rootVSpace := kernel.Cap(2)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjVSpace, 0, rootVSpace); err != nil {
		t.Fatalf("bootstrap root vspace: %v", err)
	}
	ft := frame.New(k, cs, u, rootVSpace)

	rootEP, err := cs.AllocSlot()
	if err != nil {
		t.Fatalf("alloc root ep: %v", err)
	}
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjEndpoint, 0, rootEP); err != nil {
		t.Fatalf("retype root ep: %v", err)
	}
	ntfnObj, err := cs.AllocSlot()
	if err != nil {
		t.Fatalf("alloc ntfn obj: %v", err)
	}
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 0}, kernel.ObjNotification, 0, ntfnObj); err != nil {
		t.Fatalf("retype ntfn obj: %v", err)
	}

	core, err := New(cfg, k, cs, u, ft, fakeImages{images: images}, rootEP, ntfnObj)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return core, k
}

func spawnProc(t *testing.T, core *Core, name string) *procmgr.Process {
	t.Helper()
	proc, werr := core.procs.Spawn(context.Background(), name)
	if werr != nil {
		t.Fatalf("Spawn(%q): %v", name, werr)
	}
	return proc
}

func TestHandleRoutesOrdinaryInvocationAndReplies(t *testing.T) {
	core, k := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")

	msg := kernel.Message{
		Label: int32(wire.InvWindowCreate),
		Args:  []uint64{0x100000, 0x1000, 0},
	}
	core.handle(msg, wire.EncodeInvocationBadge(proc.PID))

	reply, _, err := k.Recv(proc.InvocationEP)
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if reply.Label != int32(wire.LabelNoError) {
		t.Fatalf("reply.Label = %d, want LabelNoError", reply.Label)
	}
	if len(reply.Args) != 1 || reply.Args[0] != 0 {
		t.Fatalf("reply.Args = %v, want [0] (first handle index)", reply.Args)
	}
}

func TestHandleInvocationUnknownProcessIsIgnored(t *testing.T) {
	core, _ := newTestCore(t, nil)
	msg := kernel.Message{Label: int32(wire.InvWindowCreate), Args: []uint64{0, 0x1000, 0}}
	// pid 5 was never spawned; this must log and return, not panic.
	core.handle(msg, wire.EncodeInvocationBadge(5))
}

func TestHandleInvocationInvalidLabelEncodesErrorReply(t *testing.T) {
	core, k := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")

	msg := kernel.Message{Label: 999}
	core.handle(msg, wire.EncodeInvocationBadge(proc.PID))

	reply, _, err := k.Recv(proc.InvocationEP)
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if reply.Label != int32(wire.LabelInvalidInvocation) {
		t.Fatalf("reply.Label = %d, want LabelInvalidInvocation", reply.Label)
	}
	if len(reply.Args) != 1 || reply.Args[0] != uint64(wire.LabelInvalidInvocation) {
		t.Fatalf("reply.Args = %v, want [LabelInvalidInvocation]", reply.Args)
	}
}

func TestHandleFaultResolvesAndMapsPage(t *testing.T) {
	core, k := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")

	w, werr := core.vm.CreateWindow(proc, 0x600000, 0x1000)
	if werr != nil {
		t.Fatalf("CreateWindow: %v", werr)
	}
	obj := vspace.NewObject(0x1000, vspace.ObjRights{})
	if _, werr := core.vm.CreateView(w, obj, 0, 0, 0x1000, kernel.RightsAll()); werr != nil {
		t.Fatalf("CreateView: %v", werr)
	}

	core.handle(kernel.Message{Args: []uint64{uint64(w.Start)}}, wire.EncodeFaultBadge(proc.PID))

	if _, ok := k.Lookup(proc.VSpace, w.Start); !ok {
		t.Fatal("expected the fault to have mapped a page into the process's vspace")
	}
}

func TestHandleFaultFromUnknownProcessIsIgnored(t *testing.T) {
	core, _ := newTestCore(t, nil)
	core.handle(kernel.Message{Args: []uint64{0x1000}}, wire.EncodeFaultBadge(99))
}

func TestHandleFaultMissingAddressIsIgnored(t *testing.T) {
	core, _ := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")
	core.handle(kernel.Message{}, wire.EncodeFaultBadge(proc.PID))
}

func TestHandleRoutesNotificationToDispatch(t *testing.T) {
	core, _ := newTestCore(t, nil)
	var gotIRQ int
	_, bit, err := core.ntfn.RegisterIRQ(7, true, func(irq int, handler kernel.Cap) { gotIRQ = irq })
	if err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	core.handle(kernel.Message{}, wire.EncodeNotificationBadge(uint64(1)<<uint(bit)))
	if gotIRQ != 7 {
		t.Fatalf("gotIRQ = %d, want 7", gotIRQ)
	}
}

func TestHandleCapInvocationObjStatRoutesByResource(t *testing.T) {
	core, k := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")

	obj := vspace.NewObject(0x2000, vspace.ObjRights{Eager: true})
	idx, rootCap, err := core.procs.Caps().Allocate()
	if err != nil {
		t.Fatalf("Caps().Allocate: %v", err)
	}
	_ = rootCap
	if err := core.procs.Caps().Set(idx, obj); err != nil {
		t.Fatalf("Caps().Set: %v", err)
	}

	msg := kernel.Message{Label: int32(wire.InvObjStat), Args: []uint64{proc.PID}}
	core.handle(msg, uint64(idx)|wire.HandleCapBadgeTag)

	reply, _, err := k.Recv(proc.InvocationEP)
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if reply.Label != int32(wire.LabelNoError) {
		t.Fatalf("reply.Label = %d, want LabelNoError", reply.Label)
	}
	if len(reply.Args) != 2 || reply.Args[0] != 0x2000 || reply.Args[1] != 4 {
		t.Fatalf("reply.Args = %v, want [0x2000, 4]", reply.Args)
	}
}

func TestHandleCapInvocationUnknownSlotIsIgnored(t *testing.T) {
	core, _ := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")
	msg := kernel.Message{Label: int32(wire.InvObjStat), Args: []uint64{proc.PID}}
	core.handle(msg, 999|wire.HandleCapBadgeTag)
}

func TestHandleCapInvocationUnsupportedLabelRepliesWithError(t *testing.T) {
	core, k := newTestCore(t, map[string][]byte{"init": minimalImage()})
	proc := spawnProc(t, core, "init")

	obj := vspace.NewObject(0x1000, vspace.ObjRights{})
	idx, _, err := core.procs.Caps().Allocate()
	if err != nil {
		t.Fatalf("Caps().Allocate: %v", err)
	}
	if err := core.procs.Caps().Set(idx, obj); err != nil {
		t.Fatalf("Caps().Set: %v", err)
	}

	msg := kernel.Message{Label: int32(wire.InvWindowCreate), Args: []uint64{proc.PID}}
	core.handle(msg, uint64(idx)|wire.HandleCapBadgeTag)

	reply, _, err := k.Recv(proc.InvocationEP)
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if reply.Label != int32(wire.LabelUnsupportedInvocation) {
		t.Fatalf("reply.Label = %d, want LabelUnsupportedInvocation", reply.Label)
	}
}
