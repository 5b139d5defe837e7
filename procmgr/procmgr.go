// Package procmgr implements process spawning and per-process window
// bookkeeping (spec.md §4.7 ProcSpawn and the process table).
//
// Grounded on original_source/crates/root_server/src/proc.rs
// (start_process's VSpace -> ASID-assign -> user CSpace -> IPC-buffer
// frame -> badged endpoint -> self-referential CNode cap -> TCB ->
// TCB-configure pipeline, each step's error path unwinding every prior
// step) and on the teacher's background-goroutine supervision via
// golang.org/x/sync/errgroup. Where the thesis implementation rolls
// back by hand at every `?`, this package collects an explicit stack
// of rollback closures and unwinds it on first error — the same
// many-fallible-steps shape, expressed the way Go handles it.
package procmgr

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
	"github.com/sel4rt/rootserver/vspace"
	"github.com/sel4rt/rootserver/wire"
)

// MaxProcs bounds the process table the way proc.rs's MAX_PROCS does.
const MaxProcs = 64

// DefaultStackPages mirrors USER_DEFAULT_STACK_PAGES.
const DefaultStackPages = 16

// Fixed per-process virtual addresses for the two root-server-mapped
// regions every spawned process gets outside its ELF image: the IPC
// buffer page and the default stack, both placed well above any
// plausible ELF load address (spec.md §4.7 steps 4 and 9).
const (
	ipcBufferVAddr = 0x7000_0000
	stackTopVAddr  = 0x8000_0000
)

// ImageReader reads an ELF image by name from wherever the boot file
// server keeps it. Backed by afero.Fs so tests substitute
// afero.NewMemMapFs() for a real image store without touching the
// spawn pipeline (SPEC_FULL.md domain-stack wiring).
type ImageReader interface {
	ReadImage(name string) ([]byte, error)
}

// AferoImageReader adapts an afero.Fs rooted at some boot-image
// directory to ImageReader.
type AferoImageReader struct {
	FS   afero.Fs
	Root string
}

func (a AferoImageReader) ReadImage(name string) ([]byte, error) {
	return afero.ReadFile(a.FS, a.Root+"/"+name)
}

// Process is one spawned process's root-server-side state: its
// kernel objects, its handle/handle-cap tables, and the windows carved
// out of its address space (spec.md §3 "Process").
type Process struct {
	PID uint64

	TCB    kernel.Cap
	VSpace kernel.Cap
	CSpace *cspace.CSpace
	FaultEP kernel.Cap
	InvocationEP kernel.Cap

	IPCBufferFrame frame.Ref
	StackFrames    []frame.Ref

	Handles *handle.Table
	Caps    *handle.CapTable

	windows []*vspace.Window
}

func (p *Process) HandleKind() handle.Kind { return handle.KindProcess }

// Windows, AddWindow, RemoveWindow, OverlappingWindow, and
// WindowContaining implement vspace.ProcessWindows.
func (p *Process) Windows() []*vspace.Window { return p.windows }

// Owner implements vspace.ProcessWindows: a process owns its own windows.
func (p *Process) Owner() uint64 { return p.PID }

func (p *Process) AddWindow(w *vspace.Window) { p.windows = append(p.windows, w) }

func (p *Process) RemoveWindow(w *vspace.Window) bool {
	for i, x := range p.windows {
		if x == w {
			p.windows = append(p.windows[:i], p.windows[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Process) OverlappingWindow(start, size uintptr) *vspace.Window {
	cand := &vspace.Window{Start: start, Size: size}
	for _, w := range p.windows {
		if w.Overlaps(cand) {
			return w
		}
	}
	return nil
}

func (p *Process) WindowContaining(addr uintptr) *vspace.Window {
	for _, w := range p.windows {
		if addr >= w.Start && addr < w.End() {
			return w
		}
	}
	return nil
}

var _ vspace.ProcessWindows = (*Process)(nil)

// Manager owns the process table and the resources a spawn allocates
// from (spec.md §4.7).
type Manager struct {
	k      kernel.Syscall
	cs     *cspace.CSpace
	ut     *ut.Table
	frames *frame.Table
	images ImageReader

	invokeEP kernel.Cap // shared endpoint every process's badged copy targets

	// caps is the single system-wide handle-capability table (spec.md §3
	// "Handle capability": "a system-wide sparse slot", §4.5 "a
	// process-global array"). Every spawned process shares this one
	// instance rather than getting its own — a badge names a slot in
	// *this* table regardless of which process presents it, which is the
	// whole point of a handle-cap being transferable between processes.
	caps *handle.CapTable

	procs      [MaxProcs]*Process
	maxHandles int
}

func NewManager(k kernel.Syscall, cs *cspace.CSpace, u *ut.Table, ft *frame.Table, images ImageReader, invokeEP kernel.Cap, maxHandles, maxHandleCaps int) (*Manager, error) {
	caps, err := handle.NewCapTable(cs, invokeEP, maxHandleCaps)
	if err != nil {
		return nil, fmt.Errorf("procmgr: bootstrap handle-cap table: %w", err)
	}
	return &Manager{
		k: k, cs: cs, ut: u, frames: ft, images: images,
		invokeEP:   invokeEP,
		caps:       caps,
		maxHandles: maxHandles,
	}, nil
}

// Caps returns the system-wide handle-capability table, for handlers
// that resolve or mint a handle-cap (ObjStat-by-cap, ChannelOpen, the
// want_cap branch of *Create invocations).
func (m *Manager) Caps() *handle.CapTable { return m.caps }

func (m *Manager) findFreePID() (uint64, error) {
	for i, p := range m.procs {
		if p == nil {
			return uint64(i), nil
		}
	}
	return 0, fmt.Errorf("procmgr: process table full")
}

// rollbackStack collects cleanup closures in allocation order and runs
// them in reverse on Unwind, matching start_process's step-by-step
// error-path teardown without hand-duplicating it at every return.
type rollbackStack struct {
	fns []func()
}

func (r *rollbackStack) push(fn func()) { r.fns = append(r.fns, fn) }

func (r *rollbackStack) unwind() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
}

// Spawn implements ProcSpawn (spec.md §4.7): creates a VSpace, a
// two-level user CSpace (cspace.New with 2^4 top-level entries), an
// IPC-buffer frame, a badged invocation
// endpoint, a fault endpoint, a TCB configured to run the named ELF
// image's entry point, and a default stack — rolling every step back
// on the first failure.
func (m *Manager) Spawn(ctx context.Context, name string) (*Process, wire.Error) {
	pid, err := m.findFreePID()
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}

	rb := &rollbackStack{}
	defer func() {
		if rb != nil {
			rb.unwind()
		}
	}()

	const procTopBits = 4

	vspaceCap, err := m.retypeOne(kernel.ObjVSpace, 0, rb)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}

	rootCNode, err := m.retypeOne(kernel.ObjCNode, procTopBits, rb)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}

	procCS, err := cspace.New(m.k, m.ut, rootCNode, procTopBits, cspace.BotLvlBits)
	if err != nil {
		return nil, wire.ErrCSpaceFull()
	}

	ipcRef, err := m.frames.AllocFrame()
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}
	rb.push(func() { m.frames.FreeFrame(ipcRef) })
	if err := m.k.MapPage(vspaceCap, m.frames.Cap(ipcRef), ipcBufferVAddr, kernel.Rights{Read: true, Write: true}); err != nil {
		return nil, wire.ErrServer(err)
	}

	invokeSlot, err := procCS.AllocSlot()
	if err != nil {
		return nil, wire.ErrCSpaceFull()
	}
	if err := m.cs.Mint(m.invokeEP, invokeSlot, wire.EncodeInvocationBadge(pid), kernel.RightsAll()); err != nil {
		return nil, wire.ErrServer(err)
	}
	rb.push(func() { _ = procCS.FreeSlot(invokeSlot, true) })

	faultSlot, err := procCS.AllocSlot()
	if err != nil {
		return nil, wire.ErrCSpaceFull()
	}
	if err := m.cs.Mint(m.invokeEP, faultSlot, wire.EncodeFaultBadge(pid), kernel.RightsAll()); err != nil {
		return nil, wire.ErrServer(err)
	}
	rb.push(func() { _ = procCS.FreeSlot(faultSlot, true) })

	tcbCap, err := m.retypeOne(kernel.ObjTCB, 0, rb)
	if err != nil {
		return nil, wire.ErrInsufficientResources()
	}

	if err := m.k.ConfigureTCB(tcbCap, procCS.Root(), vspaceCap, ipcBufferVAddr); err != nil {
		return nil, wire.ErrServer(err)
	}

	// Each stack page's frame allocation and mapping is independent of
	// every other page, so the pipeline fans them out under errgroup
	// (via WaitAll) instead of a strictly sequential loop; each task
	// only ever touches its own index of stackRefs/pageOK, so the
	// concurrent writes never share a memory location.
	stackRefs := make([]frame.Ref, DefaultStackPages)
	pageOK := make([]bool, DefaultStackPages)
	tasks := make([]func(context.Context) error, DefaultStackPages)
	for i := 0; i < DefaultStackPages; i++ {
		i := i
		tasks[i] = func(context.Context) error {
			ref, err := m.frames.AllocFrame()
			if err != nil {
				return fmt.Errorf("procmgr: alloc stack frame: %w", err)
			}
			stackRefs[i] = ref
			pageOK[i] = true
			vaddr := uintptr(stackTopVAddr) - uintptr(DefaultStackPages-i)*mem.PageSize
			if err := m.k.MapPage(vspaceCap, m.frames.Cap(ref), vaddr, kernel.Rights{Read: true, Write: true}); err != nil {
				return fmt.Errorf("procmgr: map stack frame: %w", err)
			}
			return nil
		}
	}
	if err := m.WaitAll(ctx, tasks...); err != nil {
		for i, ok := range pageOK {
			if ok {
				m.frames.FreeFrame(stackRefs[i])
			}
		}
		return nil, wire.ErrServer(err)
	}
	for i, ok := range pageOK {
		if ok {
			refCopy := stackRefs[i]
			rb.push(func() { m.frames.FreeFrame(refCopy) })
		}
	}

	img, ioErr := m.images.ReadImage(name)
	if ioErr != nil {
		return nil, wire.ErrServer(fmt.Errorf("procmgr: read image %q: %w", name, ioErr))
	}
	entry, loadErr := loadELF(ctx, img, m.frames, m.k, vspaceCap)
	if loadErr != nil {
		return nil, wire.ErrServer(loadErr)
	}

	if err := m.k.WriteRegisters(tcbCap, entry, stackTopVAddr); err != nil {
		return nil, wire.ErrServer(err)
	}

	proc := &Process{
		PID: pid, TCB: tcbCap, VSpace: vspaceCap, CSpace: procCS,
		FaultEP: faultSlot, InvocationEP: invokeSlot,
		IPCBufferFrame: ipcRef, StackFrames: stackRefs,
		Handles: handle.NewTable(m.maxHandles),
		Caps:    m.caps,
	}

	if err := m.k.Resume(tcbCap); err != nil {
		return nil, wire.ErrServer(err)
	}

	m.procs[pid] = proc
	rb = nil // commit: nothing left to unwind
	return proc, nil
}

func (m *Manager) retypeOne(kind kernel.ObjectKind, sizeBits uint, rb *rollbackStack) (kernel.Cap, error) {
	region, err := m.ut.Alloc(mem.PageBits)
	if err != nil {
		return 0, err
	}
	slot, err := m.cs.AllocSlot()
	if err != nil {
		m.ut.Free(region)
		return 0, err
	}
	if err := m.cs.UntypedRetype(region, kind, sizeBits, slot); err != nil {
		m.ut.Free(region)
		return 0, err
	}
	rb.push(func() { _ = m.cs.FreeSlot(slot, true) })
	return slot, nil
}

// Destroy tears a process down: suspends its TCB, frees its stack and
// IPC-buffer frames, and clears its process-table slot (spec.md §4.7,
// the symmetric teardown start_process's comment notes is missing).
// Its TCB, VSpace, CNode and endpoint capabilities are not deleted and
// their slots are not freed.
func (m *Manager) Destroy(p *Process) error {
	_ = m.k.Suspend(p.TCB)
	for _, ref := range p.StackFrames {
		m.frames.FreeFrame(ref)
	}
	m.frames.FreeFrame(p.IPCBufferFrame)
	m.procs[p.PID] = nil
	return nil
}

// Get returns the process with the given pid, if any.
func (m *Manager) Get(pid uint64) (*Process, bool) {
	if pid >= MaxProcs {
		return nil, false
	}
	p := m.procs[pid]
	return p, p != nil
}

// WaitAll is the supervised join point Spawn fans its per-stack-page
// allocate+map tasks out to: every task runs concurrently, and the
// first error cancels gctx and is returned once every goroutine has
// exited, matching the teacher's own background-goroutine supervision
// via golang.org/x/sync/errgroup.
func (m *Manager) WaitAll(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}
	return g.Wait()
}
