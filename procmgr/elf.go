package procmgr

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
)

// loadELF maps every PT_LOAD segment of img into vspace, copying file
// bytes into freshly allocated frames and zero-filling the rest,
// matching original_source/crates/root_server/src/elf_load.rs's
// load_segment_into_vspace one page at a time. It uses the standard
// library's debug/elf rather than a third-party parser: no ELF parsing
// library appears anywhere in the retrieval pack, and debug/elf is a
// complete, dependency-free fit for read-only program-header iteration
// (see DESIGN.md).
//
// Segments load concurrently under an errgroup.Group: each PT_LOAD
// program header touches disjoint virtual address ranges, so there is
// no ordering dependency between them, only a shared frame.Table and
// kernel.Syscall both already safe for concurrent use (frame.Table's
// own mutex, kernel.Sim's).
func loadELF(ctx context.Context, img []byte, ft *frame.Table, k kernel.Syscall, vspace kernel.Cap) (entry uintptr, err error) {
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return 0, fmt.Errorf("procmgr: parse elf: %w", err)
	}
	defer f.Close()

	g, _ := errgroup.WithContext(ctx)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		prog := prog
		g.Go(func() error { return loadSegment(prog, ft, k, vspace) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return uintptr(f.Entry), nil
}

func loadSegment(prog *elf.Prog, ft *frame.Table, k kernel.Syscall, vspace kernel.Cap) error {
	data := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(data, 0); err != nil && prog.Filesz > 0 {
		return fmt.Errorf("procmgr: read segment data: %w", err)
	}

	rights := kernel.Rights{Read: true}
	if prog.Flags&elf.PF_W != 0 {
		rights.Write = true
	}

	base := mem.RoundDown(uintptr(prog.Vaddr), mem.PageSize)
	end := mem.RoundUp(uintptr(prog.Vaddr)+uintptr(prog.Memsz), mem.PageSize)

	for vaddr := base; vaddr < end; vaddr += mem.PageSize {
		ref, err := ft.AllocFrame()
		if err != nil {
			return fmt.Errorf("procmgr: alloc frame for segment: %w", err)
		}
		page := ft.Data(ref)
		for i := range page {
			page[i] = 0
		}

		segOffset := int(vaddr) - int(base)
		copyInto(page, data, segOffset, int(prog.Vaddr)-int(base))

		if err := k.MapPage(vspace, ft.Cap(ref), vaddr, rights); err != nil {
			return fmt.Errorf("procmgr: map segment page: %w", err)
		}
	}
	return nil
}

// copyInto copies the slice of data that overlaps [segOffset,
// segOffset+PageSize) given the segment's data starts vaddrSkew bytes
// into the first page, into page.
func copyInto(page, data []byte, segOffset, vaddrSkew int) {
	pageStart := segOffset - vaddrSkew
	for i := 0; i < len(page); i++ {
		srcIdx := pageStart + i
		if srcIdx < 0 || srcIdx >= len(data) {
			continue
		}
		page[i] = data[srcIdx]
	}
}
