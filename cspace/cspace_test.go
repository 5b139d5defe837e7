package cspace

import (
	"testing"

	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/ut"
)

func newTestCSpace(t *testing.T, topBits, botBits uint) (*CSpace, *kernel.Sim) {
	t.Helper()
	k := kernel.NewSim()
	u := ut.New(k)
	u.AddUntyped(ut.Region{SizeBits: 32})
	root := kernel.Cap(1)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: topBits + botBits}, kernel.ObjCNode, topBits+botBits, root); err != nil {
		t.Fatalf("bootstrap root cnode: %v", err)
	}
	cs, err := New(k, u, root, topBits, botBits)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cs, k
}

func TestAllocSlotReturnsDistinctSlots(t *testing.T) {
	cs, _ := newTestCSpace(t, 2, 4)
	seen := make(map[kernel.Cap]bool)
	for i := 0; i < 20; i++ {
		slot, err := cs.AllocSlot()
		if err != nil {
			t.Fatalf("AllocSlot #%d: %v", i, err)
		}
		if seen[slot] {
			t.Fatalf("AllocSlot returned duplicate slot %d on iteration %d", slot, i)
		}
		seen[slot] = true
	}
}

func TestAllocFreeReuseChurn(t *testing.T) {
	cs, _ := newTestCSpace(t, 2, 4)
	var slots []kernel.Cap
	for i := 0; i < 8; i++ {
		s, err := cs.AllocSlot()
		if err != nil {
			t.Fatalf("AllocSlot: %v", err)
		}
		slots = append(slots, s)
	}
	for _, s := range slots {
		if err := cs.FreeSlot(s, false); err != nil {
			t.Fatalf("FreeSlot(%d): %v", s, err)
		}
	}
	// Churn through many more rounds than the CSpace's raw slot budget
	// would allow if frees didn't actually return slots to circulation.
	for round := 0; round < 50; round++ {
		s, err := cs.AllocSlot()
		if err != nil {
			t.Fatalf("round %d: AllocSlot after reuse should succeed: %v", round, err)
		}
		if err := cs.FreeSlot(s, false); err != nil {
			t.Fatalf("round %d: FreeSlot: %v", round, err)
		}
	}
}

func TestAllocSlotExhaustsAndReportsFull(t *testing.T) {
	cs, _ := newTestCSpace(t, 1, 2) // 2 top entries * 4 slots, minus a couple consumed materializing bottom CNodes
	var gotErr error
	for i := 0; i < 32 && gotErr == nil; i++ {
		_, gotErr = cs.AllocSlot()
	}
	if gotErr == nil {
		t.Fatal("expected ErrCSpaceFull well before 32 allocations on an 8-slot CSpace")
	}
	if _, err := cs.AllocSlot(); err == nil {
		t.Fatal("CSpace should stay full on a subsequent call")
	}
}

func TestMintCopyRevokeDelete(t *testing.T) {
	cs, k := newTestCSpace(t, 2, 4)
	srcSlot, err := cs.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 12}, kernel.ObjEndpoint, 0, srcSlot); err != nil {
		t.Fatalf("RetypeUntyped: %v", err)
	}

	destSlot, err := cs.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if err := cs.Mint(srcSlot, destSlot, 0xABCD, kernel.RightsAll()); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	copySlot, err := cs.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if err := cs.Copy(srcSlot, copySlot, kernel.RightsNone()); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if err := cs.Revoke(srcSlot); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := cs.Delete(destSlot); err == nil {
		t.Fatal("destSlot should already have been torn down by Revoke")
	}
	if err := cs.Delete(srcSlot); err != nil {
		t.Fatalf("root slot should survive Revoke: %v", err)
	}
}
