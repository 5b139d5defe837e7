package conn

import (
	"testing"

	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/notify"
)

type fakeNtfnDispatch struct {
	k    *kernel.Sim
	next int
}

func (f *fakeNtfnDispatch) RegisterUser() (int, kernel.Cap, error) {
	f.next++
	ntfn := kernel.Cap(1000 + f.next)
	if err := f.k.RetypeUntyped(kernel.UntypedRegion{SizeBits: 12}, kernel.ObjNotification, 0, ntfn); err != nil {
		return 0, 0, err
	}
	return f.next, ntfn, nil
}

func newTestServer(t *testing.T, name string) *Server {
	t.Helper()
	k := kernel.NewSim()
	srv, err := Create(name, kernel.Cap(42), &fakeNtfnDispatch{k: k}, 8, k)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return srv
}

func TestRegistryPublishLookupUnpublish(t *testing.T) {
	r := NewRegistry()
	srv := newTestServer(t, "block0")

	if err := r.Publish("block0", srv); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, ok := r.Lookup("block0")
	if !ok || got != srv {
		t.Fatal("Lookup should return the published server")
	}

	if err := r.Publish("block0", srv); err == nil {
		t.Fatal("expected an error publishing a duplicate name")
	}

	if err := r.Unpublish("block0"); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if _, ok := r.Lookup("block0"); ok {
		t.Fatal("expected the name to be gone after Unpublish")
	}
	if err := r.Unpublish("block0"); err == nil {
		t.Fatal("expected an error unpublishing an already-removed name")
	}
}

func TestServerOpenRejectsDoubleOpen(t *testing.T) {
	srv := newTestServer(t, "net0")
	if _, err := srv.Open(7); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !srv.IsOpen(7) {
		t.Fatal("IsOpen should report true after Open")
	}
	if _, err := srv.Open(7); err == nil {
		t.Fatal("expected an error re-opening an already-open client")
	}
}

func TestServerCloseOnUnopenedClient(t *testing.T) {
	srv := newTestServer(t, "serial0")
	if err := srv.Close(99); err == nil {
		t.Fatal("expected an error closing a connection that was never opened")
	}
	if srv.IsOpen(99) {
		t.Fatal("IsOpen should report false for a client that never opened")
	}
}

func TestServerOpenCloseThenReopen(t *testing.T) {
	srv := newTestServer(t, "timer0")
	if _, err := srv.Open(1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := srv.Close(1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if srv.IsOpen(1) {
		t.Fatal("IsOpen should report false after Close")
	}
	if _, err := srv.Open(1); err != nil {
		t.Fatalf("re-Open after Close should succeed: %v", err)
	}
}

func TestRegisterDeregisterMirrorsOpenClose(t *testing.T) {
	srv := newTestServer(t, "fs0")
	reg, err := srv.Register(5)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ClientID != 5 || reg.Server != srv {
		t.Fatalf("got %+v", reg)
	}
	if !srv.IsOpen(5) {
		t.Fatal("Register should open the connection")
	}
	if err := srv.Deregister(5); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if srv.IsOpen(5) {
		t.Fatal("Deregister should close the connection")
	}
}

func TestNotifyVMFaultAndWindowDestroyEnqueueRecords(t *testing.T) {
	srv := newTestServer(t, "gpu0")
	if err := srv.NotifyVMFault(3, 0x1000, 0x2000); err != nil {
		t.Fatalf("NotifyVMFault: %v", err)
	}
	rec, ok := srv.Ring().Dequeue()
	if !ok {
		t.Fatal("expected a queued record")
	}
	if rec.Label != notify.LabelVMFault || rec.Data0 != 3 || rec.Data1 != 0x1000 || rec.Data2 != 0x2000 {
		t.Fatalf("got %+v", rec)
	}

	if err := srv.NotifyWindowDestroy(3, 0x1000); err != nil {
		t.Fatalf("NotifyWindowDestroy: %v", err)
	}
	rec2, ok := srv.Ring().Dequeue()
	if !ok || rec2.Label != notify.LabelWindowDestroy {
		t.Fatalf("got (%+v, %v)", rec2, ok)
	}
}
