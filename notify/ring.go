package notify

import "fmt"

// NotificationLabel discriminates the fixed-size records a RingBuffer
// carries (spec.md §6; original_source/crates/smos-server/src/
// ntfn_buffer.rs NotificationLabel).
type NotificationLabel uint64

const (
	LabelVMFault NotificationLabel = iota
	LabelWindowDestroy
)

// Record is the fixed-width payload a RingBuffer slot holds — four
// machine words, matching NtfnBufferData's {label, data0, data1,
// data2} layout so every notification kind fits one slot regardless of
// which fields it actually uses.
type Record struct {
	Label NotificationLabel
	Data0 uint64
	Data1 uint64
	Data2 uint64
}

// VMFaultNotification decodes a Record carrying LabelVMFault: a
// managing server's window was faulted into at faultOffset on behalf
// of clientID's reference (spec.md §4.6 handle_vm_fault, externally
// managed branch).
type VMFaultNotification struct {
	ClientID    uint64
	Reference   uint64
	FaultOffset uint64
}

func (n VMFaultNotification) Record() Record {
	return Record{Label: LabelVMFault, Data0: n.ClientID, Data1: n.Reference, Data2: n.FaultOffset}
}

// WindowDestroyNotification decodes a Record carrying
// LabelWindowDestroy (spec.md §4.6 handle_window_destroy, externally
// managed branch).
type WindowDestroyNotification struct {
	ClientID  uint64
	Reference uint64
}

func (n WindowDestroyNotification) Record() Record {
	return Record{Label: LabelWindowDestroy, Data0: n.ClientID, Data1: n.Reference}
}

// Decode turns a raw Record back into its concrete notification type.
func Decode(r Record) (interface{}, error) {
	switch r.Label {
	case LabelVMFault:
		return VMFaultNotification{ClientID: r.Data0, Reference: r.Data1, FaultOffset: r.Data2}, nil
	case LabelWindowDestroy:
		return WindowDestroyNotification{ClientID: r.Data0, Reference: r.Data1}, nil
	default:
		return nil, fmt.Errorf("notify: unknown record label %d", r.Label)
	}
}

// RingBuffer is a single-producer/single-consumer queue of Records
// shared between the root server and a managing server's own
// dispatch loop, carrying the exact head/tail commit discipline of
// original_source/crates/smos-server/src/ntfn_buffer.rs:
// enqueue_and_commit writes the slot and only then advances head;
// dequeue reads up to the producer's committed head and advances its
// own tail. In production this backing slice would be a window shared
// between the two address spaces; here it's plain Go memory, since the
// commit protocol — not the cross-address-space mapping — is what
// spec.md's supplemented feature calls out.
type RingBuffer struct {
	slots []Record
	head  int // next free slot / committed-write boundary
	tail  int // next slot the consumer will read
}

// NewRingBuffer allocates a RingBuffer with capacity slots.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{slots: make([]Record, capacity)}
}

func (rb *RingBuffer) len() int {
	return rb.head - rb.tail
}

// Enqueue writes rec into the next free slot and commits it by
// advancing head, matching enqueue_and_commit's single-writer
// discipline. Returns an error if the buffer is full.
func (rb *RingBuffer) Enqueue(rec Record) error {
	if rb.len() >= len(rb.slots) {
		return fmt.Errorf("notify: ring buffer full")
	}
	rb.slots[rb.head%len(rb.slots)] = rec
	rb.head++
	return nil
}

// Dequeue reads the oldest uncommitted-to-the-consumer record and
// advances tail, or reports ok=false if the consumer has caught up to
// the producer's committed head.
func (rb *RingBuffer) Dequeue() (rec Record, ok bool) {
	if rb.tail >= rb.head {
		return Record{}, false
	}
	rec = rb.slots[rb.tail%len(rb.slots)]
	rb.tail++
	return rec, true
}
