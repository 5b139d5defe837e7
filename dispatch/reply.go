package dispatch

import (
	"github.com/sel4rt/rootserver/handle"
	"github.com/sel4rt/rootserver/kernel"
)

// ReplyHandle wraps a parked reply capability as a first-class handle
// (spec.md §6 ReplyCreate, SPEC_FULL.md supplemented feature #2): a
// process can hold a reply capability across invocations instead of it
// only ever existing implicitly inside the dispatch loop.
type ReplyHandle struct {
	Cap kernel.Cap
}

func (r *ReplyHandle) HandleKind() handle.Kind { return handle.KindReply }
