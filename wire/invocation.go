package wire

// Invocation enumerates the ~30 core invocations spec.md §6 lists.
type Invocation int32

const (
	InvWindowCreate Invocation = iota
	InvWindowDestroy
	InvWindowRegister
	InvWindowDeregister
	InvObjCreate
	InvObjOpen
	InvObjClose
	InvObjDestroy
	InvObjStat
	InvView
	InvUnview
	InvPageMap
	InvConnCreate
	InvConnDestroy
	InvConnPublish
	InvConnOpen
	InvConnClose
	InvConnRegister
	InvConnDeregister
	InvProcSpawn
	InvReplyCreate
	InvIRQRegister
	InvChannelCreate
	InvChannelOpen
)

func (i Invocation) Valid() bool { return i >= InvWindowCreate && i <= InvChannelOpen }

// Message is the positional in-message layout spec.md §6 describes:
// label, msg_regs[], extra_caps/caps[], plus an optional shared-buffer
// slice for variable-length arguments such as names (populated by the
// dispatcher when the invoking connection opened with a shared buffer).
type Message struct {
	Label  Invocation
	Args   []uint64
	Caps   []uint64 // kernel.Cap, kept untyped here to avoid a wire->kernel import
	Buffer []byte
}

// Arg returns Args[i], or (0, false) if the message is too short —
// callers turn that into ErrNotEnoughArgs.
func (m Message) Arg(i int) (uint64, bool) {
	if i < 0 || i >= len(m.Args) {
		return 0, false
	}
	return m.Args[i], true
}

// RequireArgs returns ErrNotEnoughArgs if fewer than n args are present.
func (m Message) RequireArgs(n int) Error {
	if len(m.Args) < n {
		return ErrNotEnoughArgs(n, len(m.Args))
	}
	return nil
}

// RequireCaps returns ErrNotEnoughCaps if fewer than n caps are present.
func (m Message) RequireCaps(n int) Error {
	if len(m.Caps) < n {
		return ErrNotEnoughCaps(n, len(m.Caps))
	}
	return nil
}
