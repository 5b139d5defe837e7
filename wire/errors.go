// Package wire defines the client/server IPC protocol fabric the root
// server (and any published server) speaks: invocation labels, badge
// encoding, and the error taxonomy of spec.md §6/§7.
//
// Grounded on original_source/crates/smos-common/src/error.rs and
// invocations.rs, and on the teacher's approach to protocol errors: raw
// FUSE status codes (fuse.Status in the teacher) are a small closed
// enum encoded into the reply header, and so is an Error's label
// (spec.md §7). Only the label is encoded: an argument index or
// expected/actual counts appear in the Error() text alone.
package wire

import "fmt"

// Error is the sum type every handler in this repo returns on failure.
// Only Error crosses the wire; internal plumbing errors are wrapped
// with fmt.Errorf and never reach a client.
type Error interface {
	error
	// Label returns the reply label this error encodes to (spec.md §7).
	Label() int32
}

type baseErr struct {
	label int32
	msg   string
}

func (e baseErr) Error() string { return e.msg }
func (e baseErr) Label() int32  { return e.label }

// Reply labels, matching InvocationErrorLabel in
// original_source/crates/smos-common/src/error.rs, extended with the
// additional kinds spec.md §7 names that the thesis source left as
// todo!().
const (
	LabelNoError = int32(iota)
	LabelInvalidInvocation
	LabelNotEnoughArgs
	LabelNotEnoughCaps
	LabelInvalidType
	LabelInvalidArguments
	LabelInvalidHandle
	LabelInvalidHandleCapability
	LabelAlignmentError
	LabelOutOfHandles
	LabelOutOfHandleCaps
	LabelCSpaceFull
	LabelInsufficientResources
	LabelBufferTooLarge
	LabelDataBufferNotSet
	LabelUnsupportedInvocation
	LabelServerError
)

func ErrInvalidInvocation() Error {
	return baseErr{LabelInvalidInvocation, "invalid invocation"}
}

func ErrNotEnoughArgs(expected, actual int) Error {
	return baseErr{LabelNotEnoughArgs, fmt.Sprintf("not enough args: expected %d, got %d", expected, actual)}
}

func ErrNotEnoughCaps(expected, actual int) Error {
	return baseErr{LabelNotEnoughCaps, fmt.Sprintf("not enough caps: expected %d, got %d", expected, actual)}
}

func ErrInvalidType(whichArg int) Error {
	return baseErr{LabelInvalidType, fmt.Sprintf("invalid type for arg %d", whichArg)}
}

func ErrInvalidArguments() Error {
	return baseErr{LabelInvalidArguments, "invalid arguments"}
}

func ErrInvalidHandle(whichArg int) Error {
	return baseErr{LabelInvalidHandle, fmt.Sprintf("invalid handle for arg %d", whichArg)}
}

func ErrInvalidHandleCapability(whichArg int) Error {
	return baseErr{LabelInvalidHandleCapability, fmt.Sprintf("invalid handle capability for arg %d", whichArg)}
}

func ErrAlignmentError(whichArg int) Error {
	return baseErr{LabelAlignmentError, fmt.Sprintf("alignment error for arg %d", whichArg)}
}

func ErrOutOfHandles() Error { return baseErr{LabelOutOfHandles, "out of handles"} }

func ErrOutOfHandleCaps() Error { return baseErr{LabelOutOfHandleCaps, "out of handle capabilities"} }

func ErrCSpaceFull() Error { return baseErr{LabelCSpaceFull, "cspace full"} }

func ErrInsufficientResources() Error {
	return baseErr{LabelInsufficientResources, "insufficient resources"}
}

func ErrBufferTooLarge() Error { return baseErr{LabelBufferTooLarge, "buffer too large"} }

func ErrDataBufferNotSet() Error { return baseErr{LabelDataBufferNotSet, "data buffer not set"} }

func ErrUnsupportedInvocation(label int32) Error {
	return baseErr{LabelUnsupportedInvocation, fmt.Sprintf("unsupported invocation %d", label)}
}

func ErrServer(cause error) Error {
	return baseErr{LabelServerError, fmt.Sprintf("server error: %v", cause)}
}
