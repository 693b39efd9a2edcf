// Package poa implements the Portable Object Adapter of spec.md §3/§4.6:
// a bounded, policy-governed object table that owns servants and mints
// ObjectIds, using a generation-counter free-list so a stale reference
// resolves to ObjectNotExist rather than a wrong-but-live servant.
//
// The generation-checked-handle shape is grounded on the teacher's
// core/lif.go LIF/LOM pattern: a lightweight {Uname, BID} handle that
// only resolves back to a live LOM if its BID still matches the live
// bucket's BID — exactly the slot+generation check spec.md §3 requires.
package poa

import (
	"github.com/nikitapn/nprpc-go"
)

// Servant is the user-provided object implementing an interface; it
// holds no network state (spec.md GLOSSARY). Dispatch unmarshals
// arguments directly from ctx.Rx and marshals the result into ctx.Tx —
// spec.md §9: "all other polymorphism is gone after code generation."
type Servant interface {
	ClassId() string
	Dispatch(ctx *DispatchContext) error
}

// SessionHandle is the minimal back-pointer a dispatch needs into the
// session that delivered the call — defined here (not imported from
// transport) to avoid a transport<->poa import cycle; transport.Session
// implements it.
type SessionHandle interface {
	RemoteEndpoint() nprpc.Endpoint
	Tethered() bool
}

// DispatchContext carries the rx buffer, a freshly allocated tx buffer,
// and a back-pointer to the session, per spec.md §4.3 step "invoke
// servant.dispatch(ctx) passing a context that contains the rx buffer,
// a freshly-allocated tx buffer, and a back-pointer to the session."
type DispatchContext struct {
	InterfaceIdx uint8
	FunctionIdx  uint8
	ObjectId     uint64
	Rx           RxBuffer
	Tx           TxBuffer
	Session      SessionHandle

	// ReplyMsgId overrides the reply's wire.MsgId, e.g. to Exception for
	// an exception payload. Leave it zero for the common case: the
	// dispatcher tags the reply Success or BlockResponse on its own,
	// depending on whether Dispatch wrote any out-argument bytes.
	ReplyMsgId int
}

// RxBuffer/TxBuffer are satisfied by *flat.Buffer; defined as small
// interfaces here purely to avoid poa importing flat for the (rare)
// caller that wants to swap in a test double.
type RxBuffer interface {
	ReadString(fieldOffset int) (string, error)
	GetU32(off int) (uint32, error)
	GetU64(off int) (uint64, error)
}

type TxBuffer interface {
	PutU32(off int, v uint32)
	PutU64(off int, v uint64)
}
