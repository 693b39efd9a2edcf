// Package transport implements one Session per wire transport of
// spec.md §4.5 — TCP, WebSocket, HTTP, shared-memory, and UDP — behind
// a single uniform interface, plus the MessageHandler classification
// step of spec.md §4.3.
//
// The per-session internal state machine (a single-goroutine reader
// driving inbound framing, a serialized writer goroutine draining a
// work channel) is grounded on the teacher's transport/sendmsg.go
// MsgStream.Read: a select over a work channel and a stop channel.
// The teacher's in-header/in-body staging enum and idle-tick teardown
// have no counterpart here: readers frame with blocking reads, and
// Extra.IdleTeardown is carried but not consulted by any session.
package transport

import (
	"time"

	"github.com/nikitapn/nprpc-go"
)

// Session is a single transport connection carrying framed messages in
// both directions (spec.md GLOSSARY).
type Session interface {
	RemoteEndpoint() nprpc.Endpoint
	// Tethered reports whether references arriving on this session
	// must be dialed back only through this same session (spec.md §3).
	Tethered() bool
	// Send enqueues a fully framed outbound message. Sessions with a
	// writer queue block the caller only on that queue's backpressure;
	// a reliable-mode UDPSession blocks until the peer acks or its
	// retry budget runs out.
	Send(frame []byte) error
	Close(reason error)
	Done() <-chan struct{}
	Err() error
}

// MessageHandler is the session dispatcher of spec.md §4.3: every
// Session, on receiving a fully framed inbound message, calls exactly
// one of these methods. Implemented by the rt package, which owns the
// POA registry, invocation engine, and stream manager that routing
// fans out to.
type MessageHandler interface {
	// HandleRequest handles a Request-type message (FunctionCall,
	// AddReference, ReleaseObject, or a Stream* control message).
	//
	// When deferred is false, reply is written back immediately by the
	// transport (nil means "send a bare Success ack" — §4.3 step 3).
	// When deferred is true, the transport sends nothing: either the
	// handler has posted the dispatch to a worker and will call
	// sess.Send itself once it completes (keeping the reader
	// unblocked, §5 "a session never blocks its reader on a dispatch"),
	// or the message is a Stream* control message that spec.md §4.3
	// says gets no reply at all.
	//
	// HandleRequest never returns an error: protocol-level failures are
	// encoded as an Error_* reply within the returned bytes, per
	// spec.md §7 ("Protocol-level errors surface to the caller
	// immediately" as wire replies, not Go errors).
	HandleRequest(sess Session, frame []byte) (reply []byte, deferred bool)
	// HandleAnswer delivers a reply keyed by request_id to the
	// invocation engine; it returns nothing because spec.md §4.4 says
	// a reply with no matching pending call is simply dropped.
	HandleAnswer(sess Session, frame []byte)
}

// SessionFailed is called by a Session's owner once Done() fires, so
// the invocation/stream layers can cancel everything pending on it
// (spec.md §5: "Session teardown cancels all pending calls and all
// registered stream readers").
type FailureObserver interface {
	SessionFailed(sess Session, reason error)
}

// Extra carries per-session tuning knobs, modeled on the teacher's
// transport.Extra (Callback/Compression/IdleTeardown/SizePDU).
type Extra struct {
	IdleTeardown time.Duration
	Handler      MessageHandler
	OnFailure    FailureObserver
}
