// Package invoke is the invocation engine of spec.md §4.4: it assigns
// request ids, correlates replies back to the waiting caller, enforces
// per-call timeouts, and fans session failure out to every call still
// pending on that session.
//
// The periodic sweep that retires timed-out calls is grounded on the
// teacher's transport/collect.go Collector — a ticking background loop
// that walks live entries and retires the ones past their deadline,
// adapted here from stream idle-teardown to call-timeout enforcement.
package invoke

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/transport"
	"github.com/nikitapn/nprpc-go/wire"
)

// Reply is what a completed call resolves to: the raw frame handed
// back by HandleAnswer plus its decoded Header, so callers can branch
// on MsgId (Success / BlockResponse / Exception / Error_*) per
// spec.md §4.4's reply-kind table.
type Reply struct {
	Header wire.Header
	Frame  []byte
}

type pendingCall struct {
	sess     transport.Session
	ch       chan Reply
	deadline time.Time
}

// Engine owns one request-id counter and the pending-call table; a
// runtime typically holds a single Engine shared by all sessions.
type Engine struct {
	seq uint32 // atomic; next request id, 0 is reserved for one-way/no-correlation

	sweepInterval time.Duration

	mu      sync.Mutex
	pending map[uint32]*pendingCall

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewEngine(sweepInterval time.Duration) *Engine {
	if sweepInterval <= 0 {
		sweepInterval = 250 * time.Millisecond
	}
	e := &Engine{
		sweepInterval: sweepInterval,
		pending:       make(map[uint32]*pendingCall),
		stopCh:        make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// NextRequestId returns a fresh, never-zero request id.
func (e *Engine) NextRequestId() uint32 {
	for {
		id := atomic.AddUint32(&e.seq, 1)
		if id != 0 {
			return id
		}
	}
}

// Call sends frame (which must already carry requestId in its Header)
// over sess and blocks until a matching reply arrives, the session
// fails, the context is cancelled, or timeout elapses — whichever
// comes first (spec.md §4.4 "a call resolves exactly once").
func (e *Engine) Call(ctx context.Context, sess transport.Session, requestId uint32, frame []byte, timeout time.Duration) (Reply, error) {
	pc := &pendingCall{sess: sess, ch: make(chan Reply, 1), deadline: time.Now().Add(timeout)}
	e.mu.Lock()
	e.pending[requestId] = pc
	e.mu.Unlock()
	defer e.forget(requestId)

	if err := sess.Send(frame); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.ch:
		return r, nil
	case <-timer.C:
		return Reply{}, nprpc.NewRpcError(nprpc.KindCommFailure, "call timed out")
	case <-sess.Done():
		return Reply{}, nprpc.NewCommFailure("session closed while call pending", sess.Err())
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (e *Engine) forget(requestId uint32) {
	e.mu.Lock()
	delete(e.pending, requestId)
	e.mu.Unlock()
}

// HandleAnswer implements half of transport.MessageHandler: a reply
// with no matching pending call is dropped silently, per spec.md §4.4.
func (e *Engine) HandleAnswer(sess transport.Session, frame []byte) {
	hdr, ok := wire.DecodeHeader(frame)
	if !ok {
		return
	}
	e.mu.Lock()
	pc, found := e.pending[hdr.RequestId]
	if found {
		delete(e.pending, hdr.RequestId)
	}
	e.mu.Unlock()
	if !found {
		return
	}
	select {
	case pc.ch <- Reply{Header: hdr, Frame: frame}:
	default:
	}
}

// SessionFailed implements transport.FailureObserver: every call still
// pending on sess fails immediately with CommFailure rather than
// waiting out its timeout (spec.md §5 "session teardown cancels all
// pending calls").
func (e *Engine) SessionFailed(sess transport.Session, reason error) {
	e.mu.Lock()
	var victims []*pendingCall
	for id, pc := range e.pending {
		if pc.sess == sess {
			victims = append(victims, pc)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for _, pc := range victims {
		select {
		case pc.ch <- Reply{Header: wire.Header{MsgId: wire.ErrorCommFailure, MsgType: wire.Answer}}:
		default:
		}
	}
	if reason != nil {
		nlog.Warningf("session %s failed: %v", sess.RemoteEndpoint(), reason)
	}
}

func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.stopCh:
			return
		}
	}
}

// sweepExpired is a backstop against calls whose own timer goroutine
// somehow never fires (e.g. a caller that abandoned Call's context);
// it guarantees the pending table doesn't grow without bound.
func (e *Engine) sweepExpired() {
	now := time.Now()
	e.mu.Lock()
	var victims []*pendingCall
	for id, pc := range e.pending {
		if now.After(pc.deadline) {
			victims = append(victims, pc)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for _, pc := range victims {
		select {
		case pc.ch <- Reply{Header: wire.Header{MsgId: wire.ErrorCommFailure, MsgType: wire.Answer}}:
		default:
		}
	}
}
