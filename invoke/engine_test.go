package invoke

import (
	"context"
	"testing"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/wire"
)

// fakeSession is a minimal transport.Session double; sendHook lets a
// test simulate a peer answering (or never answering) a sent frame.
type fakeSession struct {
	ep       nprpc.Endpoint
	sendHook func(frame []byte)
	done     chan struct{}
	err      error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) RemoteEndpoint() nprpc.Endpoint { return s.ep }
func (s *fakeSession) Tethered() bool                 { return false }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }
func (s *fakeSession) Err() error                     { return s.err }
func (s *fakeSession) Close(reason error) {
	s.err = reason
	close(s.done)
}
func (s *fakeSession) Send(frame []byte) error {
	if s.sendHook != nil {
		s.sendHook(frame)
	}
	return nil
}

func answerFrame(requestId uint32, msgId wire.MsgId) []byte {
	buf := make([]byte, wire.HeaderSize)
	wire.Header{Size: wire.HeaderSize - 4, MsgId: msgId, MsgType: wire.Answer, RequestId: requestId}.Encode(buf)
	return buf
}

func TestCallResolvesOnMatchingAnswer(t *testing.T) {
	e := NewEngine(50 * time.Millisecond)
	defer e.Stop()

	sess := newFakeSession()
	reqId := e.NextRequestId()
	sess.sendHook = func(frame []byte) {
		go e.HandleAnswer(sess, answerFrame(reqId, wire.Success))
	}

	frame := make([]byte, wire.HeaderSize)
	wire.Header{MsgId: wire.FunctionCall, MsgType: wire.Request, RequestId: reqId}.Encode(frame)

	reply, err := e.Call(context.Background(), sess, reqId, frame, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Header.MsgId != wire.Success {
		t.Fatalf("expected Success, got %v", reply.Header.MsgId)
	}
}

func TestCallTimesOutWithoutAnAnswer(t *testing.T) {
	e := NewEngine(10 * time.Millisecond)
	defer e.Stop()

	sess := newFakeSession()
	reqId := e.NextRequestId()
	frame := make([]byte, wire.HeaderSize)
	wire.Header{MsgId: wire.FunctionCall, RequestId: reqId}.Encode(frame)

	start := time.Now()
	_, err := e.Call(context.Background(), sess, reqId, frame, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call took too long to time out: %v", elapsed)
	}
}

func TestSessionFailedCancelsPendingCalls(t *testing.T) {
	e := NewEngine(50 * time.Millisecond)
	defer e.Stop()

	sess := newFakeSession()
	reqId := e.NextRequestId()
	frame := make([]byte, wire.HeaderSize)
	wire.Header{MsgId: wire.FunctionCall, RequestId: reqId}.Encode(frame)

	done := make(chan Reply, 1)
	go func() {
		r, _ := e.Call(context.Background(), sess, reqId, frame, 5*time.Second)
		done <- r
	}()

	time.Sleep(20 * time.Millisecond) // let Call register before we fail the session
	e.SessionFailed(sess, nprpc.NewRpcError(nprpc.KindCommFailure, "boom"))

	select {
	case r := <-done:
		if r.Header.MsgId != wire.ErrorCommFailure {
			t.Fatalf("expected ErrorCommFailure, got %v", r.Header.MsgId)
		}
	case <-time.After(time.Second):
		t.Fatalf("call did not unblock after session failure")
	}
}

func TestHandleAnswerDropsUnmatchedReply(t *testing.T) {
	e := NewEngine(50 * time.Millisecond)
	defer e.Stop()
	// no pending call registered for request id 999 — must not panic.
	e.HandleAnswer(newFakeSession(), answerFrame(999, wire.Success))
}
