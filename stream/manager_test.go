package stream

import (
	"testing"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/transport"
	"github.com/nikitapn/nprpc-go/wire"
)

// fakeSession is the same minimal transport.Session double used by the
// invoke package's tests, duplicated here since neither package exports
// its test doubles.
type fakeSession struct {
	sent [][]byte
	ep   nprpc.Endpoint
	done chan struct{}
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan struct{})} }

func (s *fakeSession) RemoteEndpoint() nprpc.Endpoint { return s.ep }
func (s *fakeSession) Tethered() bool                 { return false }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }
func (s *fakeSession) Err() error                     { return nil }
func (s *fakeSession) Close(reason error)             { close(s.done) }
func (s *fakeSession) Send(frame []byte) error {
	s.sent = append(s.sent, frame)
	return nil
}

var _ transport.Session = (*fakeSession)(nil)

func drain(t *testing.T, r *Reader, want ...[]byte) {
	t.Helper()
	for i, w := range want {
		select {
		case c, ok := <-r.Chunks:
			if !ok {
				t.Fatalf("chunk %d: channel closed early", i)
			}
			if string(c.Data) != string(w) {
				t.Fatalf("chunk %d: got %q, want %q", i, c.Data, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("chunk %d: timed out waiting", i)
		}
	}
}

func TestInOrderChunksDeliverImmediately(t *testing.T) {
	m := NewManager()
	sess := newFakeSession()
	streamId := m.AllocateStreamId()
	r := m.BeginInbound(streamId, sess)

	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 0}, []byte("a"))
	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 1}, []byte("b"))
	drain(t, r, []byte("a"), []byte("b"))

	m.HandleCompletion(wire.StreamCompletionMsg{StreamId: streamId, FinalSequence: 1})
	select {
	case err := <-r.Err:
		if err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion")
	}
}

func TestOutOfOrderChunksReassembleInSequence(t *testing.T) {
	m := NewManager()
	sess := newFakeSession()
	streamId := m.AllocateStreamId()
	r := m.BeginInbound(streamId, sess)

	// 2 and 1 arrive before 0: nothing should be delivered yet.
	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 2}, []byte("c"))
	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 1}, []byte("b"))
	select {
	case c := <-r.Chunks:
		t.Fatalf("unexpected early delivery: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	// 0 arriving unblocks 0, 1, 2 in order.
	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 0}, []byte("a"))
	drain(t, r, []byte("a"), []byte("b"), []byte("c"))
}

func TestHandleErrorAbortsTheReader(t *testing.T) {
	m := NewManager()
	sess := newFakeSession()
	streamId := m.AllocateStreamId()
	r := m.BeginInbound(streamId, sess)

	m.HandleError(wire.StreamErrorMsg{StreamId: streamId, ErrorCode: 1}, "peer fault")

	if _, open := <-r.Chunks; open {
		t.Fatalf("expected chunk channel to be closed")
	}
	err := <-r.Err
	if err == nil {
		t.Fatalf("expected a non-nil error")
	}
}

func TestCancelNotifiesThePeerAndAbortsLocally(t *testing.T) {
	m := NewManager()
	sess := newFakeSession()
	streamId := m.AllocateStreamId()
	r := m.BeginInbound(streamId, sess)

	if err := m.Cancel(streamId); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(sess.sent))
	}
	hdr, ok := wire.DecodeHeader(sess.sent[0])
	if !ok || hdr.MsgId != wire.StreamCancellation {
		t.Fatalf("expected a StreamCancellation frame, got %+v ok=%v", hdr, ok)
	}
	if _, open := <-r.Chunks; open {
		t.Fatalf("expected chunk channel to be closed after cancel")
	}
	if err := <-r.Err; err == nil {
		t.Fatalf("expected a cancellation error")
	}
}

// TestCancelDuringStalledDeliveryDoesNotDeadlock exercises a consumer
// that stops draining while a chunk delivery is blocked on the full
// out channel, followed by Cancel: Cancel must not block behind the
// stalled delivery, and the stalled delivery must itself unblock.
func TestCancelDuringStalledDeliveryDoesNotDeadlock(t *testing.T) {
	m := NewManager()
	sess := newFakeSession()
	streamId := m.AllocateStreamId()
	r := m.BeginInbound(streamId, sess)
	_ = r // never drained: simulates the slow/stalled consumer

	for i := uint64(0); i < 16; i++ {
		m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: i}, []byte{byte(i)})
	}

	blocked := make(chan struct{})
	go func() {
		// out is now full; this call blocks inside the select on out<-c.
		m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: streamId, Sequence: 16}, []byte{16})
		close(blocked)
	}()
	time.Sleep(20 * time.Millisecond) // let the goroutine actually reach the blocking send

	cancelled := make(chan error, 1)
	go func() { cancelled <- m.Cancel(streamId) }()

	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Cancel deadlocked behind a stalled chunk delivery")
	}

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatalf("stalled HandleDataChunk never returned after cancel")
	}
}

func TestSessionFailedAbortsEveryStreamOnThatSession(t *testing.T) {
	m := NewManager()
	sessA := newFakeSession()
	sessB := newFakeSession()
	idA := m.AllocateStreamId()
	idB := m.AllocateStreamId()
	rA := m.BeginInbound(idA, sessA)
	rB := m.BeginInbound(idB, sessB)

	m.SessionFailed(sessA, nprpc.NewRpcError(nprpc.KindCommFailure, "conn reset"))

	if _, open := <-rA.Chunks; open {
		t.Fatalf("stream on failed session should be closed")
	}
	if err := <-rA.Err; err == nil {
		t.Fatalf("expected a comm-failure error for stream on failed session")
	}

	select {
	case <-rB.Chunks:
		t.Fatalf("stream on the unrelated session should not be touched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDataChunkOnUnknownStreamIsDroppedSilently(t *testing.T) {
	m := NewManager()
	// no BeginInbound call for this id — must not panic.
	m.HandleDataChunk(wire.StreamDataChunkHdr{StreamId: 999, Sequence: 0}, []byte("x"))
}
