// Package stream implements the streaming subsystem of spec.md §5:
// per-stream ordered chunk delivery, out-of-order reorder buffering,
// and cancellation. Backpressure comes only from the bounded delivery
// channel; the chunks' WindowSize field is not read. Stream frames
// are isolated from request/response correlation — they always carry
// request_id 0 and are keyed instead by stream_id.
//
// The sequencing vocabulary (a running "delivered" counter gating
// readiness, a pending map for chunks arrived ahead of it) generalizes
// the teacher's single-object Numcur/Sizecur progress counters
// (transport/api.go, transport/pdu.go) to the spec's explicit
// StreamDataChunk.sequence field, which lets receivers reorder rather
// than simply discard out-of-order arrivals.
package stream

import (
	"sync"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/transport"
	"github.com/nikitapn/nprpc-go/wire"
)

type State int

const (
	Open State = iota
	Closed
)

// Chunk is one reassembled, in-order payload delivered to a reader.
type Chunk struct {
	Sequence uint64
	Data     []byte
}

// Reader is handed to whatever owns the receiving end of a stream
// (a servant unpacking an inbound stream, or a proxy consuming a
// stream result) — it delivers chunks strictly in sequence order.
type Reader struct {
	Chunks <-chan Chunk
	Err    <-chan error // closed with nil on normal completion
}

type inboundStream struct {
	id    uint64
	sess  transport.Session
	state State

	mu        sync.Mutex
	delivered uint64 // next expected sequence
	pending   map[uint64]Chunk

	out    chan Chunk
	errOut chan error

	// closeSig lets a chunk delivery blocked on out<-c abort instead of
	// racing shutdown's close(out); sendWG lets shutdown wait out any
	// delivery already past the closeSig check before it closes out.
	closeSig chan struct{}
	sendWG   sync.WaitGroup
	shutOnce sync.Once

	// deliverMu serializes the send half of HandleDataChunk so ready
	// lists collected by concurrent callers reach out in sequence order.
	deliverMu sync.Mutex
}

// shutdown aborts any in-flight chunk delivery, waits for it to return,
// then closes out/errOut with err (nil on a clean completion). Safe to
// call more than once or concurrently with another shutdown call.
func (is *inboundStream) shutdown(err error) {
	is.shutOnce.Do(func() {
		is.mu.Lock()
		is.state = Closed
		is.mu.Unlock()
		close(is.closeSig)
		is.sendWG.Wait()
		close(is.out)
		is.errOut <- err
		close(is.errOut)
	})
}

// Manager tracks every inbound stream_id currently open on any session
// (streams this side receives on) and allocates ids for outbound ones.
type Manager struct {
	mu      sync.Mutex
	inbound map[uint64]*inboundStream
	nextId  uint64
}

func NewManager() *Manager {
	return &Manager{inbound: make(map[uint64]*inboundStream), nextId: 1}
}

// AllocateStreamId returns a fresh, never-zero stream id for an
// outbound StreamInitialization.
func (m *Manager) AllocateStreamId() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextId
	m.nextId++
	return id
}

// BeginInbound registers a stream this side will receive data on and
// returns the Reader the caller drains chunks from.
func (m *Manager) BeginInbound(streamId uint64, sess transport.Session) *Reader {
	is := &inboundStream{
		id:       streamId,
		sess:     sess,
		state:    Open,
		pending:  make(map[uint64]Chunk),
		out:      make(chan Chunk, 16),
		errOut:   make(chan error, 1),
		closeSig: make(chan struct{}),
	}
	m.mu.Lock()
	m.inbound[streamId] = is
	m.mu.Unlock()
	return &Reader{Chunks: is.out, Err: is.errOut}
}

// HandleDataChunk reassembles one inbound StreamDataChunk, delivering
// it (and any now-contiguous chunks that had arrived early) to the
// stream's Reader in order. Delivery blocks on a slow reader (backpressure,
// not data loss) but never while holding is.mu, so a concurrent Cancel/
// shutdown is never stuck waiting behind a stalled consumer.
func (m *Manager) HandleDataChunk(hdr wire.StreamDataChunkHdr, data []byte) {
	is := m.lookup(hdr.StreamId)
	if is == nil {
		return // unknown or already-cancelled stream: drop silently
	}
	is.deliverMu.Lock()
	defer is.deliverMu.Unlock()
	is.mu.Lock()
	if is.state != Open {
		is.mu.Unlock()
		return
	}
	is.pending[hdr.Sequence] = Chunk{Sequence: hdr.Sequence, Data: data}
	var ready []Chunk
	for {
		c, ok := is.pending[is.delivered]
		if !ok {
			break
		}
		delete(is.pending, is.delivered)
		is.delivered++
		ready = append(ready, c)
	}
	if len(ready) == 0 {
		is.mu.Unlock()
		return
	}
	is.sendWG.Add(1)
	is.mu.Unlock()
	defer is.sendWG.Done()

	for _, c := range ready {
		select {
		case is.out <- c:
		case <-is.closeSig:
			return // shutdown is in progress; the rest of ready is dropped
		}
	}
}

// HandleCompletion finalizes a stream once FinalSequence has been
// delivered; any chunks still buffered past that point are discarded
// as a protocol violation.
func (m *Manager) HandleCompletion(msg wire.StreamCompletionMsg) {
	is := m.lookup(msg.StreamId)
	if is == nil {
		return
	}
	is.shutdown(nil)
	m.remove(msg.StreamId)
}

// HandleError aborts a stream with the peer-reported failure.
func (m *Manager) HandleError(msg wire.StreamErrorMsg, detail string) {
	is := m.lookup(msg.StreamId)
	if is == nil {
		return
	}
	is.shutdown(nprpc.NewRpcError(nprpc.KindCommFailure, detail))
	m.remove(msg.StreamId)
}

// Cancel locally aborts a stream this side initiated and tells the
// peer to stop sending, per spec.md §5 StreamCancellation.
func (m *Manager) Cancel(streamId uint64) error {
	is := m.lookup(streamId)
	if is == nil {
		return nil
	}
	is.mu.Lock()
	sess := is.sess
	is.mu.Unlock()

	buf := make([]byte, wire.HeaderSize+wire.StreamCancellationSize)
	wire.Header{
		Size: uint32(len(buf) - 4), MsgId: wire.StreamCancellation, MsgType: wire.OneWay,
	}.Encode(buf)
	wire.EncodeStreamCancellation(buf[wire.HeaderSize:], streamId)

	is.shutdown(nprpc.NewRpcError(nprpc.KindBadAccess, "stream cancelled"))
	m.remove(streamId)
	if sess == nil {
		return nil
	}
	return sess.Send(buf)
}

// SessionFailed aborts every inbound stream tied to sess, per
// spec.md §5 ("session teardown cancels all registered stream readers").
func (m *Manager) SessionFailed(sess transport.Session, reason error) {
	m.mu.Lock()
	var ids []uint64
	for id, is := range m.inbound {
		if is.sess == sess {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		is := m.lookup(id)
		if is == nil {
			continue
		}
		is.shutdown(nprpc.NewCommFailure("session closed mid-stream", reason))
		m.remove(id)
	}
}

func (m *Manager) lookup(streamId uint64) *inboundStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbound[streamId]
}

func (m *Manager) remove(streamId uint64) {
	m.mu.Lock()
	delete(m.inbound, streamId)
	m.mu.Unlock()
}
