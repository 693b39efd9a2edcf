// Package rt assembles an Rpc runtime: the session dispatcher of
// spec.md §4.3 wired to the POA registry, invocation engine, stream
// manager, and worker pool, plus the listener/dialer glue of §4.5 and
// §4.9's runtime builder. It is the only package that imports poa,
// transport, invoke, and stream together — the root nprpc package and
// each of those stay leaf-level to avoid import cycles.
package rt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/flat"
	"github.com/nikitapn/nprpc-go/invoke"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/poa"
	"github.com/nikitapn/nprpc-go/stream"
	"github.com/nikitapn/nprpc-go/transport"
	"github.com/nikitapn/nprpc-go/wire"
	"github.com/nikitapn/nprpc-go/workerpool"
)

// Rpc is the assembled runtime of spec.md §4.9 ("Assemble an Rpc
// instance with listeners on chosen transports").
type Rpc struct {
	Config  nprpc.RuntimeConfig
	Metrics *nprpc.Metrics

	Engine  *invoke.Engine
	Streams *stream.Manager
	Pool    *workerpool.Pool
	Dial    *invoke.SessionPool

	mu    sync.RWMutex
	poas  map[uint16]*poa.Table

	tcpLn  *transport.TCPListener
	udpLn  *transport.UDPListener
	httpSv *transport.HTTPServer
	memLn  *transport.MemSession
}

func New(cfg nprpc.RuntimeConfig, metrics *nprpc.Metrics) *Rpc {
	r := &Rpc{
		Config:  cfg,
		Metrics: metrics,
		Engine:  invoke.NewEngine(250 * time.Millisecond),
		Streams: stream.NewManager(),
		Pool:    workerpool.New(cfg.WorkerThreadCount, 256),
		poas:    make(map[uint16]*poa.Table),
	}
	r.Dial = invoke.NewSessionPool(r.dialEndpoint)
	return r
}

// RegisterPoa creates and registers a new POA at idx, per spec.md §4.6.
func (r *Rpc) RegisterPoa(idx uint16, policies poa.Policies, origin [16]byte, urls string) *poa.Table {
	t := poa.NewTable(idx, policies, origin, urls)
	r.mu.Lock()
	r.poas[idx] = t
	r.mu.Unlock()
	return t
}

func (r *Rpc) poaByIdx(idx uint16) (*poa.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.poas[idx]
	return t, ok
}

// Listen starts a TCP, UDP and HTTP listener for each of TCPPort,
// UDPPort and HTTPPort that is non-zero in Config, per spec.md §6's
// runtime configuration contract (0 disables). WSPort is not consulted:
// no WebSocket listener is started here.
func (r *Rpc) Listen() error {
	extra := transport.Extra{Handler: r, OnFailure: r}
	if r.Config.TCPPort != 0 {
		ln, err := transport.ListenTCP(r.Config.TCPPort, extra, r.onAccept)
		if err != nil {
			return err
		}
		r.tcpLn = ln
	}
	if r.Config.UDPPort != 0 {
		ln, err := transport.ListenUDP(r.Config.UDPPort, extra, transport.UDPConfig{
			RetryBudget: r.Config.UDPRetryBudget, RetryBaseDelay: r.Config.UDPRetryBaseDelay,
		}, r.onAccept)
		if err != nil {
			return err
		}
		r.udpLn = ln
	}
	if r.Config.HTTPPort != 0 {
		sv, err := transport.ServeHTTP(r.Config.HTTPPort, r)
		if err != nil {
			return err
		}
		r.httpSv = sv
	}
	return nil
}

// TCPAddr returns the bound TCP listener address, or nil if TCP wasn't
// started (Config.TCPPort is 0).
func (r *Rpc) TCPAddr() net.Addr {
	if r.tcpLn == nil {
		return nil
	}
	return r.tcpLn.Addr()
}

func (r *Rpc) onAccept(sess transport.Session) {
	r.Metrics.SessionOpened()
}

// Close tears down every listener and background goroutine this
// runtime owns. Sessions it holds or dialed are left to their own
// idle/error teardown rather than force-closed, since a peer may still
// be draining a reply.
func (r *Rpc) Close() error {
	if r.tcpLn != nil {
		_ = r.tcpLn.Close()
	}
	if r.udpLn != nil {
		_ = r.udpLn.Close()
	}
	if r.httpSv != nil {
		_ = r.httpSv.Close()
	}
	r.Engine.Stop()
	r.Pool.Stop()
	return nil
}

// dialEndpoint opens a new Session to ep based on its TransportKind,
// used as the invoke.SessionPool's DialFunc.
func (r *Rpc) dialEndpoint(ep nprpc.Endpoint) (transport.Session, error) {
	extra := transport.Extra{Handler: r, OnFailure: r}
	switch ep.Kind {
	case nprpc.TransportTCP:
		return transport.DialTCP(ep, extra)
	case nprpc.TransportWS, nprpc.TransportWSS:
		return transport.DialWS(ep, extra)
	case nprpc.TransportHTTP, nprpc.TransportHTTPS:
		return transport.DialHTTP(ep, extra)
	case nprpc.TransportMem:
		return transport.DialMem(ep, extra)
	case nprpc.TransportUDP:
		return transport.DialUDP(ep, extra, transport.UDPConfig{
			RetryBudget: r.Config.UDPRetryBudget, RetryBaseDelay: r.Config.UDPRetryBaseDelay,
		})
	default:
		return nil, nprpc.NewRpcError(nprpc.KindBadAccess, "transport plugin not registered for "+ep.Kind.String())
	}
}

// Call is the proxy-facing entry point: acquire/dial a session, stamp
// a request id, send, and await the reply — spec.md §4.4.
func (r *Rpc) Call(ctx context.Context, ep nprpc.Endpoint, frame []byte, timeout time.Duration) (invoke.Reply, error) {
	sess, err := r.Dial.Acquire(ep)
	if err != nil {
		return invoke.Reply{}, err
	}
	requestId := r.Engine.NextRequestId()
	hdr, ok := wire.DecodeHeader(frame)
	if !ok {
		return invoke.Reply{}, nprpc.NewRpcError(nprpc.KindBadInput, "call: frame too short for a header")
	}
	hdr.Size = uint32(len(frame) - 4)
	hdr.MsgType = wire.Request
	hdr.RequestId = requestId
	hdr.Encode(frame) // preserves the MsgId the caller already stamped (FunctionCall/AddReference/ReleaseObject)
	if timeout <= 0 {
		timeout = r.Config.CallTimeout
	}
	return r.Engine.Call(ctx, sess, requestId, frame, timeout)
}

// HandleRequest implements transport.MessageHandler — the session
// dispatcher classification of spec.md §4.3.
func (r *Rpc) HandleRequest(sess transport.Session, frame []byte) (reply []byte, deferred bool) {
	hdr, ok := wire.DecodeHeader(frame)
	if !ok {
		return errorReply(0, wire.ErrorBadInput), false
	}
	switch {
	case hdr.MsgId == wire.FunctionCall:
		return r.handleFunctionCall(sess, hdr, frame)
	case hdr.MsgId == wire.AddReference:
		return r.handleRefCount(hdr, frame, true), false
	case hdr.MsgId == wire.ReleaseObject:
		return r.handleRefCount(hdr, frame, false), false
	case hdr.MsgId == wire.StreamInitialization:
		return r.handleStreamInit(sess, hdr, frame)
	case hdr.MsgId.IsStream():
		// routed through the worker pool like handleFunctionCall/
		// handleStreamInit: a stream consumer that stalls delivery must
		// only block its own stream, never the session's reader goroutine.
		r.Pool.Submit(func() {
			r.handleStreamControl(hdr, frame)
		})
		return nil, true // no reply for Stream* data/completion/error/cancel, spec.md §4.3
	default:
		return errorReply(hdr.RequestId, wire.ErrorUnknownMessageId), false
	}
}

// SendAddReference and SendReleaseObject implement nprpc.RefSender,
// letting an ObjectPtr drive the remote refcount transitions of
// spec.md §3 through whatever session this runtime already has (or
// dials) for ep. Both are one-way: the peer's ack, if any, carries no
// pending call to deliver to and is dropped by HandleAnswer.
func (r *Rpc) SendAddReference(ep nprpc.Endpoint, poaIdx uint16, objectId uint64) error {
	return r.sendRefMsg(ep, poaIdx, objectId, wire.AddReference)
}

func (r *Rpc) SendReleaseObject(ep nprpc.Endpoint, poaIdx uint16, objectId uint64) error {
	return r.sendRefMsg(ep, poaIdx, objectId, wire.ReleaseObject)
}

func (r *Rpc) sendRefMsg(ep nprpc.Endpoint, poaIdx uint16, objectId uint64, msgId wire.MsgId) error {
	sess, err := r.Dial.Acquire(ep)
	if err != nil {
		return err
	}
	buf := make([]byte, wire.HeaderSize+wire.RefPayloadSize)
	wire.Header{Size: uint32(len(buf) - 4), MsgId: msgId, MsgType: wire.OneWay}.Encode(buf)
	wire.RefPayload{PoaIdx: poaIdx, ObjectId: objectId}.Encode(buf[wire.HeaderSize:])
	return sess.Send(buf)
}

// HandleAnswer implements transport.MessageHandler.
func (r *Rpc) HandleAnswer(sess transport.Session, frame []byte) {
	r.Engine.HandleAnswer(sess, frame)
}

// SessionFailed implements transport.FailureObserver: cancel every
// pending call and every stream reader tied to sess, per spec.md §5.
func (r *Rpc) SessionFailed(sess transport.Session, reason error) {
	r.Engine.SessionFailed(sess, reason)
	r.Streams.SessionFailed(sess, reason)
	r.Dial.Forget(sess.RemoteEndpoint(), sess)
	r.Metrics.SessionClosed()
}

func (r *Rpc) handleFunctionCall(sess transport.Session, hdr wire.Header, frame []byte) ([]byte, bool) {
	if len(frame) < wire.HeaderSize+wire.CallHeaderSize {
		return errorReply(hdr.RequestId, wire.ErrorBadInput), false
	}
	ch, ok := wire.DecodeCallHeader(frame[wire.HeaderSize:])
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorBadInput), false
	}
	table, ok := r.poaByIdx(ch.PoaIdx)
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorPoaNotExist), false
	}
	servant, done, err := table.BeginDispatch(ch.ObjectId)
	if err != nil {
		return errorReply(hdr.RequestId, wire.ErrorObjectNotExist), false
	}

	args := frame[wire.HeaderSize+wire.CallHeaderSize:]
	r.Pool.Submit(func() {
		defer done()
		r.runDispatch(sess, hdr, ch, servant, args)
	})
	return nil, true
}

func (r *Rpc) runDispatch(sess transport.Session, hdr wire.Header, ch wire.CallHeader, servant poa.Servant, args []byte) {
	rx := flat.WrapForDecode(args)
	tx := flat.NewBuffer(128)
	tx.ReserveFixed(wire.HeaderSize) // placeholder, filled in once the reply kind is known

	ctx := &poa.DispatchContext{
		InterfaceIdx: ch.InterfaceIdx,
		FunctionIdx:  ch.FunctionIdx,
		ObjectId:     ch.ObjectId,
		Rx:           rx,
		Tx:           tx,
		Session:      sess,
	}

	var reply []byte
	if err := servant.Dispatch(ctx); err != nil {
		reply = errorReplyFromErr(hdr.RequestId, err)
	} else {
		body := tx.Bytes()
		msgId := wire.Success
		switch {
		case ctx.ReplyMsgId != 0:
			// an explicit override, e.g. Exception, always wins
			msgId = wire.MsgId(ctx.ReplyMsgId)
		case len(body) > wire.HeaderSize:
			// Dispatch wrote real out-argument bytes past the reserved
			// header: tag the reply BlockResponse (spec.md §4.4) rather
			// than make every servant method set ReplyMsgId by hand
			msgId = wire.BlockResponse
		}
		wire.Header{
			Size: uint32(len(body) - 4), MsgId: msgId, MsgType: wire.Answer, RequestId: hdr.RequestId,
		}.Encode(body)
		reply = body
	}
	if err := sess.Send(reply); err != nil {
		nlog.Warningf("failed sending deferred reply: %v", err)
	}
}

func (r *Rpc) handleRefCount(hdr wire.Header, frame []byte, add bool) []byte {
	if len(frame) < wire.HeaderSize+wire.RefPayloadSize {
		return errorReply(hdr.RequestId, wire.ErrorBadInput)
	}
	rp, ok := wire.DecodeRefPayload(frame[wire.HeaderSize:])
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorBadInput)
	}
	table, ok := r.poaByIdx(rp.PoaIdx)
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorPoaNotExist)
	}
	var err error
	if add {
		err = table.AddRef(rp.ObjectId)
	} else {
		err = table.Release(rp.ObjectId)
	}
	if err != nil {
		return errorReply(hdr.RequestId, wire.ErrorObjectNotExist)
	}
	return successReply(hdr.RequestId)
}

func (r *Rpc) handleStreamInit(sess transport.Session, hdr wire.Header, frame []byte) ([]byte, bool) {
	if len(frame) < wire.HeaderSize+wire.StreamInitSize {
		return errorReply(hdr.RequestId, wire.ErrorBadInput), false
	}
	si, ok := wire.DecodeStreamInit(frame[wire.HeaderSize:])
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorBadInput), false
	}
	table, ok := r.poaByIdx(si.PoaIdx)
	if !ok {
		return errorReply(hdr.RequestId, wire.ErrorPoaNotExist), false
	}
	servant, done, err := table.BeginDispatch(si.ObjectId)
	if err != nil {
		return errorReply(hdr.RequestId, wire.ErrorObjectNotExist), false
	}
	// Acknowledge immediately (spec.md §4.7 "server acknowledges with
	// Success, allowing the client to proceed") then let the producer
	// (the servant, on the worker pool) start emitting chunks.
	r.Pool.Submit(func() {
		defer done()
		producer, ok := servant.(StreamProducer)
		if !ok {
			return
		}
		producer.ProduceStream(si, sess, r.Streams)
	})
	return successReply(hdr.RequestId), false
}

// StreamProducer is implemented by a servant whose interface includes a
// streaming method; Dispatch for a non-streaming FunctionCall never
// needs it, so it's kept separate from the base Servant interface.
type StreamProducer interface {
	ProduceStream(init wire.StreamInit, sess transport.Session, mgr *stream.Manager)
}

func (r *Rpc) handleStreamControl(hdr wire.Header, frame []byte) {
	body := frame[wire.HeaderSize:]
	switch hdr.MsgId {
	case wire.StreamDataChunk:
		if len(body) < wire.StreamDataChunkHdrSize {
			return
		}
		chunkHdr, ok := wire.DecodeStreamDataChunkHdr(body)
		if !ok {
			return
		}
		data, _, err := flat.WrapForDecode(body).ReadVector(wire.StreamDataChunkHdrSize, 1, 1)
		if err != nil {
			return
		}
		r.Streams.HandleDataChunk(chunkHdr, data)
	case wire.StreamCompletion:
		msg, ok := wire.DecodeStreamCompletion(body)
		if ok {
			r.Streams.HandleCompletion(msg)
		}
	case wire.StreamError:
		msg, ok := wire.DecodeStreamError(body)
		if ok {
			r.Streams.HandleError(msg, "stream producer reported an error")
		}
	case wire.StreamCancellation:
		if id, ok := wire.DecodeStreamCancellation(body); ok {
			_ = r.Streams.Cancel(id)
		}
	}
}

func successReply(requestId uint32) []byte {
	buf := make([]byte, wire.HeaderSize)
	wire.Header{Size: wire.HeaderSize - 4, MsgId: wire.Success, MsgType: wire.Answer, RequestId: requestId}.Encode(buf)
	return buf
}

func errorReply(requestId uint32, kind wire.MsgId) []byte {
	buf := make([]byte, wire.HeaderSize)
	wire.Header{Size: wire.HeaderSize - 4, MsgId: kind, MsgType: wire.Answer, RequestId: requestId}.Encode(buf)
	return buf
}

// errorReplyFromErr maps a servant-returned *nprpc.RpcError to its
// Error_* wire counterpart, per spec.md §7's taxonomy.
func errorReplyFromErr(requestId uint32, err error) []byte {
	kind := wire.ErrorCommFailure
	if rerr, ok := err.(*nprpc.RpcError); ok {
		switch rerr.Kind {
		case nprpc.KindPoaNotExist:
			kind = wire.ErrorPoaNotExist
		case nprpc.KindObjectNotExist:
			kind = wire.ErrorObjectNotExist
		case nprpc.KindUnknownFunctionIndex:
			kind = wire.ErrorUnknownFunctionIdx
		case nprpc.KindUnknownMessageId:
			kind = wire.ErrorUnknownMessageId
		case nprpc.KindBadAccess:
			kind = wire.ErrorBadAccess
		case nprpc.KindBadInput:
			kind = wire.ErrorBadInput
		default:
			kind = wire.ErrorCommFailure
		}
	}
	return errorReply(requestId, kind)
}
