package nstest

import (
	"context"
	"fmt"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/flat"
	"github.com/nikitapn/nprpc-go/rt"
	"github.com/nikitapn/nprpc-go/stream"
	"github.com/nikitapn/nprpc-go/wire"
)

// CalcProxy is the hand-written analogue of a generated client stub: it
// knows Calc's wire layout and nothing else, routing every call through
// an already-assembled *rt.Rpc.
type CalcProxy struct {
	rpc *rt.Rpc
	ep  nprpc.Endpoint
	obj nprpc.ObjectId
}

func NewCalcProxy(r *rt.Rpc, ep nprpc.Endpoint, obj nprpc.ObjectId) (*CalcProxy, error) {
	if _, err := nprpc.Narrow(obj, ClassId); err != nil {
		return nil, err
	}
	return &CalcProxy{rpc: r, ep: ep, obj: obj}, nil
}

func (p *CalcProxy) newCallFrame(funcIdx uint8, argsSize int) *flat.Buffer {
	tx := flat.NewBuffer(wire.HeaderSize + wire.CallHeaderSize + argsSize)
	tx.ReserveFixed(wire.HeaderSize)
	tx.ReserveFixed(wire.CallHeaderSize)
	body := tx.Bytes()
	wire.Header{MsgId: wire.FunctionCall}.Encode(body)
	wire.CallHeader{
		PoaIdx: p.obj.PoaIdx, InterfaceIdx: InterfaceIdx, FunctionIdx: funcIdx, ObjectId: p.obj.Raw,
	}.Encode(body[wire.HeaderSize:])
	return tx
}

// asRpcError turns an Error_* reply into the matching *nprpc.RpcError,
// mirroring rt.errorReplyFromErr in reverse.
func asRpcError(h wire.Header) error {
	kind := nprpc.KindCommFailure
	switch h.MsgId {
	case wire.ErrorPoaNotExist:
		kind = nprpc.KindPoaNotExist
	case wire.ErrorObjectNotExist:
		kind = nprpc.KindObjectNotExist
	case wire.ErrorUnknownFunctionIdx:
		kind = nprpc.KindUnknownFunctionIndex
	case wire.ErrorUnknownMessageId:
		kind = nprpc.KindUnknownMessageId
	case wire.ErrorBadAccess:
		kind = nprpc.KindBadAccess
	case wire.ErrorBadInput:
		kind = nprpc.KindBadInput
	}
	return nprpc.NewRpcError(kind, fmt.Sprintf("calc: server returned %s", kind))
}

// Add calls Add(a, b) and returns their sum, spec.md §8's echo-integer
// scenario.
func (p *CalcProxy) Add(ctx context.Context, a, b int32, timeout time.Duration) (int32, error) {
	tx := p.newCallFrame(FuncAdd, 8)
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	tx.ReserveFixed(8)
	tx.PutU32(argsOff, uint32(a))
	tx.PutU32(argsOff+4, uint32(b))

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return 0, err
	}
	if reply.Header.MsgId.IsError() {
		return 0, asRpcError(reply.Header)
	}
	rx := flat.WrapForDecode(reply.Frame[wire.HeaderSize:])
	sum, err := rx.GetU32(0)
	if err != nil {
		return 0, nprpc.NewRpcError(nprpc.KindBadInput, "calc: malformed add reply")
	}
	return int32(sum), nil
}

// Sleep calls Sleep(durationMs) and waits for its Success ack, spec.md
// §8's timeout scenario is driven by passing a timeout shorter than
// durationMs.
func (p *CalcProxy) Sleep(ctx context.Context, durationMs int32, timeout time.Duration) error {
	tx := p.newCallFrame(FuncSleep, 4)
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	tx.ReserveFixed(4)
	tx.PutU32(argsOff, uint32(durationMs))

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return err
	}
	if reply.Header.MsgId.IsError() {
		return asRpcError(reply.Header)
	}
	return nil
}

// Echo calls Echo(text) and returns the server's reply verbatim.
func (p *CalcProxy) Echo(ctx context.Context, text string, timeout time.Duration) (string, error) {
	tx := p.newCallFrame(FuncEcho, 8+len(text))
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	tx.ReserveFixed(8)
	tx.AllocString(argsOff, text)

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return "", err
	}
	if reply.Header.MsgId.IsError() {
		return "", asRpcError(reply.Header)
	}
	rx := flat.WrapForDecode(reply.Frame[wire.HeaderSize:])
	return rx.ReadString(0)
}

// SendMalformedEcho sends a hand-corrupted Echo call whose argument
// vector header claims an absurd element count, exercising spec.md
// §8's malformed-input scenario: the call must fail with BadInput and
// the underlying session must remain usable afterward.
func (p *CalcProxy) SendMalformedEcho(ctx context.Context, timeout time.Duration) error {
	tx := p.newCallFrame(FuncEcho, 8)
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	// A vector header with a non-zero relative offset and an absurd
	// count; ReadVector must reject this as out of bounds rather than
	// attempt to read ~3.7GB past the frame.
	tx.ReserveFixed(8)
	tx.PutU32(argsOff, 8)
	tx.PutU32(argsOff+4, 0xDEADBEEF)

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return err
	}
	if reply.Header.MsgId.IsError() {
		return asRpcError(reply.Header)
	}
	return nprpc.NewRpcError(nprpc.KindBadInput, "calc: server accepted a malformed request")
}

// GetByteStream initiates Calc's one streaming method and returns the
// Reader the caller drains chunks from, spec.md §8's 5-byte-stream
// scenario.
func (p *CalcProxy) GetByteStream(ctx context.Context, timeout time.Duration) (*stream.Reader, error) {
	sess, err := p.rpc.Dial.Acquire(p.ep)
	if err != nil {
		return nil, err
	}
	streamId := p.rpc.Streams.AllocateStreamId()
	// Register the reader before the peer can possibly start emitting
	// chunks, so no early chunk is ever dropped as "unknown stream".
	reader := p.rpc.Streams.BeginInbound(streamId, sess)

	buf := make([]byte, wire.HeaderSize+wire.StreamInitSize)
	wire.Header{MsgId: wire.StreamInitialization}.Encode(buf)
	wire.StreamInit{
		StreamId: streamId, PoaIdx: p.obj.PoaIdx, InterfaceIdx: InterfaceIdx,
		ObjectId: p.obj.Raw, FuncIdx: FuncGetByteStream,
	}.Encode(buf[wire.HeaderSize:])

	requestId := p.rpc.Engine.NextRequestId()
	hdr, _ := wire.DecodeHeader(buf)
	hdr.Size = uint32(len(buf) - 4)
	hdr.MsgType = wire.Request
	hdr.RequestId = requestId
	hdr.Encode(buf)

	ack, err := p.rpc.Engine.Call(ctx, sess, requestId, buf, timeout)
	if err != nil {
		_ = p.rpc.Streams.Cancel(streamId)
		return nil, err
	}
	if ack.Header.MsgId != wire.Success {
		_ = p.rpc.Streams.Cancel(streamId)
		return nil, asRpcError(ack.Header)
	}
	return reader, nil
}

// ObjectId exposes the underlying reference, e.g. to bind it into a
// nameserver or to drive its AddRef/Release lifecycle directly.
func (p *CalcProxy) ObjectId() nprpc.ObjectId { return p.obj }
