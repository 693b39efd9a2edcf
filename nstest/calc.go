// Package nstest hand-authors a small "Calc" servant and proxy — the
// shape a code generator would emit from an IDL file — purely to drive
// nprpc/rt end to end. It is not a generator (spec.md Non-goals); the
// wire bytes below are exactly what generated marshalling code would
// produce, written out by hand.
package nstest

import (
	"fmt"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/flat"
	"github.com/nikitapn/nprpc-go/poa"
	"github.com/nikitapn/nprpc-go/stream"
	"github.com/nikitapn/nprpc-go/transport"
	"github.com/nikitapn/nprpc-go/wire"
)

const ClassId = "Calc"

// Function indices on Calc's single interface (InterfaceIdx 0).
const (
	InterfaceIdx uint8 = 0

	FuncAdd           uint8 = 0
	FuncSleep         uint8 = 1
	FuncEcho          uint8 = 2
	FuncGetByteStream uint8 = 3
)

// CalcServant implements Add/Sleep/Echo as ordinary dispatches and
// GetByteStream as a stream producer. StreamBytes fixes how many bytes
// GetByteStream emits: StreamInitialization carries no argument slot of
// its own (wire.StreamInit is a fixed 32 bytes, spec.md §6), so a real
// generated stub would need a prior call to configure this; here the
// test fixture sets it directly at construction.
type CalcServant struct {
	StreamBytes int
}

func NewCalcServant(streamBytes int) *CalcServant {
	return &CalcServant{StreamBytes: streamBytes}
}

func (*CalcServant) ClassId() string { return ClassId }

func (s *CalcServant) Dispatch(ctx *poa.DispatchContext) error {
	switch ctx.FunctionIdx {
	case FuncAdd:
		return s.add(ctx)
	case FuncSleep:
		return s.sleep(ctx)
	case FuncEcho:
		return s.echo(ctx)
	default:
		return nprpc.NewRpcError(nprpc.KindUnknownFunctionIndex, fmt.Sprintf("calc: no function %d", ctx.FunctionIdx))
	}
}

// add reads two fixed int32 args at offsets 0 and 4 and writes their
// sum as a fixed int32 reply field at offset 16 (right after the
// reserved 16-byte Answer header).
func (s *CalcServant) add(ctx *poa.DispatchContext) error {
	rx, ok := ctx.Rx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: rx is not a flat.Buffer")
	}
	a, err := rx.GetU32(0)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: bad a argument")
	}
	b, err := rx.GetU32(4)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: bad b argument")
	}
	tx, ok := ctx.Tx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: tx is not a flat.Buffer")
	}
	tx.ReserveFixed(4)
	tx.PutU32(16, a+b)
	return nil
}

// sleep blocks the dispatching worker for durationMs milliseconds and
// replies with a bare Success ack — it exercises the invocation
// engine's per-call timeout independent of any network delay.
func (s *CalcServant) sleep(ctx *poa.DispatchContext) error {
	rx, ok := ctx.Rx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: rx is not a flat.Buffer")
	}
	durationMs, err := rx.GetU32(0)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: bad duration argument")
	}
	time.Sleep(time.Duration(durationMs) * time.Millisecond)
	return nil
}

// echo reads a single string argument and returns it unchanged; it
// exists to give the malformed-input scenario a vector-bearing method
// to target (Add/Sleep are fixed-scalar only).
func (s *CalcServant) echo(ctx *poa.DispatchContext) error {
	rx, ok := ctx.Rx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: rx is not a flat.Buffer")
	}
	text, err := rx.ReadString(0)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: bad text argument")
	}
	tx, ok := ctx.Tx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "calc: tx is not a flat.Buffer")
	}
	tx.ReserveFixed(8)
	tx.AllocString(16, text)
	return nil
}

// ProduceStream implements rt.StreamProducer: it ignores init.FuncIdx
// (Calc only has one streaming method) and pushes StreamBytes chunks of
// one byte each, in order, then a StreamCompletion — spec.md §8's
// "stream of 5 bytes" scenario.
func (s *CalcServant) ProduceStream(init wire.StreamInit, sess transport.Session, mgr *stream.Manager) {
	for i := 0; i < s.StreamBytes; i++ {
		if err := sendDataChunk(sess, init.StreamId, uint64(i), []byte{byte(i)}); err != nil {
			return
		}
	}
	_ = sendCompletion(sess, init.StreamId, uint64(s.StreamBytes))
}

func sendDataChunk(sess transport.Session, streamId, sequence uint64, data []byte) error {
	tx := flat.NewBuffer(wire.HeaderSize + wire.StreamDataChunkHdrSize + 8 + len(data))
	tx.ReserveFixed(wire.HeaderSize)
	chunkHdrOff := tx.ReserveFixed(wire.StreamDataChunkHdrSize)
	body := tx.Bytes()
	wire.StreamDataChunkHdr{StreamId: streamId, Sequence: sequence, WindowSize: 1}.Encode(body[chunkHdrOff:])
	vecHdrOff := tx.ReserveFixed(8)
	tx.AllocVector(vecHdrOff, len(data), 1, 1)
	frame := tx.Bytes()
	copy(frame[len(frame)-len(data):], data)
	wire.Header{
		Size: uint32(len(frame) - 4), MsgId: wire.StreamDataChunk, MsgType: wire.OneWay,
	}.Encode(frame)
	return sess.Send(frame)
}

func sendCompletion(sess transport.Session, streamId, finalSequence uint64) error {
	buf := make([]byte, wire.HeaderSize+wire.StreamCompletionSize)
	wire.Header{
		Size: uint32(len(buf) - 4), MsgId: wire.StreamCompletion, MsgType: wire.OneWay,
	}.Encode(buf)
	wire.StreamCompletionMsg{StreamId: streamId, FinalSequence: finalSequence}.Encode(buf[wire.HeaderSize:])
	return sess.Send(buf)
}
