package nstest

import (
	"context"
	"time"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/flat"
	"github.com/nikitapn/nprpc-go/nameserver"
	"github.com/nikitapn/nprpc-go/rt"
	"github.com/nikitapn/nprpc-go/wire"
)

// NSProxy is the hand-written client stub for nameserver.Servant's
// Bind/Resolve contract — the other servant this module ships fully
// wired end to end (spec.md §6).
type NSProxy struct {
	rpc *rt.Rpc
	ep  nprpc.Endpoint
	obj nprpc.ObjectId
}

func NewNSProxy(r *rt.Rpc, ep nprpc.Endpoint, obj nprpc.ObjectId) (*NSProxy, error) {
	if _, err := nprpc.Narrow(obj, nameserver.ClassId); err != nil {
		return nil, err
	}
	return &NSProxy{rpc: r, ep: ep, obj: obj}, nil
}

func (p *NSProxy) newCallFrame(funcIdx uint8, argsSize int) *flat.Buffer {
	tx := flat.NewBuffer(wire.HeaderSize + wire.CallHeaderSize + argsSize)
	tx.ReserveFixed(wire.HeaderSize)
	tx.ReserveFixed(wire.CallHeaderSize)
	body := tx.Bytes()
	wire.Header{MsgId: wire.FunctionCall}.Encode(body)
	wire.CallHeader{
		PoaIdx: p.obj.PoaIdx, InterfaceIdx: 0, FunctionIdx: funcIdx, ObjectId: p.obj.Raw,
	}.Encode(body[wire.HeaderSize:])
	return tx
}

// Bind stores obj's marshalled textual reference under name.
func (p *NSProxy) Bind(ctx context.Context, name string, obj nprpc.ObjectId, timeout time.Duration) error {
	objStr := obj.Marshal()
	tx := p.newCallFrame(nameserver.FuncBind, 16+len(objStr)+len(name))
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	tx.ReserveFixed(16)
	tx.AllocString(argsOff, objStr)
	tx.AllocString(argsOff+8, name)

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return err
	}
	if reply.Header.MsgId.IsError() {
		return asRpcError(reply.Header)
	}
	return nil
}

// Resolve looks up name, returning (ObjectId, true) on a hit or
// (ObjectId{}, false) on a miss — a miss is not an error, spec.md §6.
func (p *NSProxy) Resolve(ctx context.Context, name string, timeout time.Duration) (nprpc.ObjectId, bool, error) {
	tx := p.newCallFrame(nameserver.FuncResolve, 8+len(name))
	argsOff := wire.HeaderSize + wire.CallHeaderSize
	tx.ReserveFixed(8)
	tx.AllocString(argsOff, name)

	reply, err := p.rpc.Call(ctx, p.ep, tx.Bytes(), timeout)
	if err != nil {
		return nprpc.ObjectId{}, false, err
	}
	if reply.Header.MsgId.IsError() {
		return nprpc.ObjectId{}, false, asRpcError(reply.Header)
	}
	rx := flat.WrapForDecode(reply.Frame[wire.HeaderSize:])
	found, err := rx.GetBool(0)
	if err != nil {
		return nprpc.ObjectId{}, false, nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: malformed resolve reply")
	}
	if !found {
		return nprpc.ObjectId{}, false, nil
	}
	objStr, err := rx.ReadString(4)
	if err != nil {
		return nprpc.ObjectId{}, false, nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: malformed resolve reply")
	}
	obj, err := nprpc.UnmarshalObjectId(objStr)
	if err != nil {
		return nprpc.ObjectId{}, false, err
	}
	return obj, true, nil
}
