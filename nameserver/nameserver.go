// Package nameserver implements the Bind/Resolve wire contract of
// spec.md §6 — "a single IDL-defined servant included for completeness"
// — as a poa.Servant so it is dispatched through the same path as any
// other object, backed by github.com/tidwall/buntdb for persistence
// across restarts.
package nameserver

import (
	"fmt"

	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/flat"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/poa"
)

const ClassId = "Nameserver"

// function indices, matching the order the (hand-authored, not
// generated) Nameserver stub in nstest expects.
const (
	FuncBind    uint8 = 0
	FuncResolve uint8 = 1
)

type Servant struct {
	db *buntdb.DB
}

// Open creates a servant persisting bindings to path (":memory:" for
// an ephemeral in-process store).
func Open(path string) (*Servant, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Servant{db: db}, nil
}

func (s *Servant) Close() error { return s.db.Close() }

func (*Servant) ClassId() string { return ClassId }

func (s *Servant) Dispatch(ctx *poa.DispatchContext) error {
	switch ctx.FunctionIdx {
	case FuncBind:
		return s.bind(ctx)
	case FuncResolve:
		return s.resolve(ctx)
	default:
		return nprpc.NewRpcError(nprpc.KindUnknownFunctionIndex, fmt.Sprintf("nameserver: no function %d", ctx.FunctionIdx))
	}
}

// wire layout for Bind's request body: a flat-encoded ObjectId string
// at offset 0 followed by the binding name at offset 8 (the first
// field's 8-byte vector header occupies [0,8)) — the argument area has
// no reserved header of its own; CallHeader has already been consumed
// by the dispatcher before ctx.Rx is constructed.
func (s *Servant) bind(ctx *poa.DispatchContext) error {
	buf, ok := ctx.Rx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: rx is not a flat.Buffer")
	}
	objStr, err := buf.ReadString(0)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: bad object_id field")
	}
	name, err := buf.ReadString(8)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: bad name field")
	}
	if _, err := nprpc.UnmarshalObjectId(objStr); err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: malformed object_id")
	}
	tag, _ := shortid.Generate()
	nlog.Infof("nameserver[%s]: bind %q", tag, name)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(name, objStr, nil)
		return err
	})
}

// resolve returns (result bool, obj ObjectId) — result=false with a
// zero-value ObjectId on miss, matching spec.md §6's "returns true
// with a reference on hit" — a miss is not an error.
func (s *Servant) resolve(ctx *poa.DispatchContext) error {
	buf, ok := ctx.Rx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: rx is not a flat.Buffer")
	}
	name, err := buf.ReadString(0)
	if err != nil {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: bad name field")
	}
	tag, _ := shortid.Generate()

	var objStr string
	found := true
	err = s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(name)
		if err == buntdb.ErrNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		objStr = v
		return nil
	})
	if err != nil {
		return nprpc.NewCommFailure("nameserver: store read failed", err)
	}
	nlog.Infof("nameserver[%s]: resolve %q found=%v", tag, name, found)

	tx, ok := ctx.Tx.(*flat.Buffer)
	if !ok {
		return nprpc.NewRpcError(nprpc.KindBadInput, "nameserver: tx is not a flat.Buffer")
	}
	// Fixed reply struct beyond the reply Header: a 1-byte bool at 16,
	// padded to 4, then an 8-byte string-vector header at 20.
	tx.ReserveFixed(12)
	tx.PutBool(16, found)
	if found {
		tx.AllocString(20, objStr)
	} else {
		tx.AllocString(20, "")
	}
	return nil
}
