package poa

import (
	"sync"

	"github.com/nikitapn/nprpc-go"
)

type Lifespan int

const (
	Transient Lifespan = iota
	Persistent
)

type ObjectIdPolicy int

const (
	SystemGenerated ObjectIdPolicy = iota
	UserSupplied
)

// Policies are the per-POA policies of spec.md §3.
type Policies struct {
	Lifespan       Lifespan
	ObjectIdPolicy ObjectIdPolicy
	MaxObjects     uint32
}

type slot struct {
	generation uint32
	next       int32 // free-list link when free; -1 terminates the list
	servant    Servant
	free       bool
	refcount   int64 // remote AddReference/ReleaseObject accounting
	inflight   int32 // in-flight dispatch count
	deactivated bool // deactivate() called; finalize once inflight==0
	pendingGen  uint32 // generation stamped by the deactivate() that set deactivated; a
	                   // later Activate bumping past it means the slot was already reused
}

// Table is a POA's object table: fixed capacity, generation-counter
// free-list, O(1) lookup with a generation check.
type Table struct {
	mu       sync.Mutex
	PoaIdx   uint16
	Policies Policies
	Origin   [16]byte
	Urls     string // URLs this POA's objects are reachable on (flags-dependent, composed by caller)

	slots    []slot
	freeHead int32
}

func NewTable(poaIdx uint16, policies Policies, origin [16]byte, urls string) *Table {
	t := &Table{
		PoaIdx:   poaIdx,
		Policies: policies,
		Origin:   origin,
		Urls:     urls,
		slots:    make([]slot, policies.MaxObjects),
		freeHead: 0,
	}
	for i := range t.slots {
		t.slots[i].free = true
		if i+1 < len(t.slots) {
			t.slots[i].next = int32(i + 1)
		} else {
			t.slots[i].next = -1
		}
	}
	return t
}

func (t *Table) classURLs(flags nprpc.ObjectFlags) string {
	if flags.Has(nprpc.FlagTethered) {
		return ""
	}
	return t.Urls
}

// Activate allocates a slot from the free-list under SystemGenerated
// policy and composes the resulting ObjectId, spec.md §4.6.
func (t *Table) Activate(servant Servant, flags nprpc.ObjectFlags) (nprpc.ObjectId, error) {
	if t.Policies.ObjectIdPolicy != SystemGenerated {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadAccess, "activate: POA requires UserSupplied ids")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeHead < 0 {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadAccess, "activate: POA object table full")
	}
	idx := t.freeHead
	s := &t.slots[idx]
	t.freeHead = s.next
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.servant = servant
	s.free = false
	s.deactivated = false
	s.refcount = 0
	s.inflight = 0

	return nprpc.ObjectId{
		Raw:     nprpc.MakeRaw(uint32(idx), s.generation),
		PoaIdx:  t.PoaIdx,
		Flags:   flags,
		Origin:  t.Origin,
		ClassId: servant.ClassId(),
		Urls:    t.classURLs(flags),
	}, nil
}

// ActivateWithId requires slot < max_objects, slot unused, and a zero
// generation part in id; it sets the generation to 1, per spec.md §4.6.
func (t *Table) ActivateWithId(id uint64, servant Servant, flags nprpc.ObjectFlags) (nprpc.ObjectId, error) {
	if t.Policies.ObjectIdPolicy != UserSupplied {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadAccess, "activate_with_id: POA requires SystemGenerated ids")
	}
	slotIdx := uint32(id)
	generation := uint32(id >> 32)
	if generation != 0 {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadInput, "activate_with_id: generation part must be zero")
	}
	if slotIdx >= t.Policies.MaxObjects {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadInput, "activate_with_id: slot out of range")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[slotIdx]
	if !s.free {
		return nprpc.ObjectId{}, nprpc.NewRpcError(nprpc.KindBadAccess, "activate_with_id: slot in use")
	}
	t.unlinkFree(slotIdx)
	s.generation = 1
	s.servant = servant
	s.free = false
	s.deactivated = false
	s.refcount = 0
	s.inflight = 0

	return nprpc.ObjectId{
		Raw:     nprpc.MakeRaw(slotIdx, s.generation),
		PoaIdx:  t.PoaIdx,
		Flags:   flags,
		Origin:  t.Origin,
		ClassId: servant.ClassId(),
		Urls:    t.classURLs(flags),
	}, nil
}

// unlinkFree removes idx from the free-list; caller holds t.mu. Used
// only by ActivateWithId, where the free slot may not be at freeHead.
func (t *Table) unlinkFree(idx uint32) {
	if t.freeHead == int32(idx) {
		t.freeHead = t.slots[idx].next
		return
	}
	cur := t.freeHead
	for cur >= 0 {
		if t.slots[cur].next == int32(idx) {
			t.slots[cur].next = t.slots[idx].next
			return
		}
		cur = t.slots[cur].next
	}
}

func (t *Table) lookupSlot(objectId uint64) (*slot, error) {
	slotIdx := uint32(objectId)
	generation := uint32(objectId >> 32)
	if slotIdx >= uint32(len(t.slots)) {
		return nil, nprpc.NewRpcError(nprpc.KindObjectNotExist, "slot out of range")
	}
	s := &t.slots[slotIdx]
	if s.free || s.generation != generation {
		return nil, nprpc.NewRpcError(nprpc.KindObjectNotExist, "stale or unknown object id")
	}
	return s, nil
}

// Lookup resolves an ObjectId to its servant, failing with
// ObjectNotExist on a slot/generation mismatch (spec.md §4.6).
func (t *Table) Lookup(objectId uint64) (Servant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		return nil, err
	}
	return s.servant, nil
}

// BeginDispatch resolves the servant and marks one dispatch in flight;
// the caller must invoke the returned func when the dispatch returns so
// a concurrent Deactivate can finalize destruction (spec.md §4.6:
// "after in-flight dispatches return, drop the servant").
func (t *Table) BeginDispatch(objectId uint64) (Servant, func(), error) {
	t.mu.Lock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		t.mu.Unlock()
		return nil, nil, err
	}
	s.inflight++
	servant := s.servant
	slotIdx := uint32(objectId)
	t.mu.Unlock()

	done := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		slot := &t.slots[slotIdx]
		slot.inflight--
		if slot.inflight == 0 && slot.deactivated && slot.generation == slot.pendingGen {
			t.finalizeLocked(slotIdx)
		}
	}
	return servant, done, nil
}

// Deactivate marks the slot free and bumps its generation immediately,
// so any Lookup racing a concurrent Deactivate sees the new generation
// and fails with ObjectNotExist rather than resolving against a slot
// that is conceptually already gone. Only the servant pointer itself
// is kept alive, for whatever dispatches are still in flight against
// it, and dropped once they all return (spec.md §4.6). If the slot is
// reused by a fresh Activate before those dispatches drain, its
// generation moves past pendingGen and the stale finalize is skipped
// so it can't clobber the new occupant's servant.
func (t *Table) Deactivate(objectId uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		return err
	}
	slotIdx := uint32(objectId)
	s.deactivated = true
	s.free = true
	s.generation++
	s.pendingGen = s.generation
	s.next = t.freeHead
	t.freeHead = int32(slotIdx)
	if s.inflight == 0 {
		t.finalizeLocked(slotIdx)
	}
	return nil
}

// finalizeLocked drops the servant once all in-flight dispatches against
// its slot have returned; caller holds t.mu. The slot itself was already
// freed and its generation bumped by Deactivate.
func (t *Table) finalizeLocked(slotIdx uint32) {
	t.slots[slotIdx].servant = nil
}

// AddRef increments the remote refcount for objectId — invoked by the
// session dispatcher on an inbound AddReference message.
func (t *Table) AddRef(objectId uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		return err
	}
	s.refcount++
	return nil
}

// Release decrements the remote refcount; when it reaches zero on a
// Transient-lifespan object, the POA deactivates it (spec.md §4.3).
func (t *Table) Release(objectId uint64) error {
	t.mu.Lock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	s.refcount--
	zero := s.refcount <= 0 && t.Policies.Lifespan == Transient
	t.mu.Unlock()
	if zero {
		return t.Deactivate(objectId)
	}
	return nil
}

func (t *Table) Refcount(objectId uint64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookupSlot(objectId)
	if err != nil {
		return 0, err
	}
	return s.refcount, nil
}
