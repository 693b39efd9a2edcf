package nprpc

import "sync"

// RefSender is implemented by the runtime (rt.Rpc): it knows how to
// reach the peer that owns an ObjectId and send it a lifetime message.
type RefSender interface {
	SendAddReference(ep Endpoint, poaIdx uint16, objectId uint64) error
	SendReleaseObject(ep Endpoint, poaIdx uint16, objectId uint64) error
}

// ObjectPtr is the local proxy handle to a (possibly remote) ObjectId.
// Multiple ObjectPtr values constructed from the same underlying
// reference share one remote refcount transition per spec.md §3:
// "first local add_ref sends one remote AddReference; last local
// release sends one remote ReleaseObject." That sharing is modeled by
// every narrowed/copied ObjectPtr pointing at the same *sharedRef.
type ObjectPtr struct {
	shared *sharedRef
}

type sharedRef struct {
	mu     sync.Mutex
	id     ObjectId
	ep     Endpoint
	sender RefSender
	count  int32
}

func NewObjectPtr(id ObjectId, ep Endpoint, sender RefSender) *ObjectPtr {
	return &ObjectPtr{shared: &sharedRef{id: id, ep: ep, sender: sender}}
}

// Clone returns a new local proxy sharing the same remote refcount.
func (p *ObjectPtr) Clone() *ObjectPtr { return &ObjectPtr{shared: p.shared} }

func (p *ObjectPtr) ObjectId() ObjectId { return p.shared.id }

// AddRef increments the local proxy count; on the 0→1 transition it
// sends exactly one remote AddReference message.
func (p *ObjectPtr) AddRef() error {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.count == 1 && s.sender != nil {
		return s.sender.SendAddReference(s.ep, s.id.PoaIdx, s.id.Raw)
	}
	return nil
}

// Release decrements the local proxy count; on the 1→0 transition it
// sends exactly one remote ReleaseObject message.
func (p *ObjectPtr) Release() error {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return NewRpcError(KindBadAccess, "release without a matching add_ref")
	}
	s.count--
	if s.count == 0 && s.sender != nil {
		return s.sender.SendReleaseObject(s.ep, s.id.PoaIdx, s.id.Raw)
	}
	return nil
}

func (p *ObjectPtr) LocalCount() int32 {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
