package poa

import (
	"testing"

	"github.com/nikitapn/nprpc-go"
)

type stubServant struct{ classId string }

func (s *stubServant) ClassId() string                       { return s.classId }
func (s *stubServant) Dispatch(*DispatchContext) error { return nil }

func TestActivateLookupDeactivate(t *testing.T) {
	tbl := NewTable(1, Policies{Lifespan: Transient, ObjectIdPolicy: SystemGenerated, MaxObjects: 4}, [16]byte{}, "tcp://host:9000")
	id, err := tbl.Activate(&stubServant{classId: "Calc"}, 0)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if id.SlotIndex() != 0 || id.Generation() != 1 {
		t.Fatalf("unexpected id %+v", id)
	}
	if _, err := tbl.Lookup(id.Raw); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := tbl.Deactivate(id.Raw); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := tbl.Lookup(id.Raw); !nprpc.IsKind(err, nprpc.KindObjectNotExist) {
		t.Fatalf("expected ObjectNotExist after deactivate, got %v", err)
	}
}

// TestGenerationInvariant is spec.md §8's literal property: "after
// max_objects + 1 successive activation/deactivation cycles on the same
// slot, a stale ObjectId captured from cycle 0 resolves to ObjectNotExist."
func TestGenerationInvariant(t *testing.T) {
	const maxObjects = 4
	tbl := NewTable(1, Policies{Lifespan: Transient, ObjectIdPolicy: SystemGenerated, MaxObjects: maxObjects}, [16]byte{}, "")

	first, err := tbl.Activate(&stubServant{classId: "Calc"}, 0)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := tbl.Deactivate(first.Raw); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	for i := 0; i < maxObjects+1; i++ {
		id, err := tbl.Activate(&stubServant{classId: "Calc"}, 0)
		if err != nil {
			t.Fatalf("cycle %d activate: %v", i, err)
		}
		if err := tbl.Deactivate(id.Raw); err != nil {
			t.Fatalf("cycle %d deactivate: %v", i, err)
		}
	}

	if _, err := tbl.Lookup(first.Raw); !nprpc.IsKind(err, nprpc.KindObjectNotExist) {
		t.Fatalf("stale object id from cycle 0 must resolve ObjectNotExist, got %v", err)
	}
}

func TestActivateWithIdRejectsNonZeroGeneration(t *testing.T) {
	tbl := NewTable(1, Policies{ObjectIdPolicy: UserSupplied, MaxObjects: 4}, [16]byte{}, "")
	_, err := tbl.ActivateWithId(nprpc.MakeRaw(0, 1), &stubServant{classId: "Calc"}, 0)
	if !nprpc.IsKind(err, nprpc.KindBadInput) {
		t.Fatalf("expected BadInput, got %v", err)
	}
}

func TestRemoteRefcountDeactivatesTransientAtZero(t *testing.T) {
	tbl := NewTable(1, Policies{Lifespan: Transient, ObjectIdPolicy: SystemGenerated, MaxObjects: 4}, [16]byte{}, "")
	id, _ := tbl.Activate(&stubServant{classId: "Calc"}, 0)

	if err := tbl.AddRef(id.Raw); err != nil {
		t.Fatalf("add_ref: %v", err)
	}
	if rc, _ := tbl.Refcount(id.Raw); rc != 1 {
		t.Fatalf("expected refcount 1, got %d", rc)
	}
	if err := tbl.Release(id.Raw); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := tbl.Lookup(id.Raw); !nprpc.IsKind(err, nprpc.KindObjectNotExist) {
		t.Fatalf("expected deactivation once refcount hits zero, got %v", err)
	}
}

// TestDeactivateFreesSlotImmediately is spec.md §4.6's literal ordering:
// deactivate() marks the slot free and bumps its generation synchronously,
// so a Lookup racing a still-in-flight dispatch must fail with
// ObjectNotExist rather than keep resolving against the "deactivated"
// slot. Only the servant the in-flight dispatch already captured stays
// alive, and only until it returns.
func TestDeactivateFreesSlotImmediately(t *testing.T) {
	tbl := NewTable(1, Policies{Lifespan: Transient, ObjectIdPolicy: SystemGenerated, MaxObjects: 4}, [16]byte{}, "")
	id, _ := tbl.Activate(&stubServant{classId: "Calc"}, 0)

	servant, done, err := tbl.BeginDispatch(id.Raw)
	if err != nil {
		t.Fatalf("begin dispatch: %v", err)
	}
	if servant == nil {
		t.Fatalf("expected a servant from begin dispatch")
	}
	if err := tbl.Deactivate(id.Raw); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// the slot is free the instant Deactivate returns: a concurrent call
	// for an unrelated new object must never land on it via a stale lookup
	if _, err := tbl.Lookup(id.Raw); !nprpc.IsKind(err, nprpc.KindObjectNotExist) {
		t.Fatalf("expected lookup to fail immediately after deactivate, got %v", err)
	}
	done()
}

// TestDeactivateDoesNotClobberReactivatedSlot: if the freed slot is
// reused by a fresh Activate before the old dispatch's done() fires,
// finalize must not nil out the new occupant's servant.
func TestDeactivateDoesNotClobberReactivatedSlot(t *testing.T) {
	tbl := NewTable(1, Policies{Lifespan: Transient, ObjectIdPolicy: SystemGenerated, MaxObjects: 1}, [16]byte{}, "")
	first, _ := tbl.Activate(&stubServant{classId: "Calc"}, 0)

	_, done, err := tbl.BeginDispatch(first.Raw)
	if err != nil {
		t.Fatalf("begin dispatch: %v", err)
	}
	if err := tbl.Deactivate(first.Raw); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	second, err := tbl.Activate(&stubServant{classId: "Calc2"}, 0)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if second.SlotIndex() != first.SlotIndex() {
		t.Fatalf("expected the single-capacity table to reuse the freed slot")
	}

	done() // the old dispatch returns after the slot was already reused

	s, err := tbl.Lookup(second.Raw)
	if err != nil {
		t.Fatalf("expected the reactivated slot to still resolve, got %v", err)
	}
	if s.ClassId() != "Calc2" {
		t.Fatalf("expected the new occupant's servant to survive the old dispatch's finalize, got %q", s.ClassId())
	}
}
