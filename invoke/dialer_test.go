package invoke

import (
	"testing"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/transport"
)

func dialerFakeSession(ep nprpc.Endpoint) *fakeSession {
	s := newFakeSession()
	s.ep = ep
	return s
}

func TestAcquireCachesOneSessionPerEndpoint(t *testing.T) {
	ep := nprpc.Endpoint{Kind: nprpc.TransportTCP, Host: "127.0.0.1", Port: 1}
	dials := 0
	pool := NewSessionPool(func(nprpc.Endpoint) (transport.Session, error) {
		dials++
		return dialerFakeSession(ep), nil
	})

	a, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same cached session, got two different ones")
	}
	if dials != 1 {
		t.Fatalf("expected exactly one dial, got %d", dials)
	}
}

func TestForgetEvictsAndAllowsRedial(t *testing.T) {
	ep := nprpc.Endpoint{Kind: nprpc.TransportTCP, Host: "127.0.0.1", Port: 1}
	dials := 0
	pool := NewSessionPool(func(nprpc.Endpoint) (transport.Session, error) {
		dials++
		return dialerFakeSession(ep), nil
	})

	first, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Forget(ep, first)

	second, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire after forget: %v", err)
	}
	if second == first {
		t.Fatalf("expected forget to force a fresh dial, got the stale session back")
	}
	if dials != 2 {
		t.Fatalf("expected two dials after forget, got %d", dials)
	}
}

func TestForgetIgnoresMismatchedSession(t *testing.T) {
	ep := nprpc.Endpoint{Kind: nprpc.TransportTCP, Host: "127.0.0.1", Port: 1}
	pool := NewSessionPool(func(nprpc.Endpoint) (transport.Session, error) {
		return dialerFakeSession(ep), nil
	})

	cached, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stale := dialerFakeSession(ep)
	pool.Forget(ep, stale) // not the cached session; must be a no-op

	again, err := pool.Acquire(ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if again != cached {
		t.Fatalf("expected the still-cached session to survive an unrelated Forget")
	}
}
