package invoke

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/transport"
)

// DialFunc opens one Session to ep; supplied by the rt package, which
// knows how to map an Endpoint's TransportKind to transport.DialTCP /
// DialWS / DialHTTP / DialMem / DialUDP.
type DialFunc func(ep nprpc.Endpoint) (transport.Session, error)

// SessionPool caches one live Session per endpoint and collapses
// concurrent dials to the same endpoint into a single in-flight dial,
// per spec.md §4.2 ("at most one session per proxy-endpoint pair").
// golang.org/x/sync/singleflight is the teacher's own dedup primitive
// for exactly this shape of "many callers, one winner" request.
type SessionPool struct {
	dial DialFunc

	group singleflight.Group

	mu    sync.Mutex
	byKey map[string]transport.Session
}

func NewSessionPool(dial DialFunc) *SessionPool {
	return &SessionPool{dial: dial, byKey: make(map[string]transport.Session)}
}

// Acquire returns the live session for ep, dialing one if none exists
// or the cached one has failed.
func (p *SessionPool) Acquire(ep nprpc.Endpoint) (transport.Session, error) {
	key := ep.String()

	p.mu.Lock()
	if sess, ok := p.byKey[key]; ok {
		select {
		case <-sess.Done():
			delete(p.byKey, key) // stale, redial below
		default:
			p.mu.Unlock()
			return sess, nil
		}
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(key, func() (any, error) {
		sess, err := p.dial(ep)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.byKey[key] = sess
		p.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Session), nil
}

// Forget drops sess from the cache, typically called from a
// FailureObserver once a session has torn down.
func (p *SessionPool) Forget(ep nprpc.Endpoint, sess transport.Session) {
	key := ep.String()
	p.mu.Lock()
	if cur, ok := p.byKey[key]; ok && cur == sess {
		delete(p.byKey, key)
	}
	p.mu.Unlock()
}
