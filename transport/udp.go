// UDP transport: best-effort by default, with an optional reliable
// mode that layers sequence numbers, acks, and exponential-backoff
// retransmission on top (spec.md §4.5 "UDP — best-effort by default;
// reliable mode retransmits unacked datagrams"). Max payload is capped
// well under the common path MTU to avoid IP fragmentation.
package transport

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/wire"
)

const (
	udpMaxPayload = 1400
	udpEnvAck     = 0x01
)

// udp envelope: 4-byte sequence, 1-byte flags, then the raw frame.
const udpEnvSize = 5

type UDPConfig struct {
	Reliable      bool
	RetryBudget   int
	RetryBaseDelay time.Duration
}

// UDPSession sends datagrams to a single fixed peer over a connected
// UDP socket. Reliable mode tracks one in-flight acked message at a
// time per spec.md's ordering note ("reliable mode does not reorder;
// a send blocks until acked or exhausted").
type UDPSession struct {
	conn    *net.UDPConn // nil for listener-side sessions, which share the listener's socket
	writeTo func([]byte) (int, error)
	remote  nprpc.Endpoint
	extra   Extra
	cfg     UDPConfig

	seq uint32

	mu      sync.Mutex
	pending map[uint32]chan struct{}

	dedup *cuckoo.Filter

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func DialUDP(ep nprpc.Endpoint, extra Extra, cfg UDPConfig) (Session, error) {
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 5
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ep.Host), Port: int(ep.Port)}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, nprpc.NewCommFailure("udp dial failed", err)
	}
	return newUDPSession(conn, ep, extra, cfg), nil
}

func newUDPSession(conn *net.UDPConn, remote nprpc.Endpoint, extra Extra, cfg UDPConfig) *UDPSession {
	s := &UDPSession{
		conn:    conn,
		writeTo: conn.Write,
		remote:  remote,
		extra:   extra,
		cfg:     cfg,
		pending: make(map[uint32]chan struct{}),
		dedup:   cuckoo.NewFilter(4096),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *UDPSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *UDPSession) Tethered() bool                 { return false }
func (s *UDPSession) Done() <-chan struct{}          { return s.done }
func (s *UDPSession) Err() error                     { return s.err }

func (s *UDPSession) Close(reason error) {
	s.errOnce.Do(func() {
		s.err = reason
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	if s.extra.OnFailure != nil {
		s.extra.OnFailure.SessionFailed(s, reason)
	}
}

func (s *UDPSession) Send(frame []byte) error {
	if len(frame) > udpMaxPayload {
		return nprpc.NewRpcError(nprpc.KindBadInput, "udp payload exceeds max size")
	}
	seq := s.nextSeq()
	env := make([]byte, udpEnvSize+len(frame))
	binary.LittleEndian.PutUint32(env, seq)
	copy(env[udpEnvSize:], frame)

	if !s.cfg.Reliable {
		_, err := s.writeTo(env)
		if err != nil {
			return nprpc.NewCommFailure("udp write failed", err)
		}
		return nil
	}
	return s.sendReliable(seq, env)
}

func (s *UDPSession) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *UDPSession) sendReliable(seq uint32, env []byte) error {
	acked := make(chan struct{})
	s.mu.Lock()
	s.pending[seq] = acked
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	delay := s.cfg.RetryBaseDelay
	for attempt := 0; attempt < s.cfg.RetryBudget; attempt++ {
		if _, err := s.writeTo(env); err != nil {
			return nprpc.NewCommFailure("udp write failed", err)
		}
		select {
		case <-acked:
			return nil
		case <-time.After(delay):
			if delay < time.Second {
				delay *= 2
				if delay > time.Second {
					delay = time.Second
				}
			}
		case <-s.done:
			return nprpc.NewCommFailure("session closed", s.err)
		}
	}
	return nprpc.NewRpcError(nprpc.KindCommFailure, "udp retry budget exhausted")
}

func (s *UDPSession) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.Close(nprpc.NewCommFailure("udp read failed", err))
			return
		}
		if n < udpEnvSize {
			continue
		}
		seq := binary.LittleEndian.Uint32(buf[:4])
		flags := buf[4]
		payload := append([]byte(nil), buf[udpEnvSize:n]...)

		if flags&udpEnvAck != 0 {
			s.mu.Lock()
			if ch, ok := s.pending[seq]; ok {
				close(ch)
				delete(s.pending, seq)
			}
			s.mu.Unlock()
			continue
		}
		if s.cfg.Reliable {
			s.sendAck(seq)
			dedupKey := dedupKeyFor(seq, s.remote)
			if s.dedup.Lookup(dedupKey) {
				continue
			}
			s.dedup.InsertUnique(dedupKey)
		}
		s.dispatch(payload)
	}
}

func (s *UDPSession) sendAck(seq uint32) {
	ack := make([]byte, udpEnvSize)
	binary.LittleEndian.PutUint32(ack, seq)
	ack[4] = udpEnvAck
	_, _ = s.writeTo(ack)
}

func dedupKeyFor(seq uint32, ep nprpc.Endpoint) []byte {
	key := make([]byte, 4+len(ep.Host))
	binary.LittleEndian.PutUint32(key, seq)
	copy(key[4:], ep.Host)
	return key
}

func (s *UDPSession) dispatch(frame []byte) {
	hdr, ok := wire.DecodeHeader(frame)
	if !ok || int(hdr.Size)+4 != len(frame) {
		return
	}
	if s.extra.Handler == nil {
		return
	}
	if hdr.MsgType == wire.Answer {
		s.extra.Handler.HandleAnswer(s, frame)
		return
	}
	reply, deferred := s.extra.Handler.HandleRequest(s, frame)
	if deferred {
		return
	}
	if reply == nil {
		reply = successReply(hdr.RequestId)
	}
	_ = s.Send(reply)
}

// ListenUDP binds a single socket for all inbound peers and demuxes by
// source address, constructing one UDPSession per observed peer.
type UDPListener struct {
	conn *net.UDPConn
	extra Extra
	cfg  UDPConfig

	mu       sync.Mutex
	sessions map[string]*UDPSession
}

func ListenUDP(port int, extra Extra, cfg UDPConfig, onAccept func(Session)) (*UDPListener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, nprpc.NewCommFailure("udp listen failed", err)
	}
	l := &UDPListener{conn: conn, extra: extra, cfg: cfg, sessions: make(map[string]*UDPSession)}
	go l.readLoop(onAccept)
	return l, nil
}

func (l *UDPListener) Close() error { return l.conn.Close() }

func (l *UDPListener) readLoop(onAccept func(Session)) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		sess := l.sessionFor(addr, onAccept)
		sess.handleInbound(buf[:n])
	}
}

func (l *UDPListener) sessionFor(addr *net.UDPAddr, onAccept func(Session)) *UDPSession {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[key]; ok {
		return s
	}
	remote := nprpc.Endpoint{Kind: nprpc.TransportUDP, Host: addr.IP.String(), Port: uint16(addr.Port)}
	// A listener-side UDPSession shares the listener's single bound
	// socket for writes (via WriteToUDP) rather than owning its own
	// connected conn.
	s := &UDPSession{
		remote:  remote,
		extra:   l.extra,
		cfg:     l.cfg,
		pending: make(map[uint32]chan struct{}),
		dedup:   cuckoo.NewFilter(4096),
		done:    make(chan struct{}),
		writeTo: func(b []byte) (int, error) { return l.conn.WriteToUDP(b, addr) },
	}
	l.sessions[key] = s
	if onAccept != nil {
		onAccept(s)
	}
	return s
}

func (s *UDPSession) handleInbound(buf []byte) {
	if len(buf) < udpEnvSize {
		return
	}
	seq := binary.LittleEndian.Uint32(buf[:4])
	flags := buf[4]
	payload := append([]byte(nil), buf[udpEnvSize:]...)

	if flags&udpEnvAck != 0 {
		s.mu.Lock()
		if ch, ok := s.pending[seq]; ok {
			close(ch)
			delete(s.pending, seq)
		}
		s.mu.Unlock()
		return
	}
	if s.cfg.Reliable {
		s.sendAck(seq)
		dedupKey := dedupKeyFor(seq, s.remote)
		if s.dedup.Lookup(dedupKey) {
			return
		}
		s.dedup.InsertUnique(dedupKey)
	}
	s.dispatch(payload)
}
