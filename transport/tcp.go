package transport

import (
	"fmt"
	"net"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/nlog"
)

// DialTCP opens a new TCP session to ep, per spec.md §4.5 ("lazy
// reconnect on next call; not retried for in-flight calls" — the
// caller decides whether/when to redial; this just performs one dial).
func DialTCP(ep nprpc.Endpoint, extra Extra) (Session, error) {
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nprpc.NewCommFailure("tcp dial failed", err)
	}
	return NewByteStreamSession(conn, ep, false, extra), nil
}

// TCPListener accepts inbound TCP connections and wraps each as a
// Session, handing new sessions to onAccept (typically registered into
// the runtime's session table so unsolicited inbound requests — e.g. a
// peer that dials us back — still get dispatched).
type TCPListener struct {
	ln net.Listener
}

func ListenTCP(port int, extra Extra, onAccept func(Session)) (*TCPListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nprpc.NewCommFailure("tcp listen failed", err)
	}
	l := &TCPListener{ln: ln}
	go l.acceptLoop(extra, onAccept)
	return l, nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }

func (l *TCPListener) acceptLoop(extra Extra, onAccept func(Session)) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			nlog.Warningf("tcp accept: %v", err)
			return
		}
		remote := nprpc.Endpoint{Kind: nprpc.TransportTCP}
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			remote.Host = tcpAddr.IP.String()
			remote.Port = uint16(tcpAddr.Port)
		}
		sess := NewByteStreamSession(conn, remote, false, extra)
		if onAccept != nil {
			onAccept(sess)
		}
	}
}
