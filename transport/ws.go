package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/wire"
)

// WSSession frames one message per binary WebSocket frame, per
// spec.md §4.5 ("WebSocket (ws/wss) — one binary frame per message").
// Unlike ByteStreamSession there is no length prefix to parse: the
// underlying library already delivers message boundaries.
type WSSession struct {
	conn     *websocket.Conn
	remote   nprpc.Endpoint
	tethered bool
	extra    Extra

	writeMu sync.Mutex
	writeCh chan []byte
	done    chan struct{}
	errOnce sync.Once
	err     error
}

func newWSSession(conn *websocket.Conn, remote nprpc.Endpoint, tethered bool, extra Extra) *WSSession {
	s := &WSSession{
		conn:     conn,
		remote:   remote,
		tethered: tethered,
		extra:    extra,
		writeCh:  make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *WSSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *WSSession) Tethered() bool                 { return s.tethered }
func (s *WSSession) Done() <-chan struct{}          { return s.done }
func (s *WSSession) Err() error                     { return s.err }

func (s *WSSession) Send(frame []byte) error {
	select {
	case s.writeCh <- frame:
		return nil
	case <-s.done:
		return nprpc.NewCommFailure("session closed", s.err)
	}
}

func (s *WSSession) Close(reason error) {
	s.errOnce.Do(func() {
		s.err = reason
		close(s.done)
		_ = s.conn.Close()
	})
	if s.extra.OnFailure != nil {
		s.extra.OnFailure.SessionFailed(s, reason)
	}
}

func (s *WSSession) readLoop() {
	for {
		mt, body, err := s.conn.ReadMessage()
		if err != nil {
			s.Close(nprpc.NewCommFailure("connection closed", err))
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		hdr, ok := wire.DecodeHeader(body)
		if !ok || int(hdr.Size)+4 != len(body) {
			s.Close(nprpc.NewRpcError(nprpc.KindBadInput, "protocol error: header size mismatch"))
			return
		}
		if s.extra.Handler == nil {
			continue
		}
		if hdr.MsgType == wire.Answer {
			s.extra.Handler.HandleAnswer(s, body)
			continue
		}
		reply, deferred := s.extra.Handler.HandleRequest(s, body)
		if deferred {
			continue
		}
		if reply == nil {
			reply = successReply(hdr.RequestId)
		}
		if err := s.Send(reply); err != nil {
			nlog.Warningf("%s: failed writing reply: %v", s.remote, err)
		}
	}
}

func (s *WSSession) writeLoop() {
	for {
		select {
		case frame := <-s.writeCh:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, frame)
			s.writeMu.Unlock()
			if err != nil {
				s.Close(nprpc.NewCommFailure("write failed", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// DialWS connects to a ws:// or wss:// endpoint, path defaulting to "/rpc".
func DialWS(ep nprpc.Endpoint, extra Extra) (Session, error) {
	path := ep.Path
	if path == "" {
		path = "/rpc"
	}
	u := url.URL{Scheme: ep.Kind.String(), Host: fmt.Sprintf("%s:%d", ep.Host, ep.Port), Path: path}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, nprpc.NewCommFailure("ws dial failed", err)
	}
	return newWSSession(conn, ep, false, extra), nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSHandler returns an http.HandlerFunc that upgrades inbound requests
// to WebSocket sessions and hands each to onAccept.
func WSHandler(extra Extra, onAccept func(Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			nlog.Warningf("ws upgrade: %v", err)
			return
		}
		remote := nprpc.Endpoint{Kind: nprpc.TransportWS, Host: r.RemoteAddr}
		sess := newWSSession(conn, remote, false, extra)
		if onAccept != nil {
			onAccept(sess)
		}
	}
}
