package transport

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/wire"
)

// ByteStreamSession frames messages over any reliable, ordered byte
// pipe (net.Conn for TCP; mem:// uses its own MemSession instead)
// with the 4-byte little-endian length prefix of spec.md §4.5
// ("TCP... 4-byte little-endian length prefix = message size excluding
// the length itself; body is the Header+payload").
//
// Its reader/writer split — one goroutine blocking on reads, a
// separate serialized writer draining a work channel so the reader
// never blocks on a dispatch — is grounded on transport/sendmsg.go's
// MsgStream.Read, which itself never blocks the stream's owner on
// user-code completion.
type ByteStreamSession struct {
	conn     io.ReadWriteCloser
	remote   nprpc.Endpoint
	tethered bool
	extra    Extra

	writeCh chan []byte
	done    chan struct{}
	errOnce sync.Once
	err     error
}

func NewByteStreamSession(conn io.ReadWriteCloser, remote nprpc.Endpoint, tethered bool, extra Extra) *ByteStreamSession {
	s := &ByteStreamSession{
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

func (s *ByteStreamSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *ByteStreamSession) Tethered() bool                 { return s.tethered }
func (s *ByteStreamSession) Done() <-chan struct{}          { return s.done }
func (s *ByteStreamSession) Err() error                     { return s.err }

func (s *ByteStreamSession) Send(frame []byte) error {
	select {
	case s.writeCh <- frame:
		return nil
	case <-s.done:
		return nprpc.NewCommFailure("session closed", s.err)
	}
}

func (s *ByteStreamSession) Close(reason error) {
	s.errOnce.Do(func() {
		s.err = reason
		close(s.done)
		_ = s.conn.Close()
	})
	if s.extra.OnFailure != nil {
		s.extra.OnFailure.SessionFailed(s, reason)
	}
}

func (s *ByteStreamSession) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			s.Close(nprpc.NewCommFailure("connection closed", err))
			return
		}
		bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
		if bodyLen < wire.HeaderSize || bodyLen > maxFrameSize {
			s.Close(nprpc.NewRpcError(nprpc.KindBadInput, "protocol error: implausible frame length"))
			return
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			s.Close(nprpc.NewCommFailure("connection closed", err))
			return
		}
		hdr, ok := wire.DecodeHeader(body)
		if !ok || hdr.Size+4 != bodyLen {
			s.Close(nprpc.NewRpcError(nprpc.KindBadInput, "protocol error: header size mismatch"))
			return
		}
		s.dispatch(hdr, body)
	}
}

const maxFrameSize = 64 << 20 // 64MiB cap against runaway length prefixes

func (s *ByteStreamSession) dispatch(hdr wire.Header, body []byte) {
	if s.extra.Handler == nil {
		return
	}
	if hdr.MsgType == wire.Answer {
		s.extra.Handler.HandleAnswer(s, body)
		return
	}
	reply, deferred := s.extra.Handler.HandleRequest(s, body)
	if deferred {
		return
	}
	if reply == nil {
		reply = successReply(hdr.RequestId)
	}
	if err := s.Send(reply); err != nil {
		nlog.Warningf("%s: failed writing reply: %v", s.remote, err)
	}
}

func successReply(requestID uint32) []byte {
	buf := make([]byte, wire.HeaderSize)
	wire.Header{Size: wire.HeaderSize - 4, MsgId: wire.Success, MsgType: wire.Answer, RequestId: requestID}.Encode(buf)
	return buf
}

func (s *ByteStreamSession) writeLoop() {
	var lenBuf [4]byte
	for {
		select {
		case frame := <-s.writeCh:
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
			if _, err := s.conn.Write(lenBuf[:]); err != nil {
				s.Close(nprpc.NewCommFailure("write failed", err))
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.Close(nprpc.NewCommFailure("write failed", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
