// HTTP/HTTPS transport: one POST per message to /rpc, per spec.md §4.5.
// Built on github.com/valyala/fasthttp (a teacher direct dependency) —
// a natural fit for a "stateless; every call is a fresh request"
// transport where connection pooling and header/allocation overhead
// matter per call, not per long-lived stream.
package transport

import (
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/wire"
)

const rpcPath = "/rpc"

// HTTPSession represents a logical destination, not a live connection:
// each Send issues a fresh POST and resolves it to HandleAnswer, per
// spec.md's "stateless; every call is a fresh request" reconnect policy.
type HTTPSession struct {
	client   *fasthttp.Client
	url      string
	remote   nprpc.Endpoint
	extra    Extra

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	err    error
}

func DialHTTP(ep nprpc.Endpoint, extra Extra) (Session, error) {
	scheme := "http"
	if ep.Kind == nprpc.TransportHTTPS {
		scheme = "https"
	}
	path := ep.Path
	if path == "" {
		path = rpcPath
	}
	s := &HTTPSession{
		client: &fasthttp.Client{},
		url:    scheme + "://" + addrOf(ep) + path,
		remote: ep,
		extra:  extra,
		done:   make(chan struct{}),
	}
	return s, nil
}

func addrOf(ep nprpc.Endpoint) string {
	if ep.Port == 0 {
		return ep.Host
	}
	return ep.Host + ":" + itoa(int(ep.Port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *HTTPSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *HTTPSession) Tethered() bool                 { return false }
func (s *HTTPSession) Done() <-chan struct{}          { return s.done }
func (s *HTTPSession) Err() error                     { return s.err }

func (s *HTTPSession) Close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.done)
	if s.extra.OnFailure != nil {
		s.extra.OnFailure.SessionFailed(s, reason)
	}
}

// Send issues one POST /rpc carrying frame and, once the response
// arrives, hands the reply body to the registered MessageHandler as if
// it had arrived on a long-lived session (HTTP has no independent
// inbound path: the response to a call IS its answer).
func (s *HTTPSession) Send(frame []byte) error {
	go s.roundTrip(frame)
	return nil
}

func (s *HTTPSession) roundTrip(frame []byte) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/octet-stream")
	req.SetBody(frame)

	if err := s.client.Do(req, resp); err != nil {
		s.replyCommFailure(frame, err)
		return
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		s.replyCommFailure(frame, nprpc.NewRpcError(nprpc.KindCommFailure, "http status "+itoa(resp.StatusCode())))
		return
	}
	body := append([]byte(nil), resp.Body()...)
	if s.extra.Handler != nil {
		s.extra.Handler.HandleAnswer(s, body)
	}
}

func (s *HTTPSession) replyCommFailure(frame []byte, err error) {
	hdr, ok := wire.DecodeHeader(frame)
	if !ok {
		return
	}
	// Synthesize an Error_CommFailure reply so the invocation engine's
	// single code path (HandleAnswer) observes the failure — HTTP has
	// no persistent session to tear down independently.
	reason := err.Error()
	body := make([]byte, wire.HeaderSize+4+len(reason))
	wire.Header{
		Size: uint32(len(body) - 4), MsgId: wire.ErrorCommFailure, MsgType: wire.Answer, RequestId: hdr.RequestId,
	}.Encode(body)
	copy(body[wire.HeaderSize+4:], reason)
	if s.extra.Handler != nil {
		s.extra.Handler.HandleAnswer(s, body)
	}
}

// HTTPServer exposes POST /rpc over fasthttp, forwarding each request
// body verbatim to handler and writing its return value verbatim as
// the response body (spec.md §6 "HTTP binding").
type HTTPServer struct {
	srv *fasthttp.Server
}

func ServeHTTP(port int, handler MessageHandler) (*HTTPServer, error) {
	s := &HTTPServer{}
	s.srv = &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != rpcPath || !ctx.IsPost() {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			body := ctx.PostBody()
			hdr, ok := wire.DecodeHeader(body)
			if !ok || int(hdr.Size)+4 != len(body) {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}
			sess := newHTTPInboundSession(nprpc.Endpoint{Kind: nprpc.TransportHTTP, Host: ctx.RemoteIP().String()})
			reply, deferred := handler.HandleRequest(sess, body)
			if deferred {
				// HTTP has no independent reply channel: a handler that
				// defers (as it would for an async FunctionCall dispatch)
				// still owes this request a body, so block for it here.
				reply = <-sess.replyCh
			}
			if reply == nil {
				reply = successReply(hdr.RequestId)
			}
			ctx.SetContentType("application/octet-stream")
			ctx.SetBody(reply)
		},
	}
	go func() {
		_ = s.srv.ListenAndServe(":" + itoa(port))
	}()
	return s, nil
}

func (s *HTTPServer) Close() error { return s.srv.Shutdown() }

// httpInboundSession is a throwaway Session identity for one inbound
// POST — HTTP has no persistent connection for the POA/servant layer
// to address back. Send delivers a deferred reply into replyCh, which
// the handling goroutine in ServeHTTP blocks on so the HTTP response
// still carries the servant's actual result.
type httpInboundSession struct {
	remote  nprpc.Endpoint
	replyCh chan []byte
}

func newHTTPInboundSession(remote nprpc.Endpoint) *httpInboundSession {
	return &httpInboundSession{remote: remote, replyCh: make(chan []byte, 1)}
}

func (s *httpInboundSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *httpInboundSession) Tethered() bool                 { return false }
func (s *httpInboundSession) Send(frame []byte) error {
	s.replyCh <- frame
	return nil
}
func (s *httpInboundSession) Close(error)           {}
func (s *httpInboundSession) Done() <-chan struct{} { return closedChan }
func (s *httpInboundSession) Err() error            { return nil }

var closedChan = make(chan struct{})

func init() { close(closedChan) }
