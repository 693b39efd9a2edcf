// Shared-memory transport: "mem://<channel>" — a dual-mapped SPSc ring
// buffer per direction, for same-host peers that want to skip the
// kernel's socket buffers entirely (spec.md §4.5 "shared memory —
// same-host only, zero-copy ring buffer").
//
// The ring is mapped twice back-to-back at consecutive virtual
// addresses (classic "magic ring buffer" trick) so a reader can always
// treat its available bytes as one contiguous slice, even when the
// logical data wraps past the end of the backing region.
package transport

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/wire"
)

const (
	memRingSize   = 1 << 20 // 1MiB per direction
	memHeaderSize = 64      // head/tail counters, cache-line padded
)

// memRing is the control-block layout mapped at the start of each
// direction's backing file: head and tail are byte offsets into a
// memRingSize-long logical buffer, each written by exactly one side.
type memRing struct {
	hdr  []byte  // memHeaderSize bytes, single mapping: head/tail counters
	data []byte  // len == 2*memRingSize, the double mapping of the payload
	head *uint64 // producer-owned, hdr offset [0:8)
	tail *uint64 // consumer-owned, hdr offset [8:16)
}

func mapRing(path string, create bool) (*memRing, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total := int64(memHeaderSize + memRingSize)
	if create {
		if err := f.Truncate(total); err != nil {
			return nil, err
		}
	}
	hdr, err := unix.Mmap(int(f.Fd()), 0, memHeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// The payload region is mapped a second time immediately after the
	// first, at a fixed contiguous address, so a linear read/write of up
	// to memRingSize bytes starting anywhere in [0, memRingSize) never
	// needs to special-case wraparound.
	data, err := mmapDouble(int(f.Fd()), memHeaderSize, memRingSize)
	if err != nil {
		unix.Munmap(hdr)
		return nil, err
	}

	r := &memRing{hdr: hdr, data: data}
	r.head = (*uint64)(ptrAt(hdr, 0))
	r.tail = (*uint64)(ptrAt(hdr, 8))
	return r, nil
}

// payload returns the logical memRingSize-byte window. Its cap extends
// to 2*memRingSize courtesy of the double mapping, so slicing past the
// physical end (p[off:off+n] with off+n > memRingSize) is always safe.
func (r *memRing) payload() []byte { return r.data[:memRingSize] }

func (r *memRing) write(frame []byte) bool {
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	used := head - tail
	need := uint64(4 + len(frame))
	if used+need > memRingSize {
		return false
	}
	p := r.payload()
	off := head % memRingSize
	binary.LittleEndian.PutUint32(p[off:], uint32(len(frame)))
	copy(p[off+4:off+4+uint64(len(frame))], frame) // safe: payload is double-mapped
	atomic.StoreUint64(r.head, head+need)
	wakeOne(r.head)
	return true
}

func (r *memRing) tryRead() ([]byte, bool) {
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	if head == tail {
		return nil, false
	}
	p := r.payload()
	off := tail % memRingSize
	n := binary.LittleEndian.Uint32(p[off:])
	frame := make([]byte, n)
	copy(frame, p[off+4:off+4+uint64(n)])
	atomic.StoreUint64(r.tail, tail+uint64(4+n))
	return frame, true
}

// MemSession implements Session over a pair of memRing channels, one
// per direction, named "<channel>.atob" and "<channel>.btoa" so the two
// peers agree on which ring they produce into without coordination.
type MemSession struct {
	tx, rx   *memRing
	remote   nprpc.Endpoint
	tethered bool
	extra    Extra

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func dialOrAcceptMem(channel, dir string, extra Extra, create bool) (*MemSession, error) {
	base := unixShmPath(channel)
	aToB, err := mapRing(base+".atob", create)
	if err != nil {
		return nil, nprpc.NewCommFailure("mem map failed", err)
	}
	bToA, err := mapRing(base+".btoa", create)
	if err != nil {
		return nil, nprpc.NewCommFailure("mem map failed", err)
	}
	s := &MemSession{
		remote: nprpc.Endpoint{Kind: nprpc.TransportMem, Host: channel},
		extra:  extra,
		done:   make(chan struct{}),
	}
	if dir == "a" {
		s.tx, s.rx = aToB, bToA
	} else {
		s.tx, s.rx = bToA, aToB
	}
	go s.readLoop()
	return s, nil
}

func unixShmPath(channel string) string { return "/dev/shm/nprpc-" + channel }

// DialMem opens the "a" side of a channel — conventionally the
// connecting client; the listener on the other end is the "b" side.
func DialMem(ep nprpc.Endpoint, extra Extra) (Session, error) {
	return dialOrAcceptMem(ep.Host, "a", extra, true)
}

// ListenMem opens the "b" side and hands the session to onAccept once
// mapped; shared memory has no accept loop, one channel is one peer.
func ListenMem(channel string, extra Extra, onAccept func(Session)) (*MemSession, error) {
	s, err := dialOrAcceptMem(channel, "b", extra, true)
	if err != nil {
		return nil, err
	}
	if onAccept != nil {
		onAccept(s)
	}
	return s, nil
}

func (s *MemSession) RemoteEndpoint() nprpc.Endpoint { return s.remote }
func (s *MemSession) Tethered() bool                 { return s.tethered }
func (s *MemSession) Done() <-chan struct{}          { return s.done }
func (s *MemSession) Err() error                     { return s.err }

func (s *MemSession) Send(frame []byte) error {
	select {
	case <-s.done:
		return nprpc.NewCommFailure("session closed", s.err)
	default:
	}
	if !s.tx.write(frame) {
		return nprpc.NewRpcError(nprpc.KindCommFailure, "mem ring full")
	}
	return nil
}

func (s *MemSession) Close(reason error) {
	s.errOnce.Do(func() {
		s.err = reason
		close(s.done)
	})
	if s.extra.OnFailure != nil {
		s.extra.OnFailure.SessionFailed(s, reason)
	}
}

func (s *MemSession) readLoop() {
	for {
		frame, ok := s.rx.tryRead()
		if !ok {
			if waitForData(s.rx.head, s.done) {
				continue
			}
			return // done closed while waiting
		}
		hdr, ok := wire.DecodeHeader(frame)
		if !ok || int(hdr.Size)+4 != len(frame) {
			s.Close(nprpc.NewRpcError(nprpc.KindBadInput, "protocol error: header size mismatch"))
			return
		}
		if s.extra.Handler == nil {
			continue
		}
		if hdr.MsgType == wire.Answer {
			s.extra.Handler.HandleAnswer(s, frame)
			continue
		}
		reply, deferred := s.extra.Handler.HandleRequest(s, frame)
		if deferred {
			continue
		}
		if reply == nil {
			reply = successReply(hdr.RequestId)
		}
		_ = s.Send(reply)
	}
}
