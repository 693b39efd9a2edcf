// Package wire defines the bit-exact message layout every transport and
// the flat-buffer codec agree on: the 16-byte Header, CallHeader,
// StreamInit, and the msg_id/msg_type taxonomies of spec.md §3/§6.
//
// All multi-byte fields are little-endian; the layouts below match the
// field order and sizes spec.md §6 fixes, not merely their Go struct
// tags, so HeaderSize/CallHeaderSize/StreamInitSize must stay in lock
// step with manual encode/decode below rather than unsafe.Sizeof of a Go
// struct (Go struct padding is not guaranteed to match the wire rules).
package wire

import "encoding/binary"

const (
	HeaderSize      = 16
	CallHeaderSize  = 16
	StreamInitSize  = 32
)

// MsgId values — spec.md §3 "Message taxonomy".
type MsgId uint32

const (
	FunctionCall MsgId = iota
	BlockResponse
	Success
	Exception
	AddReference
	ReleaseObject
	StreamInitialization
	StreamDataChunk
	StreamCompletion
	StreamError
	StreamCancellation
	ErrorPoaNotExist
	ErrorObjectNotExist
	ErrorCommFailure
	ErrorUnknownFunctionIdx
	ErrorUnknownMessageId
	ErrorBadAccess
	ErrorBadInput
)

func (id MsgId) IsError() bool { return id >= ErrorPoaNotExist }

func (id MsgId) IsStream() bool {
	return id >= StreamInitialization && id <= StreamCancellation
}

// MsgType values — classify a message as outbound request, inbound
// answer, or one-way.
type MsgType uint32

const (
	Request MsgType = iota
	Answer
	OneWay
)

// Header is the first 16 bytes of every wire message.
type Header struct {
	Size      uint32 // size of the message, NOT counting this field
	MsgId     MsgId
	MsgType   MsgType
	RequestId uint32
}

func (h Header) Encode(b []byte) {
	_ = b[:HeaderSize]
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.MsgId))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.MsgType))
	binary.LittleEndian.PutUint32(b[12:16], h.RequestId)
}

func DecodeHeader(b []byte) (h Header, ok bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}
	h.Size = binary.LittleEndian.Uint32(b[0:4])
	h.MsgId = MsgId(binary.LittleEndian.Uint32(b[4:8]))
	h.MsgType = MsgType(binary.LittleEndian.Uint32(b[8:12]))
	h.RequestId = binary.LittleEndian.Uint32(b[12:16])
	return h, true
}

// CallHeader follows the Header at offset 16 for FunctionCall messages:
// {poa_idx u16, interface_idx u8, function_idx u8, pad u32, object_id u64}.
type CallHeader struct {
	PoaIdx       uint16
	InterfaceIdx uint8
	FunctionIdx  uint8
	ObjectId     uint64
}

func (c CallHeader) Encode(b []byte) {
	_ = b[:CallHeaderSize]
	binary.LittleEndian.PutUint16(b[0:2], c.PoaIdx)
	b[2] = c.InterfaceIdx
	b[3] = c.FunctionIdx
	binary.LittleEndian.PutUint32(b[4:8], 0) // pad
	binary.LittleEndian.PutUint64(b[8:16], c.ObjectId)
}

func DecodeCallHeader(b []byte) (c CallHeader, ok bool) {
	if len(b) < CallHeaderSize {
		return CallHeader{}, false
	}
	c.PoaIdx = binary.LittleEndian.Uint16(b[0:2])
	c.InterfaceIdx = b[2]
	c.FunctionIdx = b[3]
	c.ObjectId = binary.LittleEndian.Uint64(b[8:16])
	return c, true
}

// StreamInit is the 32-byte StreamInitialization payload:
// {stream_id u64, poa_idx u16, interface_idx u8, pad u8, pad u32,
//  object_id u64, func_idx u8, pad u56}.
type StreamInit struct {
	StreamId     uint64
	PoaIdx       uint16
	InterfaceIdx uint8
	ObjectId     uint64
	FuncIdx      uint8
}

func (s StreamInit) Encode(b []byte) {
	_ = b[:StreamInitSize]
	binary.LittleEndian.PutUint64(b[0:8], s.StreamId)
	binary.LittleEndian.PutUint16(b[8:10], s.PoaIdx)
	b[10] = s.InterfaceIdx
	b[11] = 0
	binary.LittleEndian.PutUint32(b[12:16], 0)
	binary.LittleEndian.PutUint64(b[16:24], s.ObjectId)
	b[24] = s.FuncIdx
	for i := 25; i < StreamInitSize; i++ {
		b[i] = 0
	}
}

func DecodeStreamInit(b []byte) (s StreamInit, ok bool) {
	if len(b) < StreamInitSize {
		return StreamInit{}, false
	}
	s.StreamId = binary.LittleEndian.Uint64(b[0:8])
	s.PoaIdx = binary.LittleEndian.Uint16(b[8:10])
	s.InterfaceIdx = b[10]
	s.ObjectId = binary.LittleEndian.Uint64(b[16:24])
	s.FuncIdx = b[24]
	return s, true
}

// RefPayload — {poa_idx, object_id}, used by both
// AddReference/ReleaseObject messages.
type RefPayload struct {
	PoaIdx   uint16
	ObjectId uint64
}

const RefPayloadSize = 16

func (r RefPayload) Encode(b []byte) {
	_ = b[:RefPayloadSize]
	binary.LittleEndian.PutUint16(b[0:2], r.PoaIdx)
	binary.LittleEndian.PutUint64(b[8:16], r.ObjectId)
}

func DecodeRefPayload(b []byte) (r RefPayload, ok bool) {
	if len(b) < RefPayloadSize {
		return RefPayload{}, false
	}
	r.PoaIdx = binary.LittleEndian.Uint16(b[0:2])
	r.ObjectId = binary.LittleEndian.Uint64(b[8:16])
	return r, true
}

// StreamDataChunkHdr — {stream_id u64, sequence u64, window_size u32}
// followed by the vector-encoded data payload (see flat package).
type StreamDataChunkHdr struct {
	StreamId   uint64
	Sequence   uint64
	WindowSize uint32
}

const StreamDataChunkHdrSize = 20

func (c StreamDataChunkHdr) Encode(b []byte) {
	_ = b[:StreamDataChunkHdrSize]
	binary.LittleEndian.PutUint64(b[0:8], c.StreamId)
	binary.LittleEndian.PutUint64(b[8:16], c.Sequence)
	binary.LittleEndian.PutUint32(b[16:20], c.WindowSize)
}

func DecodeStreamDataChunkHdr(b []byte) (c StreamDataChunkHdr, ok bool) {
	if len(b) < StreamDataChunkHdrSize {
		return StreamDataChunkHdr{}, false
	}
	c.StreamId = binary.LittleEndian.Uint64(b[0:8])
	c.Sequence = binary.LittleEndian.Uint64(b[8:16])
	c.WindowSize = binary.LittleEndian.Uint32(b[16:20])
	return c, true
}

// StreamCompletion — {stream_id u64, final_sequence u64}.
type StreamCompletionMsg struct {
	StreamId      uint64
	FinalSequence uint64
}

const StreamCompletionSize = 16

func (c StreamCompletionMsg) Encode(b []byte) {
	_ = b[:StreamCompletionSize]
	binary.LittleEndian.PutUint64(b[0:8], c.StreamId)
	binary.LittleEndian.PutUint64(b[8:16], c.FinalSequence)
}

func DecodeStreamCompletion(b []byte) (c StreamCompletionMsg, ok bool) {
	if len(b) < StreamCompletionSize {
		return StreamCompletionMsg{}, false
	}
	c.StreamId = binary.LittleEndian.Uint64(b[0:8])
	c.FinalSequence = binary.LittleEndian.Uint64(b[8:16])
	return c, true
}

// StreamErrorMsg — {stream_id u64, error_code u32} followed by
// error_data bytes (vector-encoded, see flat package).
type StreamErrorMsg struct {
	StreamId  uint64
	ErrorCode uint32
}

const StreamErrorHdrSize = 12

func (c StreamErrorMsg) Encode(b []byte) {
	_ = b[:StreamErrorHdrSize]
	binary.LittleEndian.PutUint64(b[0:8], c.StreamId)
	binary.LittleEndian.PutUint32(b[8:12], c.ErrorCode)
}

func DecodeStreamError(b []byte) (c StreamErrorMsg, ok bool) {
	if len(b) < StreamErrorHdrSize {
		return StreamErrorMsg{}, false
	}
	c.StreamId = binary.LittleEndian.Uint64(b[0:8])
	c.ErrorCode = binary.LittleEndian.Uint32(b[8:12])
	return c, true
}

// StreamCancellation — {stream_id u64}.
const StreamCancellationSize = 8

func EncodeStreamCancellation(b []byte, streamID uint64) {
	binary.LittleEndian.PutUint64(b[:8], streamID)
}

func DecodeStreamCancellation(b []byte) (streamID uint64, ok bool) {
	if len(b) < StreamCancellationSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[0:8]), true
}
