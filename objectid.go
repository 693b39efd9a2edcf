package nprpc

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObjectFlags is the bitset of spec.md §3.
type ObjectFlags uint16

const (
	FlagPersistent ObjectFlags = 1 << iota
	FlagTethered
)

func (f ObjectFlags) Has(bit ObjectFlags) bool { return f&bit != 0 }

// ObjectId is the complete, self-describing reference to a servant,
// spec.md §3. The low 32 bits of Raw are the slot index within the
// owning POA's object table; the high 32 bits are the generation
// counter that makes stale references resolve to ObjectNotExist rather
// than a wrong-but-live servant (see poa.Table, grounded on the
// teacher's core/lif.go LIF/LOM generation-checked handle).
type ObjectId struct {
	Raw      uint64
	PoaIdx   uint16
	Flags    ObjectFlags
	Origin   [16]byte
	ClassId  string
	Urls     string
}

// NewOrigin mints a fresh process identity for the Origin field of every
// ObjectId a runtime activates — a random v4 UUID is cheap to generate
// once per process and collision-proof enough to tell "my servant" from
// "someone else's servant with the same slot+generation" apart.
func NewOrigin() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	return out
}

func MakeRaw(slot, generation uint32) uint64 {
	return uint64(slot) | uint64(generation)<<32
}

func (o ObjectId) SlotIndex() uint32  { return uint32(o.Raw) }
func (o ObjectId) Generation() uint32 { return uint32(o.Raw >> 32) }

// URLList parses the semicolon-separated Urls field into endpoints.
func (o ObjectId) URLList() []Endpoint { return ParseURLs(o.Urls) }

// Narrow succeeds iff the reference's class tag matches T's, per the
// testable property in spec.md §8 ("narrow(obj, T) succeeds iff
// obj.class_id == T.class_id").
func Narrow(o ObjectId, classId string) (ObjectId, error) {
	if o.ClassId != classId {
		return ObjectId{}, NewRpcError(KindBadAccess,
			fmt.Sprintf("cannot narrow %q to %q", o.ClassId, classId))
	}
	return o, nil
}

const textualPrefix = "NPRPC1:"

// Marshal produces the canonical textual form of spec.md §6:
// NPRPC1:<base64(...)>.
func (o ObjectId) Marshal() string {
	clen := len(o.ClassId)
	ulen := len(o.Urls)
	buf := make([]byte, 8+2+2+16+4+clen+4+ulen)
	i := 0
	binary.LittleEndian.PutUint64(buf[i:], o.Raw)
	i += 8
	binary.LittleEndian.PutUint16(buf[i:], o.PoaIdx)
	i += 2
	binary.LittleEndian.PutUint16(buf[i:], uint16(o.Flags))
	i += 2
	copy(buf[i:i+16], o.Origin[:])
	i += 16
	binary.LittleEndian.PutUint32(buf[i:], uint32(clen))
	i += 4
	copy(buf[i:i+clen], o.ClassId)
	i += clen
	binary.LittleEndian.PutUint32(buf[i:], uint32(ulen))
	i += 4
	copy(buf[i:i+ulen], o.Urls)

	return textualPrefix + base64.StdEncoding.EncodeToString(buf)
}

// UnmarshalObjectId parses the canonical textual form produced by Marshal.
func UnmarshalObjectId(s string) (ObjectId, error) {
	if !strings.HasPrefix(s, textualPrefix) {
		return ObjectId{}, NewRpcError(KindBadInput, "object id: missing NPRPC1: prefix")
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(textualPrefix):])
	if err != nil {
		return ObjectId{}, NewRpcError(KindBadInput, "object id: bad base64")
	}
	const fixed = 8 + 2 + 2 + 16 + 4
	if len(raw) < fixed {
		return ObjectId{}, NewRpcError(KindBadInput, "object id: truncated")
	}
	var o ObjectId
	i := 0
	o.Raw = binary.LittleEndian.Uint64(raw[i:])
	i += 8
	o.PoaIdx = binary.LittleEndian.Uint16(raw[i:])
	i += 2
	o.Flags = ObjectFlags(binary.LittleEndian.Uint16(raw[i:]))
	i += 2
	copy(o.Origin[:], raw[i:i+16])
	i += 16
	clen := int(binary.LittleEndian.Uint32(raw[i:]))
	i += 4
	if clen < 0 || i+clen+4 > len(raw) {
		return ObjectId{}, NewRpcError(KindBadInput, "object id: bad class_id length")
	}
	o.ClassId = string(raw[i : i+clen])
	i += clen
	ulen := int(binary.LittleEndian.Uint32(raw[i:]))
	i += 4
	if ulen < 0 || i+ulen > len(raw) {
		return ObjectId{}, NewRpcError(KindBadInput, "object id: bad urls length")
	}
	o.Urls = string(raw[i : i+ulen])
	return o, nil
}
