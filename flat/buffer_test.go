package flat

import "testing"

func TestStringRoundTrip(t *testing.T) {
	b := NewBuffer(64)
	fieldOff := b.ReserveFixed(8) // {rel u32, count u32}
	b.AllocString(fieldOff, "hello flat buffer")

	dec := WrapForDecode(b.Bytes())
	got, err := dec.ReadString(fieldOff)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "hello flat buffer" {
		t.Fatalf("got %q", got)
	}
}

func TestEmptyVectorWritesZero(t *testing.T) {
	b := NewBuffer(64)
	fieldOff := b.ReserveFixed(8)
	b.AllocVector(fieldOff, 0, 4, 4)

	rel, _ := b.GetU32(fieldOff)
	cnt, _ := b.GetU32(fieldOff + 4)
	if rel != 0 || cnt != 0 {
		t.Fatalf("empty vector should write (0,0), got (%d,%d)", rel, cnt)
	}

	dec := WrapForDecode(b.Bytes())
	data, n, err := dec.ReadVector(fieldOff, 4, 4)
	if err != nil || n != 0 || data != nil {
		t.Fatalf("ReadVector on empty: data=%v n=%d err=%v", data, n, err)
	}
}

func TestVectorBoundsViolation(t *testing.T) {
	b := NewBuffer(64)
	fieldOff := b.ReserveFixed(8)
	b.AllocVector(fieldOff, 3, 4, 4)

	// corrupt the count to something absurd, as in spec.md scenario 6
	// ("malformed vector: count = 0xDEADBEEF")
	b.PutU32(fieldOff+4, 0xDEADBEEF)

	dec := WrapForDecode(b.Bytes())
	_, _, err := dec.ReadVector(fieldOff, 4, 4)
	if err != ErrBadInput {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestOptionalRefAbsentIsZero(t *testing.T) {
	b := NewBuffer(64)
	fieldOff := b.ReserveFixed(4)
	b.WriteOptionalRef(fieldOff, false, 8, 8)

	dec := WrapForDecode(b.Bytes())
	_, present, err := dec.ReadOptionalRef(fieldOff)
	if err != nil || present {
		t.Fatalf("expected absent optional, got present=%v err=%v", present, err)
	}
}

func TestOptionalRefPresentRoundTrip(t *testing.T) {
	b := NewBuffer(64)
	fieldOff := b.ReserveFixed(4)
	dataOff := b.WriteOptionalRef(fieldOff, true, 8, 8)
	b.PutU64(dataOff, 0x1122334455667788)

	dec := WrapForDecode(b.Bytes())
	off, present, err := dec.ReadOptionalRef(fieldOff)
	if err != nil || !present {
		t.Fatalf("expected present optional, err=%v", err)
	}
	v, err := dec.GetU64(off)
	if err != nil || v != 0x1122334455667788 {
		t.Fatalf("got %x err %v", v, err)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	b := NewBuffer(16)
	off := b.ReserveFixed(16)
	b.PutU32(off, 42)
	b.PutU64(off+4, 0xdeadbeefcafebabe)
	b.PutBool(off+12, true)

	dec := WrapForDecode(b.Bytes())
	a, _ := dec.GetU32(off)
	c, _ := dec.GetU64(off + 4)
	d, _ := dec.GetBool(off + 12)
	if a != 42 || c != 0xdeadbeefcafebabe || !d {
		t.Fatalf("roundtrip mismatch: %d %x %v", a, c, d)
	}
}
