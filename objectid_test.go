package nprpc

import "testing"

func TestObjectIdMarshalRoundTrip(t *testing.T) {
	cases := []ObjectId{
		{Raw: MakeRaw(0, 0), PoaIdx: 0, Flags: 0, ClassId: "", Urls: ""},
		{Raw: MakeRaw(3, 7), PoaIdx: 1, Flags: FlagPersistent, ClassId: "Calc", Urls: "tcp://127.0.0.1:9000"},
		{
			Raw: MakeRaw(0xFFFFFFFF, 0xFFFFFFFF), PoaIdx: 0xFFFF,
			Flags: FlagPersistent | FlagTethered, Origin: [16]byte{1, 2, 3},
			ClassId: "Nameserver", Urls: "tcp://a:1;ws://b:2/p",
		},
	}
	for _, want := range cases {
		got, err := UnmarshalObjectId(want.Marshal())
		if err != nil {
			t.Fatalf("unmarshal(%+v): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestObjectIdSlotAndGeneration(t *testing.T) {
	o := ObjectId{Raw: MakeRaw(42, 7)}
	if o.SlotIndex() != 42 {
		t.Fatalf("slot index: got %d, want 42", o.SlotIndex())
	}
	if o.Generation() != 7 {
		t.Fatalf("generation: got %d, want 7", o.Generation())
	}
}

func TestUnmarshalObjectIdRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"garbage",
		"NPRPC1:not-base64!!",
		textualPrefix, // valid base64 of nothing, but truncated fixed header
	}
	for _, s := range cases {
		if _, err := UnmarshalObjectId(s); err == nil {
			t.Fatalf("expected an error for %q", s)
		}
	}
}

func TestNarrow(t *testing.T) {
	o := ObjectId{ClassId: "Calc"}
	if _, err := Narrow(o, "Calc"); err != nil {
		t.Fatalf("narrow to matching class: %v", err)
	}
	if _, err := Narrow(o, "Nameserver"); err == nil {
		t.Fatalf("expected narrow to a mismatched class to fail")
	} else if !IsKind(err, KindBadAccess) {
		t.Fatalf("expected KindBadAccess, got %v", err)
	}
}

func TestURLList(t *testing.T) {
	o := ObjectId{Urls: "tcp://a:1;ws://b:2/p;not-a-url"}
	eps := o.URLList()
	if len(eps) != 2 {
		t.Fatalf("expected 2 parsed endpoints (malformed entry skipped), got %d", len(eps))
	}
	if eps[0].Kind != TransportTCP || eps[1].Kind != TransportWS {
		t.Fatalf("unexpected endpoint kinds: %+v", eps)
	}
}
