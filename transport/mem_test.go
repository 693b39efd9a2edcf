package transport

import (
	"path/filepath"
	"testing"
)

// TestMemRingWrapsPastPhysicalEnd drives enough write/read cycles to push
// head several times past memRingSize, the ring's physical end. Before the
// double mapping was wired up, payload()'s returned slice had cap ==
// memRingSize, so write()/tryRead()'s p[off+4:off+4+n] slicing would panic
// with a slice bounds error the moment a frame's bytes straddled the wrap
// point; this proves it no longer does.
func TestMemRingWrapsPastPhysicalEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := mapRing(path, true)
	if err != nil {
		t.Fatalf("mapRing: %v", err)
	}

	frame := make([]byte, 4096)
	for i := range frame {
		frame[i] = byte(i)
	}

	iterations := (memRingSize/len(frame))*3 + 7 // crosses the physical end at least 3 times
	for i := 0; i < iterations; i++ {
		if !r.write(frame) {
			t.Fatalf("write %d: ring reported full", i)
		}
		got, ok := r.tryRead()
		if !ok {
			t.Fatalf("read %d: expected a frame", i)
		}
		if len(got) != len(frame) {
			t.Fatalf("read %d: got %d bytes, want %d", i, len(got), len(frame))
		}
		for j := range got {
			if got[j] != frame[j] {
				t.Fatalf("read %d: byte %d corrupted: got %d want %d", i, j, got[j], frame[j])
			}
		}
	}
}

// TestMemRingFrameStraddlingTheWrapPoint pins a frame so its bytes are
// written exactly across the physical end of the ring, rather than relying
// on TestMemRingWrapsPastPhysicalEnd's incidental alignment to hit it.
func TestMemRingFrameStraddlingTheWrapPoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := mapRing(path, true)
	if err != nil {
		t.Fatalf("mapRing: %v", err)
	}

	// advance head to land 10 bytes before the physical end, so the next
	// write's header+payload bytes straddle the wrap point.
	padding := make([]byte, memRingSize-4-10)
	if !r.write(padding) {
		t.Fatalf("padding write reported full")
	}
	if _, ok := r.tryRead(); !ok {
		t.Fatalf("expected to read the padding frame back")
	}

	straddling := []byte("stradles the ring's physical end boundary")
	if !r.write(straddling) {
		t.Fatalf("straddling write reported full")
	}
	got, ok := r.tryRead()
	if !ok {
		t.Fatalf("expected to read the straddling frame back")
	}
	if string(got) != string(straddling) {
		t.Fatalf("got %q, want %q", got, straddling)
	}
}
