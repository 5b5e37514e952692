package frames

import (
	"bytes"
	"testing"
)

func chunk(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestFrameBufferPairsChunksInOrder(t *testing.T) {
	for _, count := range []int{0, 1, 2, 3, 7, 10} {
		fb := NewFrameBuffer()
		var frames [][]byte
		for i := 0; i < count; i++ {
			if out, ok := fb.Accumulate(chunk(320, byte(i+1))); ok {
				frames = append(frames, out)
			}
		}
		if len(frames) != count/2 {
			t.Fatalf("count=%d: expected %d frames, got %d", count, count/2, len(frames))
		}
		for k, f := range frames {
			want := append(chunk(320, byte(2*k+1)), chunk(320, byte(2*k+2))...)
			if !bytes.Equal(f, want) {
				t.Fatalf("count=%d: frame %d is not chunk %d followed by chunk %d", count, k, 2*k, 2*k+1)
			}
		}
	}
}

func TestFrameBufferEmittedFrameIsNotReused(t *testing.T) {
	fb := NewFrameBuffer()
	fb.Accumulate(chunk(4, 1))
	first, ok := fb.Accumulate(chunk(4, 2))
	if !ok {
		t.Fatalf("expected frame")
	}
	fb.Accumulate(chunk(4, 9))
	if first[0] != 1 || first[4] != 2 {
		t.Fatalf("emitted frame was overwritten: %v", first)
	}
}

func TestFrameBufferZeroLengthIsNoop(t *testing.T) {
	fb := NewFrameBuffer()
	if _, ok := fb.Accumulate(nil); ok {
		t.Fatalf("empty chunk must not emit")
	}
	if fb.HalfFull() || fb.ChunkLen() != 0 {
		t.Fatalf("empty chunk must not touch state")
	}
	fb.Accumulate(chunk(8, 1))
	fb.Accumulate([]byte{})
	if !fb.HalfFull() {
		t.Fatalf("empty chunk must not clear the pending half")
	}
	out, ok := fb.Accumulate(chunk(8, 2))
	if !ok || len(out) != 16 {
		t.Fatalf("expected 16-byte frame, got %d ok=%v", len(out), ok)
	}
}

func TestFrameBufferLengthChangeResets(t *testing.T) {
	fb := NewFrameBuffer()
	fb.Accumulate(chunk(320, 1))
	if _, ok := fb.Accumulate(chunk(160, 2)); ok {
		t.Fatalf("length change must not complete the pending frame")
	}
	if fb.ChunkLen() != 160 || !fb.HalfFull() {
		t.Fatalf("expected buffer resized to 160 with a pending half")
	}
	out, ok := fb.Accumulate(chunk(160, 3))
	if !ok {
		t.Fatalf("expected frame")
	}
	want := append(chunk(160, 2), chunk(160, 3)...)
	if !bytes.Equal(out, want) {
		t.Fatalf("unexpected frame after resize")
	}
}

func TestFrameBufferReset(t *testing.T) {
	fb := NewFrameBuffer()
	fb.Accumulate(chunk(4, 1))
	fb.Reset()
	if fb.HalfFull() {
		t.Fatalf("expected reset to drop the pending half")
	}
	if _, ok := fb.Accumulate(chunk(4, 2)); ok {
		t.Fatalf("first chunk after reset must not emit")
	}
}
