package splitter

import (
	"bytes"
	"testing"
)

func jpeg(payload string) []byte {
	b := make([]byte, 0, len(payload)+4+minFrameBytes)
	b = append(b, soi...)
	b = append(b, payload...)
	for len(b) < minFrameBytes-len(eoi) {
		b = append(b, 'x')
	}
	b = append(b, eoi...)
	return b
}

func drain(s *Splitter) [][]byte {
	var frames [][]byte
	for {
		f, ok := s.NextFrame()
		if !ok {
			return frames
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func TestSingleFrame(t *testing.T) {
	s := New(0)
	f := jpeg("hello")
	s.Feed(f)

	frames := drain(s)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], f) {
		t.Fatalf("frame mismatch: got %x want %x", frames[0], f)
	}
}

func TestIncrementalFeed(t *testing.T) {
	s := New(0)
	f := jpeg("incremental")
	s.Feed(f[:5])
	if frames := drain(s); len(frames) != 0 {
		t.Fatalf("expected no frame yet, got %d", len(frames))
	}
	s.Feed(f[5:])
	frames := drain(s)
	if len(frames) != 1 || !bytes.Equal(frames[0], f) {
		t.Fatalf("expected exactly the fed frame back, got %v", frames)
	}
}

func TestTwoFramesBackToBack(t *testing.T) {
	s := New(0)
	f1 := jpeg("one")
	f2 := jpeg("two")
	s.Feed(append(append([]byte{}, f1...), f2...))

	frames := drain(s)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], f1) || !bytes.Equal(frames[1], f2) {
		t.Fatalf("frame order/content mismatch")
	}
}

func TestGarbageBetweenFrames(t *testing.T) {
	s := New(0)
	f1 := jpeg("a")
	f2 := jpeg("b")
	var stream []byte
	stream = append(stream, []byte("garbagegarbage")...)
	stream = append(stream, f1...)
	stream = append(stream, []byte("moregarbage")...)
	stream = append(stream, f2...)
	s.Feed(stream)

	frames := drain(s)
	if len(frames) != 2 || !bytes.Equal(frames[0], f1) || !bytes.Equal(frames[1], f2) {
		t.Fatalf("garbage between frames broke splitting: %v", frames)
	}
}

func TestNoSOITrimsToTrailingWindow(t *testing.T) {
	s := New(0)
	junk := bytes.Repeat([]byte{0x00}, trailingKeepBytes*3)
	s.Feed(junk)
	if _, ok := s.NextFrame(); ok {
		t.Fatalf("expected no frame from junk input")
	}
	if s.Buffered() > trailingKeepBytes {
		t.Fatalf("buffer not trimmed: %d bytes held", s.Buffered())
	}
}

func TestUnterminatedFrameCappedAtMaxBuffer(t *testing.T) {
	s := New(64)
	s.Feed(soi)
	s.Feed(bytes.Repeat([]byte{0x01}, 1000))
	if _, ok := s.NextFrame(); ok {
		t.Fatalf("expected no complete frame")
	}
	if s.Buffered() > 64 {
		t.Fatalf("buffer exceeded ceiling: %d bytes held", s.Buffered())
	}
}

func TestShortFrameDropped(t *testing.T) {
	s := New(0)
	short := append(append([]byte{}, soi...), eoi...) // 4 bytes, well under minFrameBytes
	valid := jpeg("valid")
	s.Feed(append(short, valid...))

	frames := drain(s)
	if len(frames) != 1 || !bytes.Equal(frames[0], valid) {
		t.Fatalf("expected the short frame dropped and only the valid one returned, got %v", frames)
	}
}

// TestRoundTrip is the splitter round-trip law from spec section 8: emitted
// frames concatenated with arbitrary garbage between them, fed to a fresh
// splitter, yield the same sequence back.
func TestRoundTrip(t *testing.T) {
	want := [][]byte{jpeg("alpha"), jpeg("beta"), jpeg("gamma")}
	var stream []byte
	for i, f := range want {
		stream = append(stream, bytes.Repeat([]byte{byte(0x10 + i)}, i*7)...)
		stream = append(stream, f...)
	}
	stream = append(stream, []byte("trailing-garbage")...)

	s := New(0)
	s.Feed(stream)
	got := drain(s)

	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestInvariantFramesWellFormed(t *testing.T) {
	s := New(0)
	s.Feed(append(append([]byte{}, jpeg("x")...), jpeg("y")...))
	for _, f := range drain(s) {
		if len(f) < minFrameBytes {
			t.Fatalf("frame shorter than %d bytes: %d", minFrameBytes, len(f))
		}
		if !bytes.HasPrefix(f, soi) {
			t.Fatalf("frame missing SOI prefix")
		}
		if !bytes.HasSuffix(f, eoi) {
			t.Fatalf("frame missing EOI suffix")
		}
	}
}
