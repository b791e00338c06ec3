package transport

import "testing"

func TestAccumulatorSingleFragment(t *testing.T) {
	var a Accumulator
	buf, ok := a.Feed([]byte("hello"), true)
	if !ok {
		t.Fatal("expected final fragment to yield a buffer")
	}
	if string(buf) != "hello" {
		t.Errorf("buf = %q", buf)
	}
}

func TestAccumulatorMultipleFragments(t *testing.T) {
	var a Accumulator

	if _, ok := a.Feed([]byte("hel"), false); ok {
		t.Fatal("non-final fragment should not yield a buffer")
	}
	if _, ok := a.Feed([]byte("lo "), false); ok {
		t.Fatal("non-final fragment should not yield a buffer")
	}
	buf, ok := a.Feed([]byte("world"), true)
	if !ok {
		t.Fatal("final fragment should yield a buffer")
	}
	if string(buf) != "hello world" {
		t.Errorf("buf = %q", buf)
	}
}

func TestAccumulatorResetsAfterFinal(t *testing.T) {
	var a Accumulator
	a.Feed([]byte("first"), true)

	buf, ok := a.Feed([]byte("second"), true)
	if !ok || string(buf) != "second" {
		t.Errorf("accumulator did not reset between messages: buf=%q ok=%v", buf, ok)
	}
}

func TestAccumulatorChunkingInvariance(t *testing.T) {
	whole := []byte("the quick brown fox jumps over the lazy dog")

	for chunkSize := 1; chunkSize <= len(whole); chunkSize++ {
		var a Accumulator
		var got []byte
		var gotOK bool

		for i := 0; i < len(whole); i += chunkSize {
			end := i + chunkSize
			if end > len(whole) {
				end = len(whole)
			}
			final := end == len(whole)
			buf, ok := a.Feed(whole[i:end], final)
			if ok {
				got = buf
				gotOK = true
			}
		}

		if !gotOK {
			t.Fatalf("chunkSize=%d: never produced a final buffer", chunkSize)
		}
		if string(got) != string(whole) {
			t.Errorf("chunkSize=%d: got %q, want %q", chunkSize, got, whole)
		}
	}
}
