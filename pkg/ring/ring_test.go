package ring

import (
	"bytes"
	"testing"
)

func TestPushPopRoundTrip(t *testing.T) {
	b := New(8)
	n := b.Push([]byte("abcd"))
	if n != 4 {
		t.Fatalf("push accepted %d, want 4", n)
	}
	got := b.Pop(4)
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("pop = %q, want abcd", got)
	}
}

func TestPushDropsOnOverflow(t *testing.T) {
	b := New(4)
	n := b.Push([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("push accepted %d, want 4 (drop rest)", n)
	}
	if b.Free() != 0 {
		t.Fatalf("free = %d, want 0", b.Free())
	}
}

func TestWrapAround(t *testing.T) {
	b := New(4) // power of two
	b.Push([]byte("ab"))
	b.Pop(2)
	n := b.Push([]byte("cdef"))
	if n != 4 {
		t.Fatalf("push accepted %d, want 4", n)
	}
	if got := b.Pop(4); !bytes.Equal(got, []byte("cdef")) {
		t.Fatalf("pop = %q, want cdef", got)
	}
}

func TestNonPowerOfTwoCapacity(t *testing.T) {
	b := New(5)
	b.Push([]byte("abc"))
	b.Pop(2)
	b.Push([]byte("de"))
	if got := b.Pop(3); !bytes.Equal(got, []byte("cde")) {
		t.Fatalf("pop = %q, want cde", got)
	}
}

func TestSustainedTrafficKeepsOrder(t *testing.T) {
	for _, capacity := range []int{5, 8} {
		b := New(capacity)
		for i := 0; i < 1000; i++ {
			if n := b.Push([]byte{byte(i)}); n != 1 {
				t.Fatalf("cap %d: push #%d accepted %d, want 1", capacity, i, n)
			}
			got := b.Pop(1)
			if len(got) != 1 || got[0] != byte(i) {
				t.Fatalf("cap %d: pop #%d = %v, want [%d]", capacity, i, got, byte(i))
			}
		}
	}
}

func TestClear(t *testing.T) {
	b := New(8)
	b.Push([]byte("hello"))
	b.Clear()
	if b.Available() {
		t.Fatalf("expected empty buffer after Clear")
	}
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(8)
	b.Push([]byte("xy"))
	if got := b.Peek(2); !bytes.Equal(got, []byte("xy")) {
		t.Fatalf("peek = %q, want xy", got)
	}
	if b.Len() != 2 {
		t.Fatalf("len after peek = %d, want 2", b.Len())
	}
}
