package arena

import "testing"

func TestReserveGrowsAndCopiesExisting(t *testing.T) {
	a := New(1)
	defer a.Free()

	first := a.Append([]byte("abc"))
	if string(first) != "abc" {
		t.Fatalf("got %q", first)
	}

	second := a.Append(make([]byte, defaultBlockSize*2))
	_ = second

	if string(a.Bytes()[:3]) != "abc" {
		t.Fatalf("growth must preserve previously written bytes, got %q", a.Bytes()[:3])
	}
}

// WriteAt must land at the right offset even after a later Reserve call
// forces the arena to grow and swap in a new backing array - unlike the
// slice Reserve itself returns, an offset recorded earlier stays valid.
func TestWriteAtSurvivesGrowth(t *testing.T) {
	a := New(1)
	defer a.Free()

	offset := a.Len()
	a.Reserve(4)

	a.Append(make([]byte, defaultBlockSize*2)) // forces growth, reallocates a.buf

	a.WriteAt(offset, []byte{1, 2, 3, 4})
	got := a.Bytes()[offset : offset+4]
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("WriteAt after growth: got %v want %v", got, want)
		}
	}
}

func TestResetKeepsBackingArray(t *testing.T) {
	a := New(0)
	defer a.Free()

	a.Append([]byte("hello"))
	cap1 := cap(a.Bytes())
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("expected empty arena after Reset, got len %d", a.Len())
	}
	a.Append([]byte("x"))
	if cap(a.Bytes()) != cap1 {
		t.Fatalf("Reset should not reallocate the backing array")
	}
}
