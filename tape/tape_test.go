package tape

import (
	"bytes"
	"testing"

	"github.com/kvkolb/kvcore/arena"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	a := arena.New(0)
	defer a.Free()

	values := [][]byte{
		[]byte("purpose of life"),
		nil, // missing
		[]byte(""),
		[]byte("last"),
	}

	w := NewWriter(a, len(values))
	for i, v := range values {
		if i == 1 {
			w.PutMissing(i)
			continue
		}
		w.PutValue(i, v)
	}

	lens := w.Lens()
	full := a.Bytes()
	valueBytes := full[len(lens):]

	r, err := Decode(len(values), lens, valueBytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if r.Lens[1] != LenMissing {
		t.Fatalf("expected missing sentinel at index 1, got %d", r.Lens[1])
	}
	if r.Lens[2] != 0 {
		t.Fatalf("expected len 0 at index 2 (present empty), got %d", r.Lens[2])
	}
	if !bytes.Equal(r.Values[0], values[0]) {
		t.Fatalf("value 0 mismatch: got %q want %q", r.Values[0], values[0])
	}
	if !bytes.Equal(r.Values[3], values[3]) {
		t.Fatalf("value 3 mismatch: got %q want %q", r.Values[3], values[3])
	}
	if r.Values[1] != nil {
		t.Fatalf("expected nil value for missing slot, got %q", r.Values[1])
	}
}

// A Writer's length table must stay correct even when a later PutValue
// call forces the arena to outgrow its initial backing array and
// reallocate - the length table was reserved before that reallocation
// and must not be left pointing at the orphaned copy.
func TestWriterSurvivesArenaGrowth(t *testing.T) {
	a := arena.New(1) // deliberately too small to hold even the length table
	defer a.Free()

	big := bytes.Repeat([]byte("y"), 1<<20)
	values := [][]byte{[]byte("small"), big}

	w := NewWriter(a, len(values))
	w.PutValue(0, values[0])
	w.PutValue(1, values[1])

	lens := w.Lens()
	valueBytes := a.Bytes()[len(lens):]

	r, err := Decode(len(values), lens, valueBytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Lens[0] != uint32(len(values[0])) {
		t.Fatalf("len 0: got %d want %d", r.Lens[0], len(values[0]))
	}
	if !bytes.Equal(r.Values[0], values[0]) {
		t.Fatalf("value 0 mismatch")
	}
	if r.Lens[1] != uint32(len(values[1])) {
		t.Fatalf("len 1: got %d want %d", r.Lens[1], len(values[1]))
	}
	if !bytes.Equal(r.Values[1], values[1]) {
		t.Fatalf("value 1 mismatch")
	}
}

func TestDecodeShortLens(t *testing.T) {
	if _, err := Decode(3, make([]byte, 4), nil); err == nil {
		t.Fatal("expected error for short length table")
	}
}
