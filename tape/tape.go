// Package tape implements the [lens][bytes] result layout that batch read
// and scan calls marshal into an arena.Arena.
//
// Layout: a dense array of N little-endian uint32 lengths, followed by the
// concatenated value bytes in task order. LenMissing marks an absent key;
// 0 marks a present-but-empty value. Value offsets are implicit - the i'th
// value starts at the sum of all present lengths before it.
package tape

import (
	"encoding/binary"

	"github.com/kvkolb/kvcore/arena"
)

// LenMissing is the sentinel length marking an absent key, distinguishing
// it from a present empty value (length 0).
const LenMissing uint32 = ^uint32(0)

const lenWidth = 4

// Writer accumulates a tape's length array and its trailing value bytes
// into an Arena as each task result becomes available. Length slots can
// be filled in any order, but PutValue calls must come in increasing
// task-index order, since value bytes are appended sequentially.
//
// The length table is addressed by offset into the arena rather than by
// a slice captured at construction time: every PutValue call appends
// value bytes after it, which can itself force the arena to grow and
// reallocate its backing array, orphaning any slice taken before that
// point.
type Writer struct {
	a          *arena.Arena
	lensOffset int
	n          int
	written    int // how many value byte-ranges have been appended so far, in order
}

// NewWriter reserves space for n length slots up front. Value bytes are
// appended afterward via PutValue, in increasing task-index order (the tape
// format has no random-access value slots, only a length table).
func NewWriter(a *arena.Arena, n int) *Writer {
	offset := a.Len()
	a.Reserve(n * lenWidth)
	return &Writer{a: a, lensOffset: offset, n: n}
}

// PutMissing records that task i's key was absent.
func (w *Writer) PutMissing(i int) {
	w.putLen(i, LenMissing)
}

// PutValue records a present value for task i and appends its bytes.
// Values must be supplied in increasing i order because the tape's byte
// region has no per-value offset table; offsets are the prefix sum of
// lengths.
func (w *Writer) PutValue(i int, value []byte) {
	w.putLen(i, uint32(len(value)))
	w.a.Append(value)
	w.written++
}

func (w *Writer) putLen(i int, l uint32) {
	var buf [lenWidth]byte
	binary.LittleEndian.PutUint32(buf[:], l)
	w.a.WriteAt(w.lensOffset+i*lenWidth, buf[:])
}

// Lens returns the raw little-endian length table. Only meaningful once
// every PutValue/PutMissing call has returned - it re-slices the
// arena's current backing storage rather than a slice taken up front,
// since that storage may have moved since NewWriter ran.
func (w *Writer) Lens() []byte {
	b := w.a.Bytes()
	return b[w.lensOffset : w.lensOffset+w.n*lenWidth]
}

// Reader decodes a tape previously written by Writer (or received from a
// remote peer using the same wire format) back into per-task length and
// value slices.
type Reader struct {
	Lens   []uint32
	Values [][]byte
}

// Decode parses a raw tape (n length entries followed by concatenated
// value bytes) into a Reader. It reconstructs P8's invariant: lengths
// plus concatenated bytes reconstruct every value exactly.
func Decode(n int, lens []byte, values []byte) (*Reader, error) {
	if len(lens) < n*lenWidth {
		return nil, errShortLens(n, len(lens))
	}
	r := &Reader{
		Lens:   make([]uint32, n),
		Values: make([][]byte, n),
	}
	offset := 0
	for i := 0; i < n; i++ {
		l := binary.LittleEndian.Uint32(lens[i*lenWidth:])
		r.Lens[i] = l
		if l == LenMissing {
			continue
		}
		if offset+int(l) > len(values) {
			return nil, errShortValues(i, offset, l, len(values))
		}
		r.Values[i] = values[offset : offset+int(l)]
		offset += int(l)
	}
	return r, nil
}

// EncodeLens is a convenience for tests/RPC framing: marshal a []uint32
// length table (using LenMissing for absent entries) into the tape's
// little-endian byte layout.
func EncodeLens(lens []uint32) []byte {
	out := make([]byte, len(lens)*lenWidth)
	for i, l := range lens {
		binary.LittleEndian.PutUint32(out[i*lenWidth:], l)
	}
	return out
}
