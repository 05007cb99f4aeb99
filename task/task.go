// Package task turns raw strided inputs (package strided) into iterable
// task records: reads, writes, and scans. It is the layer between the
// public batch ABI surface and the transaction manager / engine drivers,
// which operate on one task at a time.
package task

import (
	"fmt"

	"github.com/kvkolb/kvcore/strided"
)

// CollectionID identifies a collection inside a single database. It is
// declared here, in a leaf package, so task, engine, and txn can all
// depend on it without an import cycle.
type CollectionID uint32

// DefaultCollection is the ID of the always-present, unnamed collection.
const DefaultCollection CollectionID = 0

// Read is a single decoded point-read task.
type Read struct {
	Collection CollectionID
	Key        uint64
}

// Write is a single decoded upsert/delete task. Delete is true when the
// caller supplied a nil value pointer.
type Write struct {
	Collection CollectionID
	Key        uint64
	Value      []byte
	Delete     bool
}

// Scan is a single decoded forward range-scan task.
type Scan struct {
	Collection CollectionID
	FromKey    uint64
	MaxCount   int
}

// DecodeReads expands strided collection/key views into a dense []Read.
// cols may have Len 0 (all default collection), 1 (broadcast), or N.
func DecodeReads(cols strided.Uint64View, keys strided.Uint64View) ([]Read, error) {
	n := keys.Len
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	colAt, err := collectionResolver(cols, n)
	if err != nil {
		return nil, err
	}
	out := make([]Read, n)
	for i := 0; i < n; i++ {
		out[i] = Read{Collection: colAt(i), Key: keys.At(i)}
	}
	return out, nil
}

// DecodeWrites expands strided collection/key/value views into a dense
// []Write. A nil entry in values encodes a delete, and a values view of
// Len 0 makes every task a delete.
func DecodeWrites(cols strided.Uint64View, keys strided.Uint64View, values strided.BytesView) ([]Write, error) {
	n := keys.Len
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	if values.Len != 0 && values.Len != n {
		return nil, fmt.Errorf("task: value view length %d does not match key view length %d", values.Len, n)
	}
	if err := values.Validate(); err != nil {
		return nil, err
	}
	colAt, err := collectionResolver(cols, n)
	if err != nil {
		return nil, err
	}
	out := make([]Write, n)
	for i := 0; i < n; i++ {
		w := Write{Collection: colAt(i), Key: keys.At(i)}
		if values.Len == 0 {
			w.Delete = true
		} else {
			v := values.At(i)
			if v == nil {
				w.Delete = true
			} else {
				w.Value = v
			}
		}
		out[i] = w
	}
	return out, nil
}

// DecodeScans expands strided collection/min-key/count views into a dense
// []Scan.
func DecodeScans(cols strided.Uint64View, minKeys strided.Uint64View, counts strided.Uint64View) ([]Scan, error) {
	n := minKeys.Len
	if err := minKeys.Validate(); err != nil {
		return nil, err
	}
	if counts.Len != n {
		return nil, fmt.Errorf("task: counts view length %d does not match min-key view length %d", counts.Len, n)
	}
	if err := counts.Validate(); err != nil {
		return nil, err
	}
	colAt, err := collectionResolver(cols, n)
	if err != nil {
		return nil, err
	}
	out := make([]Scan, n)
	for i := 0; i < n; i++ {
		out[i] = Scan{
			Collection: colAt(i),
			FromKey:    minKeys.At(i),
			MaxCount:   int(counts.At(i)),
		}
	}
	return out, nil
}

// collectionResolver builds a function mapping task index -> CollectionID,
// handling the three cardinalities a collection array may carry: 0 (all
// default), 1 (broadcast), or N (one per task).
func collectionResolver(cols strided.Uint64View, n int) (func(int) CollectionID, error) {
	switch cols.Len {
	case 0:
		return func(int) CollectionID { return DefaultCollection }, nil
	case 1:
		id := CollectionID(cols.At(0))
		return func(int) CollectionID { return id }, nil
	case n:
		if err := cols.Validate(); err != nil {
			return nil, err
		}
		return func(i int) CollectionID { return CollectionID(cols.At(i)) }, nil
	default:
		return nil, fmt.Errorf("task: collection view length %d must be 0, 1, or %d", cols.Len, n)
	}
}
