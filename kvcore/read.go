package kvcore

import (
	"github.com/kvkolb/kvcore/arena"
	"github.com/kvkolb/kvcore/strided"
	"github.com/kvkolb/kvcore/tape"
	"github.com/kvkolb/kvcore/task"
)

// Read performs a batch point read. tx may be nil for a non-transactional
// read against current committed state; otherwise keys are read at tx's
// snapshot and, unless opts carries ReadTransparent, folded into its
// read-set. If a is nil a fresh Arena sized for the batch is created; the
// caller owns whichever Arena is returned and must Free it.
//
// The N=1 singleton case falls out naturally here: DecodeReads over a
// length-1 view allocates one Read, and the loop below never constructs
// an intermediate vector beyond it.
//
// The non-transactional path groups reads by collection and issues one
// driver.MultiGet per group, so a driver advertising CapBatchGet is
// actually handed a batch instead of N sequential Get calls. The
// transactional path stays per-key: each read must first check the
// transaction's own uncommitted write-set and fold into its read-set,
// which a vectorized call can't do without losing that bookkeeping.
func (db *DB) Read(tx *Txn, cols, keys strided.Uint64View, opts Options, a *arena.Arena) (*arena.Arena, error) {
	reads, err := task.DecodeReads(cols, keys)
	if err != nil {
		return nil, invalidBatch("read", err)
	}
	if a == nil {
		a = arena.New(len(reads) * 8)
	}
	w := tape.NewWriter(a, len(reads))

	if tx == nil {
		if err := db.multiGet(reads, w); err != nil {
			return nil, err
		}
		return a, nil
	}

	for i, r := range reads {
		value, present, err := tx.inner.Read(r.Collection, r.Key)
		if err != nil {
			return nil, err
		}
		if present {
			w.PutValue(i, value)
		} else {
			w.PutMissing(i)
		}
	}
	return a, nil
}

// multiGet partitions reads by collection and calls db.driver.MultiGet
// once per collection. The tape's byte region has no per-value offset
// table - it is the prefix sum of lengths in ascending task-index order -
// so results are buffered here and only handed to w in that order, even
// though they arrive grouped by collection (and Go's map iteration order
// over the collection groups is itself unspecified).
func (db *DB) multiGet(reads []task.Read, w *tape.Writer) error {
	byCol := make(map[task.CollectionID][]int, 1)
	for i, r := range reads {
		byCol[r.Collection] = append(byCol[r.Collection], i)
	}

	values := make([][]byte, len(reads))
	present := make([]bool, len(reads))
	for col, idxs := range byCol {
		keys := make([]uint64, len(idxs))
		for j, i := range idxs {
			keys[j] = reads[i].Key
		}
		vs, ps, err := db.driver.MultiGet(col, keys)
		if err != nil {
			return err
		}
		for j, i := range idxs {
			values[i] = vs[j]
			present[i] = ps[j]
		}
	}

	for i := range reads {
		if present[i] {
			w.PutValue(i, values[i])
		} else {
			w.PutMissing(i)
		}
	}
	return nil
}

// Read1 is the non-batched, non-transactional single-key form of Read, for
// callers (such as package store) that never need the arena/tape path.
func (db *DB) Read1(col CollectionID, key uint64) ([]byte, bool, error) {
	return db.driver.Get(col, key)
}
