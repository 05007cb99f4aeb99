package kvcore

import (
	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/txn"
)

// Read performs a single point read against t's snapshot, seeing t's own
// uncommitted writes first. It is the non-batched counterpart to DB.Read
// for callers that already have a Txn and want one key at a time.
func (t *Txn) Read(col CollectionID, key uint64) ([]byte, bool, error) {
	return t.inner.Read(col, key)
}

// Write buffers a single upsert (or, with del set, a tombstone) into t,
// applied atomically at Commit.
func (t *Txn) Write(col CollectionID, key uint64, value []byte, del bool) error {
	return t.inner.Write(col, key, value, del)
}

// Scan opens a range iterator against t's snapshot.
func (t *Txn) Scan(col CollectionID, fromKey uint64, maxCount int) (engine.Iterator, error) {
	return t.inner.Scan(col, fromKey, maxCount)
}

// Txn is a handle to one open transaction. It is not safe for concurrent
// use by multiple goroutines; each transaction is single-owner, matching
// the C ABI's opaque txn handle.
type Txn struct {
	db    *DB
	inner *txn.Txn
}

// Commit validates the transaction's read-set and, if it survives,
// applies its write-set atomically, returning the assigned commit
// sequence. On kerr.Conflict the transaction is left ABORTED but its
// read/write sets are preserved so the caller can inspect what it saw.
func (t *Txn) Commit() (uint64, error) {
	if err := t.inner.Commit(); err != nil {
		return 0, err
	}
	return t.inner.CommitSeq(), nil
}

// Free releases the transaction's snapshot, aborting it first if it is
// still active. It is the Go analogue of the ABI's consume-on-commit-or-
// abort lifecycle.
func (t *Txn) Free() error {
	return t.inner.Close()
}

// State reports the transaction's current lifecycle state.
func (t *Txn) State() txn.State {
	return t.inner.State()
}
