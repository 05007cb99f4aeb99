package kvcore

import (
	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/strided"
	"github.com/kvkolb/kvcore/task"
)

// Write performs a batch upsert/delete. A Write task whose
// Delete flag is set (a nil value pointer at the ABI boundary) tombstones
// its key. Inside a transaction writes are buffered until Commit; outside
// one they are applied atomically via the driver's WriteBatch.
func (db *DB) Write(tx *Txn, cols, keys strided.Uint64View, values strided.BytesView, opts Options) error {
	writes, err := task.DecodeWrites(cols, keys, values)
	if err != nil {
		return invalidBatch("write", err)
	}

	if tx != nil {
		for _, w := range writes {
			if err := tx.inner.Write(w.Collection, w.Key, w.Value, w.Delete); err != nil {
				return err
			}
		}
		return nil
	}

	ops := make([]engine.BatchOp, len(writes))
	for i, w := range writes {
		ops[i] = engine.BatchOp{Collection: w.Collection, Key: w.Key, Value: w.Value, Delete: w.Delete}
	}
	return db.driver.WriteBatch(ops, opts)
}

// Write1 is the non-batched, non-transactional single-key form of Write.
func (db *DB) Write1(col CollectionID, key uint64, value []byte, del bool, opts Options) error {
	if del {
		return db.driver.Delete(col, key, opts)
	}
	return db.driver.Put(col, key, value, opts)
}
