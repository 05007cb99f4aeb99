package kvcore

import (
	"encoding/binary"

	"github.com/kvkolb/kvcore/arena"
	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/strided"
	"github.com/kvkolb/kvcore/task"
)

// Scan performs a batch forward range scan. Values are not
// materialized - only keys and value lengths, matching the tape's
// length-then-bytes shape but with a per-task count table in place of a
// single N, since each of the batch's scan tasks can yield a different
// number of results.
//
// Layout in the returned arena: a dense []uint32 count table (one entry
// per scan task, little-endian), followed by each task's results in task
// order as (key uint64, valueLen uint32) pairs, little-endian.
func (db *DB) Scan(tx *Txn, cols, minKeys, counts strided.Uint64View, opts Options, a *arena.Arena) (*arena.Arena, error) {
	scans, err := task.DecodeScans(cols, minKeys, counts)
	if err != nil {
		return nil, invalidBatch("scan", err)
	}
	if a == nil {
		a = arena.New(len(scans) * 4)
	}

	// countOffset, not a slice, stays valid even after drainScan's
	// per-entry Reserve calls force the arena to grow and reallocate.
	countOffset := a.Len()
	a.Reserve(len(scans) * 4)
	for i, s := range scans {
		it, err := db.openScan(tx, s, opts)
		if err != nil {
			return nil, err
		}
		n, err := drainScan(a, it)
		it.Close()
		if err != nil {
			return nil, err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], n)
		a.WriteAt(countOffset+i*4, buf[:])
	}
	return a, nil
}

// Scan1 is the non-batched, non-transactional single-task form of Scan,
// returning the driver iterator directly instead of marshalling into an
// arena.
func (db *DB) Scan1(col CollectionID, fromKey uint64, maxCount int, opts Options) (engine.Iterator, error) {
	return db.driver.Scan(col, fromKey, maxCount, db.withScanDefaults(opts))
}

func (db *DB) openScan(tx *Txn, s task.Scan, opts Options) (engine.Iterator, error) {
	if tx != nil {
		return tx.inner.Scan(s.Collection, s.FromKey, s.MaxCount)
	}
	return db.driver.Scan(s.Collection, s.FromKey, s.MaxCount, db.withScanDefaults(opts))
}

// withScanDefaults turns on ScanDontFillCache when the driver advertises
// CapScanDontFillCache, so a caller doesn't have to know which drivers
// support it to get the default behavior it names.
func (db *DB) withScanDefaults(opts Options) Options {
	if db.driver.Capabilities().Has(engine.CapScanDontFillCache) {
		opts |= engine.ScanDontFillCache
	}
	return opts
}

func drainScan(a *arena.Arena, it engine.Iterator) (uint32, error) {
	var n uint32
	for it.Next() {
		entry := a.Reserve(12)
		binary.LittleEndian.PutUint64(entry[0:8], it.Key())
		binary.LittleEndian.PutUint32(entry[8:12], it.ValueLen())
		n++
	}
	return n, it.Err()
}
