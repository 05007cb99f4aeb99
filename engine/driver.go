// Package engine defines the storage abstraction contract that every
// underlying key-value engine binding must satisfy. One driver
// binds the transaction manager and public API to one concrete engine; the
// contract is fixed here, drivers vary in engine/mem, engine/pebble, and
// engine/badger.
package engine

import (
	"io"

	"github.com/kvkolb/kvcore/task"
)

// Capability is a bitmask a Driver reports so callers (chiefly the
// transaction manager) can detect feature absence and refuse or fall back,
// rather than discovering it via a runtime panic.
type Capability uint32

const (
	// CapSnapshot means the driver can produce a point-in-time Snapshot
	// for MVCC-style transactional reads.
	CapSnapshot Capability = 1 << iota
	// CapBatchGet means MultiGet is implemented as a genuine vectorized
	// call rather than N independent Get calls.
	CapBatchGet
	// CapDurable means committed writes survive process restart.
	CapDurable
	// CapScanDontFillCache means the driver can honor
	// Options.ScanDontFillCache and avoid polluting its block cache.
	CapScanDontFillCache
	// CapPersistToWriter means SaveTo/LoadFrom serialize the driver's
	// full state to/from an arbitrary io.Writer/io.Reader, independent
	// of whatever on-disk format (if any) the driver already maintains.
	CapPersistToWriter
)

func (c Capability) Has(flag Capability) bool { return c&flag == flag }

// Options is an enumerated configuration bitmask passed to write and
// scan operations.
type Options uint32

const (
	// WriteFlush forces durability of a batch before returning.
	WriteFlush Options = 1 << iota
	// ReadTransparent bypasses read-set tracking for a transactional read
	// (still reads at the transaction's snapshot).
	ReadTransparent
	// TransactionDontWatch means writes inside a transaction do not add
	// the written keys to the read-set.
	TransactionDontWatch
	// ScanDontFillCache asks a scan not to pollute the engine's block
	// cache; this is the default behavior regardless of the flag when
	// the driver supports CapScanDontFillCache.
	ScanDontFillCache
)

func (o Options) Has(flag Options) bool { return o&flag == flag }

// BatchOp is one entry of an atomic multi-write applied outside a
// transaction via Driver.WriteBatch. A nil Value with Delete set to false
// is not valid; use Delete to request a tombstone.
type BatchOp struct {
	Collection task.CollectionID
	Key        uint64
	Value      []byte
	Delete     bool
}

// CollectionInfo is the introspection shape ListCollections returns.
type CollectionInfo struct {
	ID   task.CollectionID
	Name string
}

// Snapshot is an opaque, driver-owned handle to a point-in-time read view.
// The transaction manager treats it as a capability token: it never
// inspects a Snapshot's contents, only passes it back into GetAt/ScanAt.
type Snapshot interface {
	// Seq is the highest commit sequence visible through this snapshot.
	Seq() uint64
}

// Iterator yields ascending (key, value-length) pairs for a Scan. Values
// are not materialized eagerly; a caller who wants the value issues a
// follow-up Get.
type Iterator interface {
	// Next advances the iterator. It returns false when exhausted or on
	// error; callers must check Err after Next returns false.
	Next() bool
	Key() uint64
	ValueLen() uint32
	Err() error
	Close() error
}

// StalePruner is an optional capability: a driver that keeps its own
// per-key history below the engine's single latest-value view (as mem's
// MVCC version chains do) implements it so the transaction manager's
// conflict-index GC can drive the driver's GC with the same floor,
// instead of the driver growing that history unboundedly.
type StalePruner interface {
	// CollectStale prunes any retained state strictly older than floor -
	// the lowest snapshot sequence any live transaction still depends on.
	CollectStale(floor uint64)
}

// Driver is the storage abstraction contract every engine binding
// implements. All methods except the *At variants operate
// against the driver's current committed state; the *At variants take an
// explicit Snapshot for transactional (isolated) reads.
type Driver interface {
	// Get performs a point lookup against current committed state.
	Get(col task.CollectionID, key uint64) (value []byte, present bool, err error)
	// GetAt performs a point lookup against a specific snapshot.
	GetAt(snap Snapshot, col task.CollectionID, key uint64) (value []byte, present bool, err error)
	// MultiGet is a vectorized point lookup. Implementations advertising
	// CapBatchGet must do genuinely better than N sequential Get calls.
	MultiGet(col task.CollectionID, keys []uint64) (values [][]byte, present []bool, err error)
	MultiGetAt(snap Snapshot, col task.CollectionID, keys []uint64) (values [][]byte, present []bool, err error)

	// Put upserts a single key outside of any transaction.
	Put(col task.CollectionID, key uint64, value []byte, opts Options) error
	// Delete tombstones a single key outside of any transaction.
	Delete(col task.CollectionID, key uint64, opts Options) error
	// WriteBatch applies ops atomically: either all entries are applied
	// or none are.
	WriteBatch(ops []BatchOp, opts Options) error

	// Scan opens a forward range iterator starting at the first key >=
	// fromKey, yielding at most maxCount entries (0 means unbounded).
	Scan(col task.CollectionID, fromKey uint64, maxCount int, opts Options) (Iterator, error)
	// ScanAt is Scan against a specific snapshot.
	ScanAt(snap Snapshot, col task.CollectionID, fromKey uint64, maxCount int, opts Options) (Iterator, error)

	// Snapshot captures the current committed state for later isolated
	// reads. Returns kerr.Unsupported if !Capabilities().Has(CapSnapshot).
	Snapshot() (Snapshot, error)
	// ReleaseSnapshot releases resources held by a Snapshot. Must be
	// idempotent-safe against a nil Snapshot.
	ReleaseSnapshot(snap Snapshot)

	// CreateCollection creates (or returns, if it exists) the collection
	// with the given name.
	CreateCollection(name string) (task.CollectionID, error)
	// DropCollection empties the collection's key-space. The default
	// collection is emptied, never destroyed; DropCollection on a
	// non-default collection removes the handle entirely.
	DropCollection(id task.CollectionID) error
	// ListCollections enumerates all live collections, default included.
	ListCollections() []CollectionInfo
	// LookupCollection resolves a name to its ID without creating it.
	LookupCollection(name string) (task.CollectionID, bool)

	// Capabilities reports which optional features this driver supports.
	Capabilities() Capability

	// LastSequence returns the highest commit sequence number recorded
	// as durable by this driver, used by the transaction manager to
	// rebase its counter across restarts.
	LastSequence() (uint64, error)
	// RecordSequence persists the given sequence number as a durability
	// checkpoint. Drivers with no durability (CapDurable unset) may
	// no-op.
	RecordSequence(seq uint64) error

	// SaveTo serializes the driver's full state to w. Returns
	// kerr.Unsupported if !Capabilities().Has(CapPersistToWriter).
	SaveTo(w io.Writer) error
	// LoadFrom replaces the driver's state with what was written by a
	// prior SaveTo. Returns kerr.Unsupported if
	// !Capabilities().Has(CapPersistToWriter).
	LoadFrom(r io.Reader) error

	// Close releases all resources held by the driver.
	Close() error
}
