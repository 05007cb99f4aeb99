// Package kvcore implements the public surface described by the storage
// core: a transactional, multi-collection, batch-oriented key-value engine
// over a pluggable driver (package engine and its bindings mem, pebble,
// badger), with an OCC transaction manager (package txn) and an
// arena-marshalled batch read/write/scan path (packages strided, task,
// tape, arena).
//
// The underlying ABI is opaque-handle C functions with out-pointers for
// errors and arenas; this package renders the same contract as ordinary Go
// values and error returns, replacing void* handles with typed handles
// whose drop releases resources. A thin cgo/extern-C facade could be
// layered over DB/Txn/Arena without changing any of the logic below.
package kvcore

import (
	"io"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/engine/badger"
	"github.com/kvkolb/kvcore/engine/instrumented"
	"github.com/kvkolb/kvcore/engine/mem"
	"github.com/kvkolb/kvcore/engine/pebble"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/tape"
	"github.com/kvkolb/kvcore/task"
	"github.com/kvkolb/kvcore/txn"
)

// LenMissing marks an absent key in a tape's length table.
const LenMissing = tape.LenMissing

// Re-exported so callers of this package never need to import engine or
// task directly for the common path.
type (
	CollectionID = task.CollectionID
	Options      = engine.Options
)

const DefaultCollection = task.DefaultCollection

const (
	WriteFlush           = engine.WriteFlush
	ReadTransparent      = engine.ReadTransparent
	TransactionDontWatch = engine.TransactionDontWatch
	ScanDontFillCache    = engine.ScanDontFillCache
)

// Engine selects which driver binding Open constructs.
type Engine string

const (
	EngineMem    Engine = "mem"
	EnginePebble Engine = "pebble"
	EngineBadger Engine = "badger"
)

// Config selects and configures the engine driver Open constructs.
// EngineMem ignores Dir.
type Config struct {
	Engine Engine
	Dir    string
}

// DB is a database handle: one engine.Driver plus the transaction manager
// bound to it. It is safe for concurrent use by multiple goroutines (the
// driver and the manager both are); a Txn obtained from it is not.
type DB struct {
	driver engine.Driver
	mgr    *txn.Manager
}

// Open creates or opens a database per cfg. It creates the default
// collection if absent and recovers persisted collections and sequence
// state for durable drivers.
func Open(cfg Config) (*DB, error) {
	var d engine.Driver
	var err error

	switch cfg.Engine {
	case EngineMem, "":
		d = mem.New()
	case EnginePebble:
		d, err = pebble.Open(cfg.Dir)
	case EngineBadger:
		d, err = badger.Open(cfg.Dir)
	default:
		return nil, kerr.New(kerr.InvalidArgument, "unknown engine "+string(cfg.Engine))
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.OpenFailure, "open driver", err)
	}
	d = instrumented.Wrap(d)

	mgr := txn.NewManager(d)
	if seq, err := d.LastSequence(); err == nil {
		mgr.RebaseSeq(seq)
	}

	return &DB{driver: d, mgr: mgr}, nil
}

// CollectionOpen returns the handle for name, creating it if absent. An
// empty name resolves to DefaultCollection.
func (db *DB) CollectionOpen(name string) (CollectionID, error) {
	if name == "" {
		return DefaultCollection, nil
	}
	return db.driver.CreateCollection(name)
}

// CollectionRemove empties name's key-space. Removing the default
// collection (name == "") empties it without destroying its handle; any
// other collection's handle is removed along with its entries. Removing a
// name that was never opened is a NotFound error.
func (db *DB) CollectionRemove(name string) error {
	if name == "" {
		return db.driver.DropCollection(DefaultCollection)
	}
	id, ok := db.driver.LookupCollection(name)
	if !ok {
		return kerr.New(kerr.NotFound, "no such collection: "+name)
	}
	return db.driver.DropCollection(id)
}

// TxnBegin starts a transaction. The manager's driver must advertise
// CapSnapshot. opts is fixed for the transaction's lifetime, including
// for every Scan it opens, so the ScanDontFillCache default is applied
// here rather than per-scan.
func (db *DB) TxnBegin(opts Options) (*Txn, error) {
	inner, err := db.mgr.Begin(db.withScanDefaults(opts))
	if err != nil {
		return nil, err
	}
	return &Txn{db: db, inner: inner}, nil
}

// CollectStale drops conflict-index entries no live transaction's read-set
// validation could still need, and, if the driver retains its own
// per-key history below its latest-value view (engine.StalePruner), prunes
// that too using the same floor. It is safe to call periodically from a
// background goroutine; it never blocks a concurrent commit for longer
// than the time needed to walk the currently-stale prefix of the index.
func (db *DB) CollectStale() int {
	n := db.mgr.CollectStale()
	if p, ok := db.driver.(engine.StalePruner); ok {
		p.CollectStale(db.mgr.OldestActiveSnapshot())
	}
	return n
}

// Close releases the database's driver. Any Txn obtained from db and not
// yet freed becomes invalid.
func (db *DB) Close() error {
	return db.driver.Close()
}

// SaveTo serializes the entire database to w. Returns kerr.Unsupported if
// the underlying driver doesn't advertise CapPersistToWriter (pebble and
// badger already persist every commit to their own on-disk format and
// don't need a separate one).
func (db *DB) SaveTo(w io.Writer) error {
	if !db.driver.Capabilities().Has(engine.CapPersistToWriter) {
		return kerr.New(kerr.Unsupported, "engine does not support SaveTo")
	}
	return db.driver.SaveTo(w)
}

// LoadFrom replaces the database's entire contents with what a prior
// SaveTo wrote to r. See SaveTo for driver support.
//
// The transaction manager's conflict index and commit-sequence counter
// are rebuilt from scratch afterward - every last_committed_seq entry it
// held referred to writes the reload just discarded. Callers must ensure
// no transaction is active across a LoadFrom; one begun before the call
// holds a snapshot of state that no longer exists.
func (db *DB) LoadFrom(r io.Reader) error {
	if !db.driver.Capabilities().Has(engine.CapPersistToWriter) {
		return kerr.New(kerr.Unsupported, "engine does not support LoadFrom")
	}
	if err := db.driver.LoadFrom(r); err != nil {
		return err
	}
	seq, err := db.driver.LastSequence()
	if err != nil {
		return err
	}
	db.mgr.Reset(seq)
	return nil
}
