// Package mem implements the in-memory ordered-map engine driver, one of
// the required engine bindings. It combines a sharded xsync.MapOf point
// index with atomic compute-style upserts, per-key version chains for
// MVCC snapshot reads, and a google/btree ordered index per collection to
// serve Scan.
package mem

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/engine/mem/internal"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/task"
)

const btreeDegree = 32

// Driver is the in-memory engine.Driver implementation.
type Driver struct {
	// applyMu serializes every mutation (Put/Delete/WriteBatch) so that
	// version-number assignment and the underlying map/btree updates
	// happen atomically as one unit, even for single-key writes.
	applyMu sync.Mutex
	version atomic.Uint64

	collMu sync.RWMutex
	byID   *xsync.MapOf[task.CollectionID, *collection]
	byName *xsync.MapOf[string, task.CollectionID]
	nextID atomic.Uint32

	persistedSeq atomic.Uint64
}

type collection struct {
	id      task.CollectionID
	name    string
	chains  *xsync.MapOf[uint64, *internal.Chain]
	orderMu sync.Mutex
	order   *btree.BTree
}

type uint64Item uint64

func (a uint64Item) Less(than btree.Item) bool { return a < than.(uint64Item) }

func newCollection(id task.CollectionID, name string) *collection {
	return &collection{
		id:     id,
		name:   name,
		chains: xsync.NewMapOf[uint64, *internal.Chain](),
		order:  btree.New(btreeDegree),
	}
}

// New creates an empty in-memory engine with only the default collection.
func New() *Driver {
	d := &Driver{
		byID:   xsync.NewMapOf[task.CollectionID, *collection](),
		byName: xsync.NewMapOf[string, task.CollectionID](),
	}
	def := newCollection(task.DefaultCollection, "")
	d.byID.Store(task.DefaultCollection, def)
	d.byName.Store("", task.DefaultCollection)
	d.nextID.Store(uint32(task.DefaultCollection) + 1)
	return d
}

func (d *Driver) collection(id task.CollectionID) (*collection, error) {
	c, ok := d.byID.Load(id)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "collection does not exist")
	}
	return c, nil
}

// --------------------------------------------------------------------
// Point reads
// --------------------------------------------------------------------

func (d *Driver) Get(col task.CollectionID, key uint64) ([]byte, bool, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, false, err
	}
	return getLatest(c, key)
}

func (d *Driver) GetAt(snap engine.Snapshot, col task.CollectionID, key uint64) ([]byte, bool, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, false, err
	}
	return getAt(c, key, snap.Seq())
}

func getLatest(c *collection, key uint64) ([]byte, bool, error) {
	chain, ok := c.chains.Load(key)
	if !ok {
		return nil, false, nil
	}
	v, ok := chain.Latest()
	if !ok || !v.Present {
		return nil, false, nil
	}
	return v.Value, true, nil
}

func getAt(c *collection, key uint64, seq uint64) ([]byte, bool, error) {
	chain, ok := c.chains.Load(key)
	if !ok {
		return nil, false, nil
	}
	v, ok := chain.At(seq)
	if !ok || !v.Present {
		return nil, false, nil
	}
	return v.Value, true, nil
}

func (d *Driver) MultiGet(col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, nil, err
	}
	values := make([][]byte, len(keys))
	present := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := getLatest(c, k)
		if err != nil {
			return nil, nil, err
		}
		values[i], present[i] = v, ok
	}
	return values, present, nil
}

func (d *Driver) MultiGetAt(snap engine.Snapshot, col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, nil, err
	}
	values := make([][]byte, len(keys))
	present := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := getAt(c, k, snap.Seq())
		if err != nil {
			return nil, nil, err
		}
		values[i], present[i] = v, ok
	}
	return values, present, nil
}

// --------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------

func (d *Driver) Put(col task.CollectionID, key uint64, value []byte, opts engine.Options) error {
	return d.WriteBatch([]engine.BatchOp{{Collection: col, Key: key, Value: value}}, opts)
}

func (d *Driver) Delete(col task.CollectionID, key uint64, opts engine.Options) error {
	return d.WriteBatch([]engine.BatchOp{{Collection: col, Key: key, Delete: true}}, opts)
}

func (d *Driver) WriteBatch(ops []engine.BatchOp, _ engine.Options) error {
	if len(ops) == 0 {
		return nil
	}
	// Resolve every collection before mutating anything, so a bad
	// collection ID fails the whole batch atomically: all entries are
	// applied or none.
	cols := make([]*collection, len(ops))
	for i, op := range ops {
		c, err := d.collection(op.Collection)
		if err != nil {
			return err
		}
		cols[i] = c
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	seq := d.version.Add(1)
	for i, op := range ops {
		c := cols[i]
		chain, _ := c.chains.LoadOrCompute(op.Key, func() *internal.Chain { return internal.NewChain() })
		present := !op.Delete
		chain.Append(internal.Version{Seq: seq, Value: cloneBytes(op.Value), Present: present})

		c.orderMu.Lock()
		if present {
			c.order.ReplaceOrInsert(uint64Item(op.Key))
		}
		c.orderMu.Unlock()
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// --------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------

func (d *Driver) Scan(col task.CollectionID, fromKey uint64, maxCount int, _ engine.Options) (engine.Iterator, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, err
	}
	keys := collectOrderedKeys(c, fromKey, maxCount)
	return newIterator(c, keys, nil, maxCount), nil
}

func (d *Driver) ScanAt(snap engine.Snapshot, col task.CollectionID, fromKey uint64, maxCount int, _ engine.Options) (engine.Iterator, error) {
	c, err := d.collection(col)
	if err != nil {
		return nil, err
	}
	seq := snap.Seq()
	// For a historical snapshot a key deleted afterward must still show
	// up if it existed as of seq. Since this reference engine never
	// removes btree entries on delete, deleted keys stay indexed, so every
	// key from fromKey is a candidate; the iterator's At(seq) check
	// filters them and stops after maxCount present entries.
	keys := collectOrderedKeys(c, fromKey, 0)
	return newIterator(c, keys, &seq, maxCount), nil
}

// collectOrderedKeys walks the btree from fromKey, stopping once it has
// seen maxCount keys whose latest version is still present. The btree
// never drops a key on delete (see WriteBatch), so a tombstoned key in
// the range must not count against maxCount - only against the
// candidate list the iterator filters afterward - or the batch would
// come back short even though live keys past the tombstone exist.
func collectOrderedKeys(c *collection, fromKey uint64, maxCount int) []uint64 {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	var keys []uint64
	live := 0
	c.order.AscendGreaterOrEqual(uint64Item(fromKey), func(item btree.Item) bool {
		if maxCount > 0 && live >= maxCount {
			return false
		}
		k := uint64(item.(uint64Item))
		keys = append(keys, k)
		if maxCount > 0 {
			if chain, ok := c.chains.Load(k); ok {
				if v, ok := chain.Latest(); ok && v.Present {
					live++
				}
			}
		}
		return true
	})
	return keys
}

type iterator struct {
	c        *collection
	keys     []uint64
	pos      int
	atSeq    *uint64
	maxCount int
	seen     int
	curKey   uint64
	curLen   uint32
	err      error
}

func newIterator(c *collection, keys []uint64, atSeq *uint64, maxCount int) *iterator {
	return &iterator{c: c, keys: keys, atSeq: atSeq, maxCount: maxCount}
}

func (it *iterator) Next() bool {
	if it.maxCount > 0 && it.seen >= it.maxCount {
		return false
	}
	for it.pos < len(it.keys) {
		k := it.keys[it.pos]
		it.pos++
		chain, ok := it.c.chains.Load(k)
		if !ok {
			continue
		}
		var v internal.Version
		var present bool
		if it.atSeq != nil {
			v, present = chain.At(*it.atSeq)
		} else {
			v, present = chain.Latest()
		}
		if !present || !v.Present {
			continue
		}
		it.curKey = k
		it.curLen = uint32(len(v.Value))
		it.seen++
		return true
	}
	return false
}

func (it *iterator) Key() uint64      { return it.curKey }
func (it *iterator) ValueLen() uint32 { return it.curLen }
func (it *iterator) Err() error       { return it.err }
func (it *iterator) Close() error     { return nil }

// --------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------

type snapshot struct{ seq uint64 }

func (s *snapshot) Seq() uint64 { return s.seq }

func (d *Driver) Snapshot() (engine.Snapshot, error) {
	return &snapshot{seq: d.version.Load()}, nil
}

func (d *Driver) ReleaseSnapshot(engine.Snapshot) {
	// No reference counting in this reference engine: version chains are
	// pruned lazily by CollectStale, not eagerly on snapshot release.
}

// CollectStale prunes per-key version history older than floor across
// every collection. Intended to be called with the oldest live snapshot
// sequence, mirroring how the transaction manager garbage-collects its
// conflict index.
func (d *Driver) CollectStale(floor uint64) {
	d.byID.Range(func(_ task.CollectionID, c *collection) bool {
		c.chains.Range(func(_ uint64, chain *internal.Chain) bool {
			chain.Prune(floor)
			return true
		})
		return true
	})
}

// --------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------

func (d *Driver) CreateCollection(name string) (task.CollectionID, error) {
	if name == "" {
		return task.DefaultCollection, nil
	}
	if id, ok := d.byName.Load(name); ok {
		return id, nil
	}
	d.collMu.Lock()
	defer d.collMu.Unlock()
	if id, ok := d.byName.Load(name); ok {
		return id, nil
	}
	id := task.CollectionID(d.nextID.Add(1) - 1)
	d.byID.Store(id, newCollection(id, name))
	d.byName.Store(name, id)
	return id, nil
}

func (d *Driver) DropCollection(id task.CollectionID) error {
	c, err := d.collection(id)
	if err != nil {
		return err
	}
	if id == task.DefaultCollection {
		d.applyMu.Lock()
		defer d.applyMu.Unlock()
		fresh := newCollection(task.DefaultCollection, "")
		d.byID.Store(task.DefaultCollection, fresh)
		return nil
	}
	d.collMu.Lock()
	defer d.collMu.Unlock()
	d.byID.Delete(id)
	d.byName.Delete(c.name)
	return nil
}

func (d *Driver) ListCollections() []engine.CollectionInfo {
	var out []engine.CollectionInfo
	d.byID.Range(func(id task.CollectionID, c *collection) bool {
		out = append(out, engine.CollectionInfo{ID: id, Name: c.name})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Driver) LookupCollection(name string) (task.CollectionID, bool) {
	return d.byName.Load(name)
}

// --------------------------------------------------------------------
// Misc
// --------------------------------------------------------------------

// Capabilities does not include CapScanDontFillCache: this driver has no
// block cache (or any cache) backing its scans, so there is nothing for
// the flag to bypass.
func (d *Driver) Capabilities() engine.Capability {
	return engine.CapSnapshot | engine.CapBatchGet | engine.CapPersistToWriter
}

func (d *Driver) LastSequence() (uint64, error) {
	return d.persistedSeq.Load(), nil
}

func (d *Driver) RecordSequence(seq uint64) error {
	for {
		cur := d.persistedSeq.Load()
		if seq <= cur {
			return nil
		}
		if d.persistedSeq.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

func (d *Driver) Close() error { return nil }

var _ engine.Driver = (*Driver)(nil)
