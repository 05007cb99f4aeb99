// Package badger binds the storage abstraction contract (engine.Driver)
// to coocood/badger, an externally-maintained embedded key-value store,
// as the second of the pluggable on-disk engine kinds.
package badger

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coocood/badger"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/task"
)

type Driver struct {
	db *badger.DB

	applyMu sync.Mutex
	version atomic.Uint64

	collMu sync.RWMutex
	byID   map[task.CollectionID]string
	byName map[string]task.CollectionID
	nextID uint32
}

var _ engine.Driver = (*Driver)(nil)

// Open opens (creating if absent) a badger store at dir.
func Open(dir string) (*Driver, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, kerr.Wrap(kerr.OpenFailure, "open badger store", err)
	}
	d := &Driver{
		db:     db,
		byID:   map[task.CollectionID]string{task.DefaultCollection: ""},
		byName: map[string]task.CollectionID{"": task.DefaultCollection},
		nextID: 1,
	}
	if err := d.loadRegistry(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) loadRegistry() error {
	txn := d.db.NewTransaction(false)
	defer txn.Discard()

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte{prefixIDToName}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		id := decodeUint32(key[1:])
		name, err := item.Value()
		if err != nil {
			return kerr.Wrap(kerr.IO, "load collection registry", err)
		}
		name = append([]byte(nil), name...)
		d.byID[task.CollectionID(id)] = string(name)
		d.byName[string(name)] = task.CollectionID(id)
		if id >= d.nextID {
			d.nextID = id + 1
		}
	}

	if item, err := txn.Get(metaKey(metaNextID)); err == nil {
		v, err := item.Value()
		if err != nil {
			return kerr.Wrap(kerr.IO, "load next collection id", err)
		}
		d.nextID = decodeUint32(v)
	} else if err != badger.ErrKeyNotFound {
		return kerr.Wrap(kerr.IO, "load next collection id", err)
	}

	if item, err := txn.Get(metaKey(metaSeq)); err == nil {
		v, err := item.Value()
		if err != nil {
			return kerr.Wrap(kerr.IO, "load sequence checkpoint", err)
		}
		d.version.Store(decodeUint64(v))
	} else if err != badger.ErrKeyNotFound {
		return kerr.Wrap(kerr.IO, "load sequence checkpoint", err)
	}
	return nil
}

func (d *Driver) resolve(id task.CollectionID) (uint32, error) {
	d.collMu.RLock()
	defer d.collMu.RUnlock()
	if _, ok := d.byID[id]; !ok {
		return 0, kerr.New(kerr.NotFound, "collection does not exist")
	}
	return uint32(id), nil
}

func (d *Driver) Get(col task.CollectionID, key uint64) ([]byte, bool, error) {
	cid, err := d.resolve(col)
	if err != nil {
		return nil, false, err
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return getItem(txn, dataKey(cid, key))
}

func (d *Driver) GetAt(snap engine.Snapshot, col task.CollectionID, key uint64) ([]byte, bool, error) {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return nil, false, kerr.New(kerr.InvalidArgument, "snapshot not produced by this driver")
	}
	cid, err := d.resolve(col)
	if err != nil {
		return nil, false, err
	}
	return getItem(s.txn, dataKey(cid, key))
}

func getItem(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kerr.Wrap(kerr.IO, "get", err)
	}
	v, err := item.Value()
	if err != nil {
		return nil, false, kerr.Wrap(kerr.IO, "read value", err)
	}
	return append([]byte(nil), v...), true, nil
}

func (d *Driver) MultiGet(col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	values := make([][]byte, len(keys))
	present := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := d.Get(col, k)
		if err != nil {
			return nil, nil, err
		}
		values[i], present[i] = v, ok
	}
	return values, present, nil
}

func (d *Driver) MultiGetAt(snap engine.Snapshot, col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	values := make([][]byte, len(keys))
	present := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := d.GetAt(snap, col, k)
		if err != nil {
			return nil, nil, err
		}
		values[i], present[i] = v, ok
	}
	return values, present, nil
}

func (d *Driver) Put(col task.CollectionID, key uint64, value []byte, opts engine.Options) error {
	return d.WriteBatch([]engine.BatchOp{{Collection: col, Key: key, Value: value}}, opts)
}

func (d *Driver) Delete(col task.CollectionID, key uint64, opts engine.Options) error {
	return d.WriteBatch([]engine.BatchOp{{Collection: col, Key: key, Delete: true}}, opts)
}

func (d *Driver) WriteBatch(ops []engine.BatchOp, opts engine.Options) error {
	cids := make([]uint32, len(ops))
	for i, op := range ops {
		cid, err := d.resolve(op.Collection)
		if err != nil {
			return err
		}
		cids[i] = cid
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	for i, op := range ops {
		k := dataKey(cids[i], op.Key)
		var err error
		if op.Delete {
			err = txn.Delete(k)
		} else {
			err = txn.Set(k, op.Value)
		}
		if err != nil {
			return kerr.Wrap(kerr.IO, "stage batch entry", err)
		}
	}

	next := d.version.Load() + 1
	if err := txn.Set(metaKey(metaSeq), encodeUint64(next)); err != nil {
		return kerr.Wrap(kerr.IO, "stage sequence checkpoint", err)
	}
	if err := txn.Commit(); err != nil {
		return kerr.Wrap(kerr.IO, "commit batch", err)
	}
	// WriteFlush has no per-call equivalent in this API; durability is
	// governed by Options.SyncWrites at Open time instead.
	d.version.Store(next)
	return nil
}

func (d *Driver) Scan(col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	cid, err := d.resolve(col)
	if err != nil {
		return nil, err
	}
	txn := d.db.NewTransaction(false)
	return newIterator(txn, true, cid, fromKey, maxCount, opts), nil
}

func (d *Driver) ScanAt(snap engine.Snapshot, col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return nil, kerr.New(kerr.InvalidArgument, "snapshot not produced by this driver")
	}
	cid, err := d.resolve(col)
	if err != nil {
		return nil, err
	}
	return newIterator(s.txn, false, cid, fromKey, maxCount, opts), nil
}

type iterator struct {
	txn       *badger.Txn
	ownsTxn   bool
	it        *badger.Iterator
	prefix    []byte
	maxCount  int
	returned  int
	started   bool
	err       error
	curKey    uint64
	curValLen uint32
}

// newIterator opens a badger iterator over col starting at fromKey. Scan
// never reads item values (only ValueSize, for the tape's length table),
// so PrefetchValues is disabled whenever the caller asks not to fill the
// cache - there is no cost to skipping a prefetch nothing will read.
func newIterator(txn *badger.Txn, ownsTxn bool, col uint32, fromKey uint64, maxCount int, opts engine.Options) *iterator {
	iterOpts := badger.DefaultIteratorOptions
	if opts.Has(engine.ScanDontFillCache) {
		iterOpts.PrefetchValues = false
	}
	it := txn.NewIterator(iterOpts)
	return &iterator{txn: txn, ownsTxn: ownsTxn, it: it, prefix: dataPrefix(col), maxCount: maxCount, curKey: fromKey}
}

func (i *iterator) Next() bool {
	if i.err != nil {
		return false
	}
	if i.maxCount > 0 && i.returned >= i.maxCount {
		return false
	}
	if !i.started {
		i.started = true
		i.it.Seek(dataKey(decodeUint32(i.prefix[1:5]), i.curKey))
	} else {
		i.it.Next()
	}
	if !i.it.ValidForPrefix(i.prefix) {
		return false
	}
	item := i.it.Item()
	_, key, ok := decodeDataKey(item.KeyCopy(nil))
	if !ok {
		i.err = kerr.New(kerr.Corruption, "malformed data key in scan")
		return false
	}
	i.curKey = key
	i.curValLen = uint32(item.ValueSize())
	i.returned++
	return true
}

func (i *iterator) Key() uint64        { return i.curKey }
func (i *iterator) ValueLen() uint32   { return i.curValLen }
func (i *iterator) Err() error         { return i.err }
func (i *iterator) Close() error {
	i.it.Close()
	if i.ownsTxn {
		i.txn.Discard()
	}
	return nil
}

type snapshot struct {
	txn *badger.Txn
	seq uint64
}

func (s *snapshot) Seq() uint64 { return s.seq }

func (d *Driver) Snapshot() (engine.Snapshot, error) {
	return &snapshot{txn: d.db.NewTransaction(false), seq: d.version.Load()}, nil
}

func (d *Driver) ReleaseSnapshot(snap engine.Snapshot) {
	if s, ok := snap.(*snapshot); ok && s != nil {
		s.txn.Discard()
	}
}

func (d *Driver) CreateCollection(name string) (task.CollectionID, error) {
	if name == "" {
		return task.DefaultCollection, nil
	}
	d.collMu.Lock()
	defer d.collMu.Unlock()
	if id, ok := d.byName[name]; ok {
		return id, nil
	}
	id := d.nextID
	d.nextID++

	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(nameKey(name), encodeUint32(id)); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist collection name", err)
	}
	if err := txn.Set(idKey(id), []byte(name)); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist collection id", err)
	}
	if err := txn.Set(metaKey(metaNextID), encodeUint32(d.nextID)); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist next collection id", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, kerr.Wrap(kerr.IO, "commit collection creation", err)
	}

	cid := task.CollectionID(id)
	d.byID[cid] = name
	d.byName[name] = cid
	return cid, nil
}

func (d *Driver) DropCollection(id task.CollectionID) error {
	cid, err := d.resolve(id)
	if err != nil {
		return err
	}
	if err := d.deleteRange(dataPrefix(cid)); err != nil {
		return err
	}
	if id == task.DefaultCollection {
		return nil
	}

	d.collMu.Lock()
	defer d.collMu.Unlock()
	name := d.byID[id]
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Delete(nameKey(name)); err != nil {
		return kerr.Wrap(kerr.IO, "remove collection name entry", err)
	}
	if err := txn.Delete(idKey(cid)); err != nil {
		return kerr.Wrap(kerr.IO, "remove collection id entry", err)
	}
	if err := txn.Commit(); err != nil {
		return kerr.Wrap(kerr.IO, "commit collection removal", err)
	}
	delete(d.byID, id)
	delete(d.byName, name)
	return nil
}

// deleteRange has no native counterpart in this API; it enumerates and
// deletes matching keys in a single transaction, which is acceptable
// since collections are dropped rarely and are expected to be small
// relative to a full store.
func (d *Driver) deleteRange(prefix []byte) error {
	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return kerr.Wrap(kerr.IO, "stage range delete", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return kerr.Wrap(kerr.IO, "commit range delete", err)
	}
	return nil
}

func (d *Driver) ListCollections() []engine.CollectionInfo {
	d.collMu.RLock()
	defer d.collMu.RUnlock()
	out := make([]engine.CollectionInfo, 0, len(d.byID))
	for id, name := range d.byID {
		out = append(out, engine.CollectionInfo{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Driver) LookupCollection(name string) (task.CollectionID, bool) {
	d.collMu.RLock()
	defer d.collMu.RUnlock()
	id, ok := d.byName[name]
	return id, ok
}

func (d *Driver) Capabilities() engine.Capability {
	return engine.CapSnapshot | engine.CapDurable | engine.CapScanDontFillCache
}

func (d *Driver) LastSequence() (uint64, error) {
	return d.version.Load(), nil
}

func (d *Driver) RecordSequence(seq uint64) error {
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(metaKey(metaSeq), encodeUint64(seq)); err != nil {
		return kerr.Wrap(kerr.IO, "stage sequence checkpoint", err)
	}
	if err := txn.Commit(); err != nil {
		return kerr.Wrap(kerr.IO, "commit sequence checkpoint", err)
	}
	for {
		cur := d.version.Load()
		if seq <= cur || d.version.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

// SaveTo is not implemented: badger already persists every commit to its
// own on-disk log/SST format, so there is no separate snapshot-to-writer
// format to maintain alongside it.
func (d *Driver) SaveTo(w io.Writer) error {
	return kerr.New(kerr.Unsupported, "badger driver does not support SaveTo")
}

// LoadFrom is not implemented; see SaveTo.
func (d *Driver) LoadFrom(r io.Reader) error {
	return kerr.New(kerr.Unsupported, "badger driver does not support LoadFrom")
}

func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return kerr.Wrap(kerr.IO, "close badger store", err)
	}
	return nil
}
