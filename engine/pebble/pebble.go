// Package pebble binds the storage abstraction contract (engine.Driver)
// to cockroachdb/pebble, an LSM-tree engine, as one of the pluggable
// on-disk engine kinds.
package pebble

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/task"
)

// Driver adapts a *pebble.DB to engine.Driver. Collection metadata
// (name <-> id) is mirrored in memory for fast lookups and persisted
// under a reserved key prefix so it survives reopen.
type Driver struct {
	db *pebble.DB

	applyMu sync.Mutex
	version atomic.Uint64

	collMu sync.RWMutex
	byID   map[task.CollectionID]string
	byName map[string]task.CollectionID
	nextID uint32
}

var _ engine.Driver = (*Driver)(nil)

// Open opens (creating if absent) a pebble store at dir.
func Open(dir string) (*Driver, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, kerr.Wrap(kerr.OpenFailure, "open pebble store", err)
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
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixIDToName},
		UpperBound: []byte{prefixIDToName + 1},
	})
	if err != nil {
		return kerr.Wrap(kerr.IO, "scan collection registry", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		id := decodeUint32(key[1:])
		name := string(iter.Value())
		d.byID[task.CollectionID(id)] = name
		d.byName[name] = task.CollectionID(id)
		if id >= d.nextID {
			d.nextID = id + 1
		}
	}

	if v, closer, err := d.db.Get(metaKey(metaNextID)); err == nil {
		d.nextID = decodeUint32(v)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return kerr.Wrap(kerr.IO, "load next collection id", err)
	}

	if v, closer, err := d.db.Get(metaKey(metaSeq)); err == nil {
		d.version.Store(decodeUint64(v))
		closer.Close()
	} else if err != pebble.ErrNotFound {
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
	return d.getFrom(func(k []byte) ([]byte, io.Closer, error) { return d.db.Get(k) }, col, key)
}

func (d *Driver) GetAt(snap engine.Snapshot, col task.CollectionID, key uint64) ([]byte, bool, error) {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return nil, false, kerr.New(kerr.InvalidArgument, "snapshot not produced by this driver")
	}
	return d.getFrom(func(k []byte) ([]byte, io.Closer, error) { return s.snap.Get(k) }, col, key)
}

func (d *Driver) getFrom(get func([]byte) ([]byte, io.Closer, error), col task.CollectionID, key uint64) ([]byte, bool, error) {
	cid, err := d.resolve(col)
	if err != nil {
		return nil, false, err
	}
	v, closer, err := get(dataKey(cid, key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kerr.Wrap(kerr.IO, "get", err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
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

	batch := d.db.NewBatch()
	defer batch.Close()
	for i, op := range ops {
		k := dataKey(cids[i], op.Key)
		if op.Delete {
			if err := batch.Delete(k, nil); err != nil {
				return kerr.Wrap(kerr.IO, "batch delete", err)
			}
			continue
		}
		if err := batch.Set(k, op.Value, nil); err != nil {
			return kerr.Wrap(kerr.IO, "batch set", err)
		}
	}

	next := d.version.Load() + 1
	if err := batch.Set(metaKey(metaSeq), encodeUint64(next), nil); err != nil {
		return kerr.Wrap(kerr.IO, "batch set sequence checkpoint", err)
	}

	wo := pebble.NoSync
	if opts.Has(engine.WriteFlush) {
		wo = pebble.Sync
	}
	if err := batch.Commit(wo); err != nil {
		return kerr.Wrap(kerr.IO, "commit batch", err)
	}
	d.version.Store(next)
	return nil
}

func (d *Driver) Scan(col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	return d.scan(nil, col, fromKey, maxCount)
}

func (d *Driver) ScanAt(snap engine.Snapshot, col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return nil, kerr.New(kerr.InvalidArgument, "snapshot not produced by this driver")
	}
	return d.scan(s, col, fromKey, maxCount)
}

func (d *Driver) scan(s *snapshot, col task.CollectionID, fromKey uint64, maxCount int) (engine.Iterator, error) {
	cid, err := d.resolve(col)
	if err != nil {
		return nil, err
	}
	_, upper := dataKeyBounds(cid)
	iterOpts := &pebble.IterOptions{LowerBound: dataKey(cid, fromKey), UpperBound: upper}

	var it *pebble.Iterator
	if s != nil {
		it, err = s.snap.NewIter(iterOpts)
	} else {
		it, err = d.db.NewIter(iterOpts)
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open scan iterator", err)
	}
	return &iterator{it: it, maxCount: maxCount}, nil
}

type iterator struct {
	it       *pebble.Iterator
	maxCount int
	returned int
	started  bool
}

func (i *iterator) Next() bool {
	if i.maxCount > 0 && i.returned >= i.maxCount {
		return false
	}
	var ok bool
	if !i.started {
		i.started = true
		ok = i.it.First()
	} else {
		ok = i.it.Next()
	}
	if !ok {
		return false
	}
	i.returned++
	return true
}

func (i *iterator) Key() uint64 {
	_, key, _ := decodeDataKey(i.it.Key())
	return key
}

func (i *iterator) ValueLen() uint32 { return uint32(len(i.it.Value())) }

func (i *iterator) Err() error { return i.it.Error() }

func (i *iterator) Close() error { return i.it.Close() }

type snapshot struct {
	snap *pebble.Snapshot
	seq  uint64
}

func (s *snapshot) Seq() uint64 { return s.seq }

func (d *Driver) Snapshot() (engine.Snapshot, error) {
	return &snapshot{snap: d.db.NewSnapshot(), seq: d.version.Load()}, nil
}

func (d *Driver) ReleaseSnapshot(snap engine.Snapshot) {
	if s, ok := snap.(*snapshot); ok && s != nil {
		s.snap.Close()
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

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(nameKey(name), encodeUint32(id), nil); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist collection name", err)
	}
	if err := batch.Set(idKey(id), []byte(name), nil); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist collection id", err)
	}
	if err := batch.Set(metaKey(metaNextID), encodeUint32(d.nextID), nil); err != nil {
		return 0, kerr.Wrap(kerr.IO, "persist next collection id", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
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
	lower, upper := dataKeyBounds(cid)
	if err := d.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return kerr.Wrap(kerr.IO, "delete collection range", err)
	}
	if id == task.DefaultCollection {
		return nil
	}

	d.collMu.Lock()
	defer d.collMu.Unlock()
	name := d.byID[id]
	batch := d.db.NewBatch()
	defer batch.Close()
	batch.Delete(nameKey(name), nil)
	batch.Delete(idKey(cid), nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return kerr.Wrap(kerr.IO, "commit collection removal", err)
	}
	delete(d.byID, id)
	delete(d.byName, name)
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
	return engine.CapSnapshot | engine.CapDurable
}

func (d *Driver) LastSequence() (uint64, error) {
	return d.version.Load(), nil
}

func (d *Driver) RecordSequence(seq uint64) error {
	if err := d.db.Set(metaKey(metaSeq), encodeUint64(seq), pebble.Sync); err != nil {
		return kerr.Wrap(kerr.IO, "record sequence checkpoint", err)
	}
	for {
		cur := d.version.Load()
		if seq <= cur || d.version.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

// SaveTo is not implemented: pebble already persists every commit to its
// own on-disk LSM tree, so there is no separate snapshot-to-writer format.
func (d *Driver) SaveTo(w io.Writer) error {
	return kerr.New(kerr.Unsupported, "pebble driver does not support SaveTo")
}

// LoadFrom is not implemented; see SaveTo.
func (d *Driver) LoadFrom(r io.Reader) error {
	return kerr.New(kerr.Unsupported, "pebble driver does not support LoadFrom")
}

func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return kerr.Wrap(kerr.IO, "close pebble store", err)
	}
	return nil
}
