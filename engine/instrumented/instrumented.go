// Package instrumented wraps any engine.Driver with latency histograms,
// so every binding (mem, pebble, badger) gets the same observability for
// free instead of each one recording its own timings.
package instrumented

import (
	"time"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/metrics"
	"github.com/kvkolb/kvcore/task"
)

// Wrap returns a Driver that forwards every call to d, recording latency
// histograms around the read, write, and scan paths.
func Wrap(d engine.Driver) engine.Driver {
	return &driver{Driver: d}
}

// driver embeds engine.Driver so every method not overridden below
// passes straight through to the wrapped implementation.
type driver struct {
	engine.Driver
}

func (d *driver) Get(col task.CollectionID, key uint64) ([]byte, bool, error) {
	defer metrics.ReadDuration.UpdateDuration(time.Now())
	return d.Driver.Get(col, key)
}

func (d *driver) GetAt(snap engine.Snapshot, col task.CollectionID, key uint64) ([]byte, bool, error) {
	defer metrics.ReadDuration.UpdateDuration(time.Now())
	return d.Driver.GetAt(snap, col, key)
}

func (d *driver) MultiGet(col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	defer metrics.ReadDuration.UpdateDuration(time.Now())
	return d.Driver.MultiGet(col, keys)
}

func (d *driver) MultiGetAt(snap engine.Snapshot, col task.CollectionID, keys []uint64) ([][]byte, []bool, error) {
	defer metrics.ReadDuration.UpdateDuration(time.Now())
	return d.Driver.MultiGetAt(snap, col, keys)
}

func (d *driver) Put(col task.CollectionID, key uint64, value []byte, opts engine.Options) error {
	defer metrics.WriteDuration.UpdateDuration(time.Now())
	return d.Driver.Put(col, key, value, opts)
}

func (d *driver) Delete(col task.CollectionID, key uint64, opts engine.Options) error {
	defer metrics.WriteDuration.UpdateDuration(time.Now())
	return d.Driver.Delete(col, key, opts)
}

func (d *driver) WriteBatch(ops []engine.BatchOp, opts engine.Options) error {
	defer metrics.WriteDuration.UpdateDuration(time.Now())
	return d.Driver.WriteBatch(ops, opts)
}

func (d *driver) Scan(col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	it, err := d.Driver.Scan(col, fromKey, maxCount, opts)
	if err != nil {
		return nil, err
	}
	return &iterator{Iterator: it, start: time.Now()}, nil
}

func (d *driver) ScanAt(snap engine.Snapshot, col task.CollectionID, fromKey uint64, maxCount int, opts engine.Options) (engine.Iterator, error) {
	it, err := d.Driver.ScanAt(snap, col, fromKey, maxCount, opts)
	if err != nil {
		return nil, err
	}
	return &iterator{Iterator: it, start: time.Now()}, nil
}

// CollectStale forwards to the wrapped driver's StalePruner
// implementation, if it has one. Embedding engine.Driver as an
// interface field only promotes methods declared on that interface, so
// a concrete capability like StalePruner needs an explicit type
// assertion to survive the wrap.
func (d *driver) CollectStale(floor uint64) {
	if p, ok := d.Driver.(engine.StalePruner); ok {
		p.CollectStale(floor)
	}
}

var _ engine.StalePruner = (*driver)(nil)

// iterator records the full open-to-Close lifetime of a scan, since that
// is the span a caller actually pays for.
type iterator struct {
	engine.Iterator
	start time.Time
}

func (it *iterator) Close() error {
	metrics.ScanDuration.UpdateDuration(it.start)
	return it.Iterator.Close()
}
