// Package enginetest provides a standardized conformance suite for
// engine.Driver implementations, run against every driver constructor
// registered by a factory function.
package enginetest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/task"
)

// Factory creates a fresh, empty Driver instance for one subtest.
type Factory func() engine.Driver

// RunDriverConformance runs the shared contract suite against a driver
// factory. Individual checks are skipped when the driver doesn't
// advertise the capability they require.
func RunDriverConformance(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGet", func(t *testing.T) { testPutGet(t, factory()) })
		t.Run("MissingKey", func(t *testing.T) { testMissingKey(t, factory()) })
		t.Run("DeleteThenReinstate", func(t *testing.T) { testDeleteThenReinstate(t, factory()) })
		t.Run("EmptyValueVsMissing", func(t *testing.T) { testEmptyValueVsMissing(t, factory()) })
		t.Run("CollectionIsolation", func(t *testing.T) { testCollectionIsolation(t, factory()) })
		t.Run("WriteBatchAtomic", func(t *testing.T) { testWriteBatchAtomic(t, factory()) })
		t.Run("ScanOrdering", func(t *testing.T) { testScanOrdering(t, factory()) })
		t.Run("MultiGet", func(t *testing.T) { testMultiGet(t, factory()) })
		t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, factory()) })
		t.Run("DropDefaultCollectionEmptiesNotDestroys", func(t *testing.T) { testDropDefaultEmpties(t, factory()) })
		t.Run("DropNamedCollectionDestroys", func(t *testing.T) { testDropNamedDestroys(t, factory()) })
		t.Run("SaveLoadRoundTrip", func(t *testing.T) { testSaveLoadRoundTrip(t, factory) })
	})
}

func requireCap(t *testing.T, d engine.Driver, cap engine.Capability) {
	if !d.Capabilities().Has(cap) {
		t.Skip("driver does not advertise required capability")
	}
}

func testPutGet(t *testing.T, d engine.Driver) {
	defer d.Close()
	require.NoError(t, d.Put(task.DefaultCollection, 42, []byte("purpose of life"), 0))
	v, ok, err := d.Get(task.DefaultCollection, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "purpose of life", string(v))
}

func testMissingKey(t *testing.T, d engine.Driver) {
	defer d.Close()
	_, ok, err := d.Get(task.DefaultCollection, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func testDeleteThenReinstate(t *testing.T, d engine.Driver) {
	defer d.Close()
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("v1"), 0))
	require.NoError(t, d.Delete(task.DefaultCollection, 1, 0))
	_, ok, err := d.Get(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("v2"), 0))
	v, ok, err := d.Get(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func testEmptyValueVsMissing(t *testing.T, d engine.Driver) {
	defer d.Close()
	require.NoError(t, d.Put(task.DefaultCollection, 2, []byte{}, 0))
	v, ok, err := d.Get(task.DefaultCollection, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, len(v))
}

func testCollectionIsolation(t *testing.T, d engine.Driver) {
	defer d.Close()
	sub, err := d.CreateCollection("sub")
	require.NoError(t, err)

	require.NoError(t, d.Put(task.DefaultCollection, 0, []byte("default-value"), 0))
	require.NoError(t, d.Put(sub, 0, []byte("sub-value"), 0))

	v1, _, _ := d.Get(task.DefaultCollection, 0)
	v2, _, _ := d.Get(sub, 0)
	require.Equal(t, "default-value", string(v1))
	require.Equal(t, "sub-value", string(v2))
}

func testWriteBatchAtomic(t *testing.T, d engine.Driver) {
	defer d.Close()
	sub, err := d.CreateCollection("batch")
	require.NoError(t, err)

	err = d.WriteBatch([]engine.BatchOp{
		{Collection: sub, Key: 1, Value: []byte("a")},
		{Collection: sub, Key: 2, Value: []byte("b")},
		{Collection: task.CollectionID(9999), Key: 3, Value: []byte("c")}, // invalid collection
	}, 0)
	require.Error(t, err)

	_, ok, _ := d.Get(sub, 1)
	require.False(t, ok, "partial batch must not apply any entries")
}

func testScanOrdering(t *testing.T, d engine.Driver) {
	defer d.Close()
	for _, k := range []uint64{30, 5, 20, 10, 25, 12} {
		require.NoError(t, d.Put(task.DefaultCollection, k, []byte("x"), 0))
	}

	it, err := d.Scan(task.DefaultCollection, 10, 5, 0)
	require.NoError(t, err)
	defer it.Close()

	var got []uint64
	for it.Next() {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Err())
	require.Equal(t, []uint64{10, 12, 20, 25, 30}, got)
}

func testMultiGet(t *testing.T, d engine.Driver) {
	defer d.Close()
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("a"), 0))
	require.NoError(t, d.Put(task.DefaultCollection, 3, []byte("c"), 0))

	values, present, err := d.MultiGet(task.DefaultCollection, []uint64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, present)
	require.Equal(t, "a", string(values[0]))
	require.Equal(t, "c", string(values[2]))
}

func testSnapshotIsolation(t *testing.T, d engine.Driver) {
	requireCap(t, d, engine.CapSnapshot)
	defer d.Close()

	require.NoError(t, d.Put(task.DefaultCollection, 7, []byte("before"), 0))
	snap, err := d.Snapshot()
	require.NoError(t, err)
	defer d.ReleaseSnapshot(snap)

	require.NoError(t, d.Put(task.DefaultCollection, 7, []byte("after"), 0))

	v, ok, err := d.GetAt(snap, task.DefaultCollection, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "before", string(v))

	v2, ok, err := d.Get(task.DefaultCollection, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "after", string(v2))
}

func testDropDefaultEmpties(t *testing.T, d engine.Driver) {
	defer d.Close()
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("x"), 0))
	require.NoError(t, d.DropCollection(task.DefaultCollection))

	_, ok, err := d.Get(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// The handle itself must remain usable.
	require.NoError(t, d.Put(task.DefaultCollection, 2, []byte("y"), 0))
	v, ok, err := d.Get(task.DefaultCollection, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "y", string(v))
}

func testDropNamedDestroys(t *testing.T, d engine.Driver) {
	defer d.Close()
	id, err := d.CreateCollection("temp")
	require.NoError(t, err)
	require.NoError(t, d.DropCollection(id))

	_, _, err = d.Get(id, 1)
	require.Error(t, err)

	_, ok := d.LookupCollection("temp")
	require.False(t, ok)
}

// testSaveLoadRoundTrip needs a second, empty driver instance to load
// into, so it takes the factory itself rather than a single constructed
// driver like every other check in this suite.
func testSaveLoadRoundTrip(t *testing.T, factory Factory) {
	src := factory()
	defer src.Close()
	requireCap(t, src, engine.CapPersistToWriter)

	sub, err := src.CreateCollection("sub")
	require.NoError(t, err)
	require.NoError(t, src.Put(task.DefaultCollection, 1, []byte("a"), 0))
	require.NoError(t, src.Put(sub, 2, []byte("b"), 0))
	require.NoError(t, src.Delete(task.DefaultCollection, 1, 0))
	require.NoError(t, src.Put(task.DefaultCollection, 1, []byte("a2"), 0))

	var buf bytes.Buffer
	require.NoError(t, src.SaveTo(&buf))

	dst := factory()
	defer dst.Close()
	require.NoError(t, dst.LoadFrom(&buf))

	v, ok, err := dst.Get(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a2", string(v))

	subID, ok := dst.LookupCollection("sub")
	require.True(t, ok)
	v2, ok, err := dst.Get(subID, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(v2))
}
