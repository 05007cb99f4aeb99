package kvcore_test

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvkolb/kvcore/kvcore"
	"github.com/kvkolb/kvcore/arena"
	"github.com/kvkolb/kvcore/strided"
)

func openMem(t *testing.T) *kvcore.DB {
	db, err := kvcore.Open(kvcore.Config{Engine: kvcore.EngineMem})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func decodeTape(t *testing.T, buf []byte, n int) ([]uint32, [][]byte) {
	require.GreaterOrEqual(t, len(buf), n*4)
	lens := make([]uint32, n)
	values := make([][]byte, n)
	offset := n * 4
	for i := 0; i < n; i++ {
		l := binary.LittleEndian.Uint32(buf[i*4:])
		lens[i] = l
		if l == ^uint32(0) {
			continue
		}
		values[i] = buf[offset : offset+int(l)]
		offset += int(l)
	}
	return lens, values
}

func decodeScanTape(t *testing.T, buf []byte, n int) [][]uint64 {
	require.GreaterOrEqual(t, len(buf), n*4)
	counts := make([]uint32, n)
	for i := 0; i < n; i++ {
		counts[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	offset := n * 4
	out := make([][]uint64, n)
	for i, c := range counts {
		keys := make([]uint64, c)
		for j := 0; j < int(c); j++ {
			keys[j] = binary.LittleEndian.Uint64(buf[offset:])
			offset += 12
		}
		out[i] = keys
	}
	return out
}

// Round-trip and delete semantics.
func TestRoundTripAndDelete(t *testing.T) {
	db := openMem(t)

	value := []byte("purpose of life")
	err := db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{42}), strided.BytesView{Data: [][]byte{value}, Len: 1}, 0)
	require.NoError(t, err)

	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{42}), 0, nil)
	require.NoError(t, err)
	lens, values := decodeTape(t, a.Bytes(), 1)
	require.Equal(t, uint32(len(value)), lens[0])
	require.Equal(t, value, values[0])
	a.Free()

	err = db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{42}), strided.BytesView{Data: [][]byte{nil}, Len: 1}, 0)
	require.NoError(t, err)

	a, err = db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{42}), 0, nil)
	require.NoError(t, err)
	lens, _ = decodeTape(t, a.Bytes(), 1)
	require.Equal(t, kvcore.LenMissing, lens[0])
	a.Free()
}

// Reading an unwritten key returns LenMissing.
func TestReadMissingKey(t *testing.T) {
	db := openMem(t)
	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{999}), 0, nil)
	require.NoError(t, err)
	lens, _ := decodeTape(t, a.Bytes(), 1)
	require.Equal(t, kvcore.LenMissing, lens[0])
}

// Tape encoding over a multi-key batch with a mix of present, absent,
// and present-but-empty values.
func TestTapeInvariant(t *testing.T) {
	db := openMem(t)
	keys := []uint64{1, 2, 3}
	values := [][]byte{[]byte("a"), {}, nil}
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense(keys), strided.BytesView{Data: values, Len: 3}, 0))

	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{1, 2, 3}), 0, nil)
	require.NoError(t, err)
	lens, got := decodeTape(t, a.Bytes(), 3)
	require.Equal(t, uint32(1), lens[0])
	require.Equal(t, []byte("a"), got[0])
	require.Equal(t, uint32(0), lens[1])
	require.Equal(t, []byte{}, got[1])
	require.Equal(t, kvcore.LenMissing, lens[2])
}

// A length written before a later value forces the arena to grow must
// still land at the right offset once the backing array has moved,
// not in an orphaned copy of it.
func TestTapeSurvivesArenaGrowthMidBatch(t *testing.T) {
	db := openMem(t)
	big := bytes.Repeat([]byte("x"), 64*1024)
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1, 2}), strided.BytesView{Data: [][]byte{[]byte("small"), big}, Len: 2}, 0))

	a := arena.New(1)
	defer a.Free()
	result, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{1, 2}), 0, a)
	require.NoError(t, err)
	require.Same(t, a, result)

	lens, values := decodeTape(t, a.Bytes(), 2)
	require.Equal(t, uint32(len("small")), lens[0])
	require.Equal(t, []byte("small"), values[0])
	require.Equal(t, uint32(len(big)), lens[1])
	require.Equal(t, big, values[1])
}

// The scan count table has the identical growth hazard: each scan
// task's results are appended to the arena after its count slot is
// reserved, so a later task's count write must still land correctly
// once earlier tasks' results have forced the arena to grow.
func TestScanCountTableSurvivesArenaGrowthMidBatch(t *testing.T) {
	db := openMem(t)
	keys := make([]uint64, 2000)
	values := make([][]byte, len(keys))
	for i := range keys {
		keys[i] = uint64(i + 1)
		values[i] = []byte{byte(i)}
	}
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense(keys), strided.BytesView{Data: values, Len: len(keys)}, 0))

	a := arena.New(1)
	defer a.Free()
	result, err := db.Scan(nil, strided.Uint64View{}, strided.Dense([]uint64{1, 1001}), strided.Dense([]uint64{1000, 1000}), 0, a)
	require.NoError(t, err)
	require.Same(t, a, result)

	results := decodeScanTape(t, a.Bytes(), 2)
	require.Len(t, results[0], 1000, "first task's results must not be lost to arena growth triggered by later writes")
	require.Len(t, results[1], 1000, "second task's count must land correctly after the arena has already grown")
}

// Collection isolation: a key in one collection never shadows the
// same key in another.
func TestCollectionIsolation(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("default-value")}, Len: 1}, 0))

	sub, err := db.CollectionOpen("sub")
	require.NoError(t, err)
	require.NotEqual(t, kvcore.DefaultCollection, sub)

	subCol := strided.Broadcast(uint64(sub), 1)
	require.NoError(t, db.Write(nil, subCol, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("sub-value")}, Len: 1}, 0))

	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), 0, nil)
	require.NoError(t, err)
	_, defaultValues := decodeTape(t, a.Bytes(), 1)
	require.Equal(t, []byte("default-value"), defaultValues[0])

	a2, err := db.Read(nil, subCol, strided.Dense([]uint64{1}), 0, nil)
	require.NoError(t, err)
	_, subValues := decodeTape(t, a2.Bytes(), 1)
	require.Equal(t, []byte("sub-value"), subValues[0])
}

// Batch equivalence between N single-key writes and one batched write.
func TestBatchEquivalence(t *testing.T) {
	dbSeq := openMem(t)
	dbBatch := openMem(t)

	keys := []uint64{10, 11, 12}
	values := [][]byte{[]byte("x"), []byte("y"), []byte("z")}

	for i, k := range keys {
		require.NoError(t, dbSeq.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{k}), strided.BytesView{Data: [][]byte{values[i]}, Len: 1}, 0))
	}
	require.NoError(t, dbBatch.Write(nil, strided.Uint64View{}, strided.Dense(keys), strided.BytesView{Data: values, Len: 3}, 0))

	aSeq, err := dbSeq.Read(nil, strided.Uint64View{}, strided.Dense(keys), 0, nil)
	require.NoError(t, err)
	aBatch, err := dbBatch.Read(nil, strided.Uint64View{}, strided.Dense(keys), 0, nil)
	require.NoError(t, err)
	require.Equal(t, aSeq.Bytes(), aBatch.Bytes())
}

// A single batch Read spanning multiple collections is served by one
// MultiGet call per distinct collection, but must still return each
// value at its original tape index regardless of how the reads were
// grouped and re-ordered internally.
func TestReadBatchAcrossCollections(t *testing.T) {
	db := openMem(t)

	sub, err := db.CollectionOpen("sub")
	require.NoError(t, err)

	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1, 2}), strided.BytesView{Data: [][]byte{[]byte("default-1"), []byte("default-2")}, Len: 2}, 0))
	subCol := strided.Broadcast(uint64(sub), 1)
	require.NoError(t, db.Write(nil, subCol, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("sub-1")}, Len: 1}, 0))

	// Interleave collections and include a miss, so the grouping-by-
	// collection logic can't accidentally coincide with tape order.
	cols := strided.Dense([]uint64{uint64(kvcore.DefaultCollection), uint64(sub), uint64(kvcore.DefaultCollection), uint64(sub)})
	keys := strided.Dense([]uint64{1, 1, 2, 999})

	a, err := db.Read(nil, cols, keys, 0, nil)
	require.NoError(t, err)
	lens, values := decodeTape(t, a.Bytes(), 4)

	require.Equal(t, []byte("default-1"), values[0])
	require.Equal(t, []byte("sub-1"), values[1])
	require.Equal(t, []byte("default-2"), values[2])
	require.Equal(t, kvcore.LenMissing, lens[3])
}

// Snapshot read isolation and a commit-time conflict.
func TestSnapshotReadAndConflict(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("v0")}, Len: 1}, 0))

	t1, err := db.TxnBegin(0)
	require.NoError(t, err)
	defer t1.Free()

	t2, err := db.TxnBegin(0)
	require.NoError(t, err)
	require.NoError(t, t2.Write(kvcore.DefaultCollection, 1, []byte("v2"), false))
	_, err = t2.Commit()
	require.NoError(t, err)
	t2.Free()

	v, ok, err := t1.Read(kvcore.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v0", string(v), "a transaction must not observe writes committed after its snapshot")

	require.NoError(t, t1.Write(kvcore.DefaultCollection, 1, []byte("v3"), false))
	_, err = t1.Commit()
	require.Error(t, err, "t1's read-set was invalidated by t2's commit")
}

// TransactionDontWatch lets the later commit win instead of conflicting.
func TestTransactionDontWatchLastCommitWins(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("v0")}, Len: 1}, 0))

	t1, err := db.TxnBegin(kvcore.TransactionDontWatch)
	require.NoError(t, err)
	defer t1.Free()
	t2, err := db.TxnBegin(kvcore.TransactionDontWatch)
	require.NoError(t, err)
	defer t2.Free()

	require.NoError(t, t1.Write(kvcore.DefaultCollection, 1, []byte("from-1"), false))
	require.NoError(t, t2.Write(kvcore.DefaultCollection, 1, []byte("from-2"), false))

	_, err = t1.Commit()
	require.NoError(t, err)
	_, err = t2.Commit()
	require.NoError(t, err)

	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), 0, nil)
	require.NoError(t, err)
	_, values := decodeTape(t, a.Bytes(), 1)
	require.Equal(t, []byte("from-2"), values[0])
}

// Scan ordering: results come back sorted ascending by key.
func TestScanOrdering(t *testing.T) {
	db := openMem(t)
	keys := []uint64{5, 10, 12, 20, 25, 30}
	values := make([][]byte, len(keys))
	for i := range keys {
		values[i] = []byte{byte(i)}
	}
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense(keys), strided.BytesView{Data: values, Len: len(keys)}, 0))

	a, err := db.Scan(nil, strided.Uint64View{}, strided.Dense([]uint64{10}), strided.Dense([]uint64{5}), 0, nil)
	require.NoError(t, err)
	results := decodeScanTape(t, a.Bytes(), 1)
	require.Equal(t, []uint64{10, 12, 20, 25, 30}, results[0])
}

// Concurrent stress with replay determinism: replaying the commit log
// in sequence order against a fresh database reproduces the same
// final state as the live one.
func TestStressReplayDeterminism(t *testing.T) {
	db := openMem(t)
	const nWriters = 8
	const nOpsPerWriter = 50
	const keySpace = 25

	type logged struct {
		seq   uint64
		key   uint64
		value []byte
		del   bool
	}

	var mu sync.Mutex
	var log []logged

	var wg sync.WaitGroup
	for w := 0; w < nWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < nOpsPerWriter; i++ {
				key := uint64((w*7 + i*13) % keySpace)
				del := i%5 == 0
				value := []byte{byte(w), byte(i)}
				for {
					tx, err := db.TxnBegin(0)
					require.NoError(t, err)
					require.NoError(t, tx.Write(kvcore.DefaultCollection, key, value, del))
					seq, err := tx.Commit()
					tx.Free()
					if err == nil {
						mu.Lock()
						log = append(log, logged{seq: seq, key: key, value: value, del: del})
						mu.Unlock()
						break
					}
				}
			}
		}(w)
	}
	wg.Wait()

	// The live database's final state.
	want := make(map[uint64][]byte)
	for k := uint64(0); k < keySpace; k++ {
		a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{k}), 0, nil)
		require.NoError(t, err)
		lens, values := decodeTape(t, a.Bytes(), 1)
		if lens[0] != kvcore.LenMissing {
			want[k] = append([]byte(nil), values[0]...)
		}
	}

	// Replay the log, sorted by sequence, into a fresh database.
	for i := 0; i < len(log); i++ {
		for j := i + 1; j < len(log); j++ {
			if log[j].seq < log[i].seq {
				log[i], log[j] = log[j], log[i]
			}
		}
	}
	replay := openMem(t)
	for _, e := range log {
		v := e.value
		if e.del {
			v = nil
		}
		require.NoError(t, replay.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{e.key}), strided.BytesView{Data: [][]byte{v}, Len: 1}, 0))
	}

	got := make(map[uint64][]byte)
	for k := uint64(0); k < keySpace; k++ {
		a, err := replay.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{k}), 0, nil)
		require.NoError(t, err)
		lens, values := decodeTape(t, a.Bytes(), 1)
		if lens[0] != kvcore.LenMissing {
			got[k] = append([]byte(nil), values[0]...)
		}
	}

	require.Equal(t, want, got)
}

func TestCollectionRemoveDefaultEmptiesNotDestroys(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Write(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), strided.BytesView{Data: [][]byte{[]byte("v")}, Len: 1}, 0))
	require.NoError(t, db.CollectionRemove(""))

	a, err := db.Read(nil, strided.Uint64View{}, strided.Dense([]uint64{1}), 0, nil)
	require.NoError(t, err)
	lens, _ := decodeTape(t, a.Bytes(), 1)
	require.Equal(t, kvcore.LenMissing, lens[0])

	id, err := db.CollectionOpen("")
	require.NoError(t, err)
	require.Equal(t, kvcore.DefaultCollection, id)
}

func TestCollectionRemoveUnknownIsNotFound(t *testing.T) {
	db := openMem(t)
	err := db.CollectionRemove("never-opened")
	require.Error(t, err)
}
