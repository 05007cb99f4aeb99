package txn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/engine/mem"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/task"
	"github.com/kvkolb/kvcore/txn"
)

func newManager(t *testing.T) (*txn.Manager, engine.Driver) {
	d := mem.New()
	return txn.NewManager(d), d
}

func TestReadYourOwnWrites(t *testing.T) {
	mgr, _ := newManager(t)
	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.Write(task.DefaultCollection, 1, []byte("v1"), false))
	v, ok, err := tx.Read(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestCommitAppliesWrites(t *testing.T) {
	mgr, d := newManager(t)
	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	require.NoError(t, tx.Write(task.DefaultCollection, 1, []byte("v1"), false))
	require.NoError(t, tx.Commit())
	tx.Close()

	v, ok, err := d.Get(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestConcurrentWriteConflict(t *testing.T) {
	mgr, d := newManager(t)
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("initial"), 0))

	txA, err := mgr.Begin(0)
	require.NoError(t, err)
	defer txA.Close()
	txB, err := mgr.Begin(0)
	require.NoError(t, err)
	defer txB.Close()

	// Both read key 1 (joining their read-sets), then both try to write it.
	_, _, err = txA.Read(task.DefaultCollection, 1)
	require.NoError(t, err)
	_, _, err = txB.Read(task.DefaultCollection, 1)
	require.NoError(t, err)

	require.NoError(t, txA.Write(task.DefaultCollection, 1, []byte("from-a"), false))
	require.NoError(t, txB.Write(task.DefaultCollection, 1, []byte("from-b"), false))

	require.NoError(t, txA.Commit())

	err = txB.Commit()
	require.Error(t, err)
	require.True(t, kerr.KindOf(err) == kerr.Conflict)
	require.Equal(t, txn.StateAborted, txB.State())

	v, _, _ := d.Get(task.DefaultCollection, 1)
	require.Equal(t, "from-a", string(v))
}

func TestTransactionDontWatchLastCommitWins(t *testing.T) {
	mgr, d := newManager(t)
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("initial"), 0))

	txA, err := mgr.Begin(engine.TransactionDontWatch)
	require.NoError(t, err)
	defer txA.Close()
	txB, err := mgr.Begin(engine.TransactionDontWatch)
	require.NoError(t, err)
	defer txB.Close()

	require.NoError(t, txA.Write(task.DefaultCollection, 1, []byte("from-a"), false))
	require.NoError(t, txB.Write(task.DefaultCollection, 1, []byte("from-b"), false))

	require.NoError(t, txA.Commit())
	require.NoError(t, txB.Commit(), "TransactionDontWatch keeps writes out of the read-set, so no conflict is raised")

	v, _, _ := d.Get(task.DefaultCollection, 1)
	require.Equal(t, "from-b", string(v))
}

func TestSnapshotIsolationAcrossCommit(t *testing.T) {
	mgr, d := newManager(t)
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("before"), 0))

	tx, err := mgr.Begin(0)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("after"), 0))

	v, ok, err := tx.Read(task.DefaultCollection, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "before", string(v), "a transaction must not observe writes committed after its snapshot")
}

func TestReadTransparentSkipsReadSet(t *testing.T) {
	mgr, d := newManager(t)
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("v0"), 0))

	tx, err := mgr.Begin(engine.ReadTransparent)
	require.NoError(t, err)
	defer tx.Close()

	_, _, err = tx.Read(task.DefaultCollection, 1)
	require.NoError(t, err)

	// A concurrent commit to the same key must not poison this
	// transaction's commit, since ReadTransparent excluded it from the
	// read-set.
	other, err := mgr.Begin(0)
	require.NoError(t, err)
	require.NoError(t, other.Write(task.DefaultCollection, 1, []byte("v1"), false))
	require.NoError(t, other.Commit())
	other.Close()

	require.NoError(t, tx.Write(task.DefaultCollection, 2, []byte("unrelated"), false))
	require.NoError(t, tx.Commit())
}

func TestUnsupportedWithoutSnapshotCapability(t *testing.T) {
	mgr := txn.NewManager(noSnapshotDriver{mem.New()})
	_, err := mgr.Begin(0)
	require.Error(t, err)
	require.Equal(t, kerr.Unsupported, kerr.KindOf(err))
}

// noSnapshotDriver wraps engine.Driver and hides CapSnapshot, to
// exercise Manager.Begin's capability check without a dedicated fake
// driver package.
type noSnapshotDriver struct{ engine.Driver }

func (noSnapshotDriver) Capabilities() engine.Capability { return 0 }

func TestCollectStaleBoundsConflictIndex(t *testing.T) {
	mgr, d := newManager(t)
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("v"), 0))

	for i := 0; i < 5; i++ {
		tx, err := mgr.Begin(0)
		require.NoError(t, err)
		require.NoError(t, tx.Write(task.DefaultCollection, uint64(i), []byte("v"), false))
		require.NoError(t, tx.Commit())
		tx.Close()
	}

	collected := mgr.CollectStale()
	require.Greater(t, collected, 0, "with no active transactions every conflict entry is stale")
}
