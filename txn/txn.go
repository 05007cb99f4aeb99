// Package txn implements the OCC transaction manager: snapshot
// isolation over a pluggable engine.Driver, with a per-key conflict
// index validated at commit time. The commit sequence is a manager-level
// monotonic-CAS logical clock kept separate from each driver's own
// internal sequence counter, with a bounded heap (gcqueue.go) tracking
// the oldest surviving conflict-index entry so it doesn't grow forever.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/kerr"
	"github.com/kvkolb/kvcore/metrics"
	"github.com/kvkolb/kvcore/task"
)

// State is a transaction's position in its lifecycle.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

type conflictKey struct {
	Col task.CollectionID
	Key uint64
}

// Manager owns one engine.Driver and serializes every commit through a
// single lock, so a transaction's read-set validation always runs
// against a fully up-to-date conflict index — no concurrent commit can
// interleave with validation.
type Manager struct {
	driver engine.Driver

	commitMu sync.Mutex
	seq      atomic.Uint64

	conflict map[conflictKey]uint64
	confMu   sync.RWMutex
	gc       *gcQueue

	snapMu    sync.Mutex
	snapCount map[uint64]int // ref count of active transactions per snapshot seq
}

// NewManager creates a transaction manager bound to driver. The driver
// must advertise CapSnapshot; Begin fails otherwise.
func NewManager(driver engine.Driver) *Manager {
	return &Manager{
		driver:    driver,
		conflict:  make(map[conflictKey]uint64),
		gc:        newGCQueue(),
		snapCount: make(map[uint64]int),
	}
}

// Begin starts a transaction. Its reads observe a consistent snapshot
// taken atomically with the manager's own commit sequence, so that
// read-set validation at Commit time has a well-defined "as of" point.
func (m *Manager) Begin(opts engine.Options) (*Txn, error) {
	if !m.driver.Capabilities().Has(engine.CapSnapshot) {
		return nil, kerr.New(kerr.Unsupported, "driver does not support snapshot isolation")
	}

	m.commitMu.Lock()
	snap, err := m.driver.Snapshot()
	snapSeq := m.seq.Load()
	m.commitMu.Unlock()
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, "acquire snapshot", err)
	}

	m.snapMu.Lock()
	m.snapCount[snapSeq]++
	m.snapMu.Unlock()

	return &Txn{
		mgr:     m,
		snap:    snap,
		snapSeq: snapSeq,
		opts:    opts,
		state:   StateActive,
		reads:   make(map[conflictKey]struct{}),
		writes:  make(map[conflictKey]engine.BatchOp),
	}, nil
}

// Reset discards every conflict-index entry and GC bookkeeping and sets
// the commit sequence counter to seq. It must be called after the bound
// driver's entire state is replaced wholesale (kvcore.DB.LoadFrom) -
// every previously recorded last_committed_seq points at writes that no
// longer exist, and a live transaction begun before the reset is
// snapshotting data that is now gone, so this requires no transactions
// are active across the call.
func (m *Manager) Reset(seq uint64) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	m.confMu.Lock()
	defer m.confMu.Unlock()

	m.conflict = make(map[conflictKey]uint64)
	m.gc = newGCQueue()
	m.seq.Store(seq)

	m.snapMu.Lock()
	m.snapCount = make(map[uint64]int)
	m.snapMu.Unlock()
}

// RebaseSeq advances the manager's commit sequence counter to at least
// seq, so it never reissues a sequence number a durable driver already
// persisted before this process started.
func (m *Manager) RebaseSeq(seq uint64) {
	for {
		cur := m.seq.Load()
		if cur >= seq {
			return
		}
		if m.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (m *Manager) nextSeq() uint64 {
	return m.seq.Add(1)
}

// reclaim hands an unused tentative seq back to the counter, so the next
// commit reuses it. Callers hold commitMu, so no Begin has observed seq.
func (m *Manager) reclaim(seq uint64) {
	m.seq.CompareAndSwap(seq, seq-1)
}

func (m *Manager) releaseSnapshot(seq uint64, snap engine.Snapshot) {
	m.driver.ReleaseSnapshot(snap)
	m.snapMu.Lock()
	m.snapCount[seq]--
	if m.snapCount[seq] <= 0 {
		delete(m.snapCount, seq)
	}
	m.snapMu.Unlock()
}

// oldestActiveSnapshot returns the lowest snapshot seq any live
// transaction still depends on, or the current commit seq if none are
// active (meaning every conflict-index entry is safe to collect).
func (m *Manager) oldestActiveSnapshot() uint64 {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	floor := m.seq.Load()
	for seq := range m.snapCount {
		if seq < floor {
			floor = seq
		}
	}
	return floor
}

// OldestActiveSnapshot exposes oldestActiveSnapshot for callers (the
// kvcore facade) that need to garbage-collect their own structures -
// such as a driver's per-key version history - below the same floor
// this manager uses to prune its conflict index.
func (m *Manager) OldestActiveSnapshot() uint64 {
	return m.oldestActiveSnapshot()
}

// CollectStale drops conflict-index entries no active transaction's
// read-set validation could still need, bounding the index's size
// under sustained write load.
func (m *Manager) CollectStale() int {
	floor := m.oldestActiveSnapshot()
	m.confMu.Lock()
	defer m.confMu.Unlock()
	stale := m.gc.PopStaleBelow(floor)
	for _, k := range stale {
		delete(m.conflict, k)
	}
	metrics.StaleCollected.Add(len(stale))
	return len(stale)
}

// Txn is one OCC transaction: reads are served from a fixed snapshot,
// writes are buffered until Commit, and Commit either applies the
// buffered writes atomically or fails with kerr.Conflict, marking the
// transaction aborted but leaving its read and write sets untouched so
// the caller can inspect them or retry.
type Txn struct {
	mgr     *Manager
	snap    engine.Snapshot
	snapSeq uint64
	opts    engine.Options

	mu        sync.Mutex
	state     State
	reads     map[conflictKey]struct{}
	writes    map[conflictKey]engine.BatchOp
	commitSeq uint64
}

// CommitSeq returns the sequence number this transaction committed at.
// Only meaningful once State() reports StateCommitted.
func (t *Txn) CommitSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitSeq
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) requireActive() error {
	if t.state != StateActive {
		return kerr.New(kerr.InvalidArgument, "transaction is not active")
	}
	return nil
}

// Read performs a point lookup against the transaction's snapshot,
// seeing this transaction's own uncommitted writes first.
func (t *Txn) Read(col task.CollectionID, key uint64) ([]byte, bool, error) {
	t.mu.Lock()
	if err := t.requireActive(); err != nil {
		t.mu.Unlock()
		return nil, false, err
	}
	ck := conflictKey{Col: col, Key: key}
	if op, ok := t.writes[ck]; ok {
		if !t.opts.Has(engine.TransactionDontWatch) {
			t.reads[ck] = struct{}{}
		}
		t.mu.Unlock()
		if op.Delete {
			return nil, false, nil
		}
		return append([]byte(nil), op.Value...), true, nil
	}
	t.mu.Unlock()

	v, ok, err := t.mgr.driver.GetAt(t.snap, col, key)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	if t.state == StateActive && !t.opts.Has(engine.ReadTransparent) {
		t.reads[ck] = struct{}{}
	}
	t.mu.Unlock()
	return v, ok, nil
}

// Write buffers an upsert (or, with delete set, a tombstone) to apply
// atomically at Commit. By default the written key also joins the
// read-set, so a concurrent writer to the same key aborts this
// transaction at commit rather than silently overwriting it;
// Options.TransactionDontWatch disables that and lets last-commit-wins.
func (t *Txn) Write(col task.CollectionID, key uint64, value []byte, delete bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	ck := conflictKey{Col: col, Key: key}
	op := engine.BatchOp{Collection: col, Key: key, Delete: delete}
	if !delete {
		op.Value = append([]byte(nil), value...)
	}
	t.writes[ck] = op
	if !t.opts.Has(engine.TransactionDontWatch) {
		t.reads[ck] = struct{}{}
	}
	return nil
}

// Scan opens a range iterator against the transaction's snapshot. It
// does not participate in conflict detection: this manager validates
// point read-sets only, so concurrent inserts inside an active scan's
// range are not detected as conflicts (a known phantom-read gap, not a
// spec requirement here).
func (t *Txn) Scan(col task.CollectionID, fromKey uint64, maxCount int) (engine.Iterator, error) {
	t.mu.Lock()
	err := t.requireActive()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.mgr.driver.ScanAt(t.snap, col, fromKey, maxCount, t.opts)
}

// Commit validates the read-set against every commit since the
// transaction's snapshot and, if it survives, applies the write-set
// atomically. On kerr.Conflict the transaction's reads and writes are
// left untouched so the caller can retry against a fresh Begin.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if err := t.requireActive(); err != nil {
		t.mu.Unlock()
		return err
	}
	reads := t.reads
	writes := t.writes
	t.mu.Unlock()

	m := t.mgr
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	seq := m.nextSeq()

	m.confMu.RLock()
	conflicted := false
	for k := range reads {
		if lastSeq, ok := m.conflict[k]; ok && lastSeq > t.snapSeq {
			conflicted = true
			break
		}
	}
	m.confMu.RUnlock()

	if conflicted {
		m.reclaim(seq)
		t.mu.Lock()
		t.state = StateAborted
		t.mu.Unlock()
		metrics.ConflictTotal.Inc()
		return kerr.New(kerr.Conflict, "read set invalidated by a concurrent commit")
	}

	if len(writes) > 0 {
		ops := make([]engine.BatchOp, 0, len(writes))
		for _, op := range writes {
			ops = append(ops, op)
		}
		if err := m.driver.WriteBatch(ops, t.opts); err != nil {
			m.reclaim(seq)
			t.mu.Lock()
			t.state = StateAborted
			t.mu.Unlock()
			return err
		}

		m.confMu.Lock()
		for k := range writes {
			m.conflict[k] = seq
			m.gc.Touch(k, seq)
		}
		m.confMu.Unlock()
	} else {
		m.reclaim(seq)
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.commitSeq = seq
	t.mu.Unlock()
	metrics.CommitTotal.Inc()
	return nil
}

// Rollback discards the transaction's buffered writes without
// validating or applying anything.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return nil
	}
	t.state = StateAborted
	return nil
}

// Close releases the transaction's snapshot. Committing or rolling
// back first is the caller's responsibility; Close on a still-active
// transaction aborts it.
func (t *Txn) Close() error {
	t.mu.Lock()
	if t.state == StateActive {
		t.state = StateAborted
	}
	t.mu.Unlock()
	t.mgr.releaseSnapshot(t.snapSeq, t.snap)
	return nil
}
