package txn

import "container/heap"

// gcQueue tracks the oldest surviving conflict-index entry per key so
// CollectStale can find everything at or below a floor sequence without
// a full scan: a binary heap paired with a hash map gives O(1) key
// lookup alongside O(log n) removal of the oldest entry.
type gcQueue struct {
	items []*gcItem
	byKey map[conflictKey]*gcItem
}

type gcItem struct {
	key   conflictKey
	seq   uint64
	index int
}

func newGCQueue() *gcQueue {
	q := &gcQueue{byKey: make(map[conflictKey]*gcItem)}
	heap.Init(q)
	return q
}

func (q *gcQueue) Len() int { return len(q.items) }

func (q *gcQueue) Less(i, j int) bool { return q.items[i].seq < q.items[j].seq }

func (q *gcQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *gcQueue) Push(x any) {
	it := x.(*gcItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byKey[it.key] = it
}

func (q *gcQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.byKey, it.key)
	return it
}

// Touch records that key was last committed at seq, replacing any
// earlier entry for the same key (only one outstanding seq per key
// matters for GC purposes: the newest write is what keeps it alive).
func (q *gcQueue) Touch(key conflictKey, seq uint64) {
	if it, ok := q.byKey[key]; ok {
		it.seq = seq
		heap.Fix(q, it.index)
		return
	}
	heap.Push(q, &gcItem{key: key, seq: seq})
}

// PopStaleBelow removes and returns every key with a recorded sequence
// at or below floor.
func (q *gcQueue) PopStaleBelow(floor uint64) []conflictKey {
	var stale []conflictKey
	for q.Len() > 0 && q.items[0].seq <= floor {
		it := heap.Pop(q).(*gcItem)
		stale = append(stale, it.key)
	}
	return stale
}
