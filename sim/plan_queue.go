package sim

import (
	"container/heap"
	"sort"
)

type planKey struct {
	owner owner
	key   any
}

// planQueue is a priority queue of plans with deterministic ordering.
// Ordering: time → arrival ID. Arrival IDs are assigned per simulation in
// insertion order, so equal-time plans execute first-in first-out.
//
// Keyed plans are indexed by (owner, key) and can be removed in O(log n).
type planQueue struct {
	entries       []*planEntry
	keyed         map[planKey]*planEntry
	activeCount   int
	nextArrivalID int64
}

func newPlanQueue(nextArrivalID int64) *planQueue {
	q := &planQueue{
		entries:       make([]*planEntry, 0),
		keyed:         make(map[planKey]*planEntry),
		nextArrivalID: nextArrivalID,
	}
	heap.Init(q)
	return q
}

// Len implements heap.Interface
func (q *planQueue) Len() int {
	return len(q.entries)
}

// Less implements heap.Interface
func (q *planQueue) Less(i, j int) bool {
	ei, ej := q.entries[i], q.entries[j]
	if ei.time != ej.time {
		return ei.time < ej.time
	}
	return ei.arrivalID < ej.arrivalID
}

// Swap implements heap.Interface
func (q *planQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

// Push implements heap.Interface
func (q *planQueue) Push(x any) {
	e := x.(*planEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

// Pop implements heap.Interface
func (q *planQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.entries = old[0 : n-1]
	e.index = -1
	return e
}

// push assigns the next arrival ID and queues the entry.
func (q *planQueue) push(e *planEntry) {
	e.arrivalID = q.nextArrivalID
	q.nextArrivalID++
	q.insert(e)
}

// insert queues an entry that already carries an arrival ID (a resumed plan).
func (q *planQueue) insert(e *planEntry) {
	if e.key != nil {
		q.keyed[planKey{owner: e.owner, key: e.key}] = e
	}
	if e.active {
		q.activeCount++
	}
	heap.Push(q, e)
}

// peek returns the next plan without removing it, or nil if the queue is empty.
func (q *planQueue) peek() *planEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// popNext removes and returns the next plan, or nil if the queue is empty.
func (q *planQueue) popNext() *planEntry {
	if len(q.entries) == 0 {
		return nil
	}
	e := heap.Pop(q).(*planEntry)
	q.forget(e)
	return e
}

// remove drops the plan stored under (o, key). Absent keys are not an error.
func (q *planQueue) remove(o owner, key any) *planEntry {
	e, ok := q.keyed[planKey{owner: o, key: key}]
	if !ok {
		return nil
	}
	heap.Remove(q, e.index)
	q.forget(e)
	return e
}

// removeOwner drops every plan belonging to o.
func (q *planQueue) removeOwner(o owner) int {
	var doomed []*planEntry
	for _, e := range q.entries {
		if e.owner == o {
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		heap.Remove(q, e.index)
		q.forget(e)
	}
	return len(doomed)
}

func (q *planQueue) forget(e *planEntry) {
	if e.key != nil {
		delete(q.keyed, planKey{owner: e.owner, key: e.key})
	}
	if e.active {
		q.activeCount--
	}
}

func (q *planQueue) lookup(o owner, key any) (*planEntry, bool) {
	e, ok := q.keyed[planKey{owner: o, key: key}]
	return e, ok
}

// hasActive reports whether at least one active plan is queued.
func (q *planQueue) hasActive() bool {
	return q.activeCount > 0
}

// keys returns the live plan keys of o in arrival order.
func (q *planQueue) keys(o owner) []any {
	owned := make([]*planEntry, 0)
	for k, e := range q.keyed {
		if k.owner == o {
			owned = append(owned, e)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].arrivalID < owned[j].arrivalID })
	keys := make([]any, len(owned))
	for i, e := range owned {
		keys[i] = e.key
	}
	return keys
}

// drain removes every remaining plan in execution order.
func (q *planQueue) drain() []*planEntry {
	out := make([]*planEntry, 0, len(q.entries))
	for q.Len() > 0 {
		out = append(out, q.popNext())
	}
	return out
}
