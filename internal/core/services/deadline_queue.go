package services

import (
	"container/heap"
	"time"

	"panelrelay/internal/core/domain"
)

type deadline struct {
	streamID domain.StreamID
	at       time.Time
	index    int
}

// deadlineQueue is a min-heap of one-shot deadlines keyed by stream id.
// Scheduling an id that is already queued moves its deadline.
type deadlineQueue struct {
	items []*deadline
	byID  map[domain.StreamID]*deadline
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{byID: make(map[domain.StreamID]*deadline)}
}

func (q *deadlineQueue) Len() int           { return len(q.items) }
func (q *deadlineQueue) Less(i, j int) bool { return q.items[i].at.Before(q.items[j].at) }

func (q *deadlineQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	d := x.(*deadline)
	d.index = len(q.items)
	q.items = append(q.items, d)
}

func (q *deadlineQueue) Pop() any {
	old := q.items
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	q.items = old[:n-1]
	return d
}

func (q *deadlineQueue) schedule(id domain.StreamID, at time.Time) {
	if d, ok := q.byID[id]; ok {
		d.at = at
		heap.Fix(q, d.index)
		return
	}
	d := &deadline{streamID: id, at: at}
	q.byID[id] = d
	heap.Push(q, d)
}

func (q *deadlineQueue) cancel(id domain.StreamID) bool {
	d, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, d.index)
	delete(q.byID, id)
	return true
}

func (q *deadlineQueue) pending(id domain.StreamID) bool {
	_, ok := q.byID[id]
	return ok
}

func (q *deadlineQueue) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// popDue removes and returns every id whose deadline is at or before now.
func (q *deadlineQueue) popDue(now time.Time) []domain.StreamID {
	var due []domain.StreamID
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		d := heap.Pop(q).(*deadline)
		delete(q.byID, d.streamID)
		due = append(due, d.streamID)
	}
	return due
}
