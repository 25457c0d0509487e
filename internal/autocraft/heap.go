package autocraft

import (
	"container/heap"
	"time"
)

// dueHeap implements a min-heap of subscriptions ordered by due time.
// Entries due soonest are at the top of the heap.
type dueHeap []*entry

func (h dueHeap) Len() int {
	return len(h)
}

func (h dueHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].sub.Player < h[j].sub.Player
	}
	return h[i].due.Before(h[j].due)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// Peek returns the entry due soonest without removing it.
// Returns nil if heap is empty.
func (h *dueHeap) Peek() *entry {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// remove drops e if it is queued.
func (h *dueHeap) remove(e *entry) {
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}

// schedule queues e at due, or moves it there if already queued.
func (h *dueHeap) schedule(e *entry, due time.Time) {
	e.due = due
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, e)
}

// popDue extracts all entries due by now, earliest first.
func (h *dueHeap) popDue(now time.Time) []*entry {
	var due []*entry
	for {
		e := h.Peek()
		if e == nil || now.Before(e.due) {
			break
		}
		heap.Pop(h)
		due = append(due, e)
	}
	return due
}
