package engine

import (
	"container/heap"
	"time"
)

// readyItem is one entry in the scheduler's ready heap: an execution id
// plus the ordering key (-priority, ready_time, seq).
type readyItem struct {
	executionID string
	priority    Priority
	readyTime   time.Time
	seq         uint64
}

// readyHeap orders by (-priority, ready_time, seq): higher priority
// first, then earlier ready_time, then insertion order as a FIFO
// tiebreaker.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].readyTime.Equal(h[j].readyTime) {
		return h[i].readyTime.Before(h[j].readyTime)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*readyItem))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayQueue holds items not yet ready (ready_time in the future),
// ordered purely by ready_time so promotion to the ready heap is cheap.
type delayQueue []*readyItem

func (h delayQueue) Len() int { return len(h) }

func (h delayQueue) Less(i, j int) bool { return h[i].readyTime.Before(h[j].readyTime) }

func (h delayQueue) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayQueue) Push(x any) {
	*h = append(*h, x.(*readyItem))
}

func (h *delayQueue) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&readyHeap{})
var _ = heap.Interface(&delayQueue{})
