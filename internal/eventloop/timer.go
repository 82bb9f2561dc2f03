package eventloop

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled callback. Cancellation is lazy: a cancelled
// entry is left in the heap with cancelled=true and skipped when popped,
// per spec.md §4.D ("Cancellation is supported by tombstoning a heap
// entry (lazy deletion).").
type timerEntry struct {
	deadline  time.Time
	fn        func()
	seq       uint64
	cancelled bool
	index     int
}

// TimerHandle lets a caller cancel a previously scheduled timer.
type TimerHandle struct {
	entry *timerEntry
}

// Cancel tombstones the timer. Safe to call multiple times or on an
// already-fired timer.
func (h TimerHandle) Cancel() {
	if h.entry != nil {
		h.entry.cancelled = true
	}
}

// Valid reports whether this handle refers to a live (non-nil) timer.
func (h TimerHandle) Valid() bool { return h.entry != nil }

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

var _ = heap.Interface(&timerHeap{})
