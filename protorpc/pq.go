package protorpc

import (
	"container/heap"
	"fmt"
	"time"
)

// deadlineItem is one pending request in the deadline queue.
type deadlineItem struct {
	value    *pending
	priority time.Time // when the request times out.

	// The index is needed by delOneItem and is maintained by the heap.Interface methods.
	index int
}

// deadlineQ is a min-heap of request deadlines; the soonest
// is at index 0. Not goroutine safe: the Communicator
// holds its own mutex around every call.
type deadlineQ []*deadlineItem

func (pq deadlineQ) Len() int { return len(pq) }

func (pq deadlineQ) Less(i, j int) bool {
	return pq[i].priority.Before(pq[j].priority)
}

func (pq deadlineQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *deadlineQ) Push(x any) {
	n := len(*pq)
	item := x.(*deadlineItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *deadlineQ) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

func (pq *deadlineQ) size() int {
	return len(*pq)
}

// peek returns the soonest deadline, or nil if empty.
func (pq *deadlineQ) peek() *deadlineItem {
	if len(*pq) == 0 {
		return nil
	}
	return (*pq)[0]
}

func (pq *deadlineQ) add(p *pending) *deadlineItem {
	item := &deadlineItem{
		priority: p.deadline,
		value:    p,
	}
	heap.Push(pq, item)
	return item
}

func (pq *deadlineQ) delOneItem(item *deadlineItem) {
	n := len(*pq)
	if n == 0 {
		panic("cannot delete from empty deadlineQ")
	}
	i := item.index
	if i < 0 || i >= n {
		panic(fmt.Sprintf("bad index %v on item to delete: '%v'", item.index, item.value.requestID))
	}
	heap.Remove(pq, i)
}

// popExpired removes and returns every item due at or before now.
func (pq *deadlineQ) popExpired(now time.Time) (expired []*pending) {
	for {
		top := pq.peek()
		if top == nil || top.priority.After(now) {
			return
		}
		heap.Pop(pq)
		expired = append(expired, top.value)
	}
}
