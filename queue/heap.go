package queue

import "container/heap"

// itemHeap is a container/heap.Interface implementation ordering Items
// by priority (higher first), then by creation time (older first) —
// spec.md §4.9's "strictly higher priority first; FIFO within priority."
type itemHeap struct {
	items []*Item
}

func newItemHeap() *itemHeap {
	return &itemHeap{items: make([]*Item, 0)}
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

// remove drops item from the heap directly by its tracked index, used
// by Cancel on a still-queued item.
func (h *itemHeap) remove(item *Item) {
	if item.index < 0 || item.index >= len(h.items) {
		return
	}
	heap.Remove(h, item.index)
}
